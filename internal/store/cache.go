package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/policy"
)

// snapshotSource is the uncached lookup behind CachingStore.
type snapshotSource interface {
	FindPoliciesForAgentTool(ctx context.Context, agentID, toolName string) (policy.AgentToolPolicies, error)
	GetDefaults(ctx context.Context, agentID, toolName string) (policy.ToolDefaults, error)
}

// agentToolSnapshot holds everything the evaluators ask about one pairing,
// fetched together so both lookups stay consistent with each other.
type agentToolSnapshot struct {
	policies policy.AgentToolPolicies
	defaults policy.ToolDefaults
}

type snapshotEntry struct {
	snapshot   agentToolSnapshot
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CachingStore fronts a Store with a TTL in-memory cache using
// stale-while-revalidate: an expired entry is still served while one
// goroutine refreshes it in the background. Uses sync.Map for lock-free
// reads on the hot path.
type CachingStore struct {
	source snapshotSource
	cache  sync.Map // map[string]*snapshotEntry
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachingStore wraps source with a cache. A zero ttl defaults to 60s.
func NewCachingStore(source snapshotSource, ttl time.Duration, logger *zap.Logger) *CachingStore {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &CachingStore{source: source, ttl: ttl, logger: logger}
}

func (c *CachingStore) FindPoliciesForAgentTool(ctx context.Context, agentID, toolName string) (policy.AgentToolPolicies, error) {
	snap, err := c.lookup(ctx, agentID, toolName)
	if err != nil {
		return policy.AgentToolPolicies{}, err
	}
	return snap.policies, nil
}

func (c *CachingStore) GetDefaults(ctx context.Context, agentID, toolName string) (policy.ToolDefaults, error) {
	snap, err := c.lookup(ctx, agentID, toolName)
	if err != nil {
		return policy.ToolDefaults{}, err
	}
	return snap.defaults, nil
}

// Invalidate drops the cached snapshot for one pairing.
func (c *CachingStore) Invalidate(agentID, toolName string) {
	c.cache.Delete(cacheKey(agentID, toolName))
}

func cacheKey(agentID, toolName string) string {
	return agentID + ":" + toolName
}

func (c *CachingStore) lookup(ctx context.Context, agentID, toolName string) (agentToolSnapshot, error) {
	key := cacheKey(agentID, toolName)
	if val, ok := c.cache.Load(key); ok {
		entry := val.(*snapshotEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.snapshot, nil
		}
		// Stale hit: serve the old snapshot, let one goroutine refresh.
		if entry.refreshing.CompareAndSwap(false, true) {
			go c.refreshInBackground(agentID, toolName)
		}
		return entry.snapshot, nil
	}

	snap, err := c.fetch(ctx, agentID, toolName)
	if err != nil {
		return agentToolSnapshot{}, err
	}
	c.set(key, snap)
	return snap, nil
}

func (c *CachingStore) fetch(ctx context.Context, agentID, toolName string) (agentToolSnapshot, error) {
	policies, err := c.source.FindPoliciesForAgentTool(ctx, agentID, toolName)
	if err != nil {
		return agentToolSnapshot{}, err
	}
	defaults, err := c.source.GetDefaults(ctx, agentID, toolName)
	if err != nil {
		return agentToolSnapshot{}, err
	}
	return agentToolSnapshot{policies: policies, defaults: defaults}, nil
}

func (c *CachingStore) refreshInBackground(agentID, toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.fetch(ctx, agentID, toolName)
	if err != nil {
		c.logger.Warn("background policy cache refresh failed",
			zap.String("agent_id", agentID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		// Drop the entry so the next lookup refetches instead of pinning the
		// stale snapshot behind a refresh flag that never resets.
		c.cache.Delete(cacheKey(agentID, toolName))
		return
	}
	c.set(cacheKey(agentID, toolName), snap)
}

func (c *CachingStore) set(key string, snap agentToolSnapshot) {
	c.cache.Store(key, &snapshotEntry{
		snapshot:  snap,
		expiresAt: time.Now().Add(c.ttl),
	})
}
