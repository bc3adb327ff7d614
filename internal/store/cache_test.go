package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/policy"
	"github.com/trustgate-ai/trustgate/internal/rules"
)

// fakeSource counts lookups and serves a mutable snapshot.
type fakeSource struct {
	mu       sync.Mutex
	calls    int
	err      error
	policies policy.AgentToolPolicies
	defaults policy.ToolDefaults
}

func (f *fakeSource) FindPoliciesForAgentTool(_ context.Context, _, _ string) (policy.AgentToolPolicies, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return policy.AgentToolPolicies{}, f.err
	}
	return f.policies, nil
}

func (f *fakeSource) GetDefaults(_ context.Context, _, _ string) (policy.ToolDefaults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaults, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCachingStore_FreshHitSkipsSource(t *testing.T) {
	src := &fakeSource{
		policies: policy.AgentToolPolicies{Trust: policy.TrustPolicies{
			BlockAlways: []policy.Rule{{AttributePath: "x", Operator: rules.OpEqual, Value: "1", Reason: "r"}},
		}},
		defaults: policy.ToolDefaults{ResultTrustedByDefault: true},
	}
	c := NewCachingStore(src, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		got, err := c.FindPoliciesForAgentTool(context.Background(), "agent-1", "gmail__list")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Trust.BlockAlways) != 1 {
			t.Fatalf("unexpected policies: %+v", got)
		}
		d, err := c.GetDefaults(context.Background(), "agent-1", "gmail__list")
		if err != nil {
			t.Fatal(err)
		}
		if !d.ResultTrustedByDefault {
			t.Fatalf("unexpected defaults: %+v", d)
		}
	}

	if src.callCount() != 1 {
		t.Fatalf("expected 1 source fetch, got %d", src.callCount())
	}
}

func TestCachingStore_DistinctKeysFetchSeparately(t *testing.T) {
	src := &fakeSource{}
	c := NewCachingStore(src, time.Minute, zap.NewNop())

	if _, err := c.GetDefaults(context.Background(), "agent-1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetDefaults(context.Background(), "agent-1", "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetDefaults(context.Background(), "agent-2", "a"); err != nil {
		t.Fatal(err)
	}
	if src.callCount() != 3 {
		t.Fatalf("expected 3 source fetches, got %d", src.callCount())
	}
}

func TestCachingStore_StaleHitServesOldAndRefreshes(t *testing.T) {
	src := &fakeSource{defaults: policy.ToolDefaults{ResultTrustedByDefault: true}}
	c := NewCachingStore(src, 10*time.Millisecond, zap.NewNop())

	if _, err := c.GetDefaults(context.Background(), "agent-1", "tool"); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.defaults = policy.ToolDefaults{}
	src.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	// Stale read still serves the old snapshot without blocking.
	d, err := c.GetDefaults(context.Background(), "agent-1", "tool")
	if err != nil {
		t.Fatal(err)
	}
	if !d.ResultTrustedByDefault {
		t.Fatal("stale hit must serve the previous snapshot")
	}

	// The background refresh eventually installs the new snapshot.
	deadline := time.Now().Add(time.Second)
	for {
		d, err = c.GetDefaults(context.Background(), "agent-1", "tool")
		if err != nil {
			t.Fatal(err)
		}
		if !d.ResultTrustedByDefault {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCachingStore_FailedRefreshRecovers(t *testing.T) {
	src := &fakeSource{defaults: policy.ToolDefaults{ResultTrustedByDefault: true}}
	c := NewCachingStore(src, 10*time.Millisecond, zap.NewNop())

	if _, err := c.GetDefaults(context.Background(), "agent-1", "tool"); err != nil {
		t.Fatal(err)
	}

	// One transient source failure during the background refresh.
	src.mu.Lock()
	src.err = errors.New("connection reset")
	src.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	// Stale hit serves the old snapshot and kicks off the failing refresh.
	d, err := c.GetDefaults(context.Background(), "agent-1", "tool")
	if err != nil {
		t.Fatal(err)
	}
	if !d.ResultTrustedByDefault {
		t.Fatal("stale hit must serve the previous snapshot")
	}

	// Source recovers with a changed snapshot. Later lookups must pick it up;
	// a failed refresh must not pin the stale entry forever.
	src.mu.Lock()
	src.err = nil
	src.defaults = policy.ToolDefaults{}
	src.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for {
		d, err = c.GetDefaults(context.Background(), "agent-1", "tool")
		if err != nil {
			t.Fatal(err)
		}
		if !d.ResultTrustedByDefault {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot still stale after the source recovered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCachingStore_InvalidateForcesRefetch(t *testing.T) {
	src := &fakeSource{}
	c := NewCachingStore(src, time.Minute, zap.NewNop())

	if _, err := c.GetDefaults(context.Background(), "agent-1", "tool"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("agent-1", "tool")
	if _, err := c.GetDefaults(context.Background(), "agent-1", "tool"); err != nil {
		t.Fatal(err)
	}
	if src.callCount() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", src.callCount())
	}
}
