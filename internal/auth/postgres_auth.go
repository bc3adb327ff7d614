package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AgentStore abstracts DB queries for testability.
type AgentStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*agentRow, error)
}

type agentRow struct {
	AgentID    string
	Name       string
	APIKeyHash string
}

// sqlAgentStore is the real implementation using *sql.DB.
type sqlAgentStore struct {
	db *sql.DB
}

func (s *sqlAgentStore) LookupByPrefix(ctx context.Context, prefix string) (*agentRow, error) {
	row := &agentRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash
		 FROM agents
		 WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.AgentID, &row.Name, &row.APIKeyHash)
	if err != nil {
		if err == sql.ErrNoRows {
			// No agent with this prefix: reject, don't fail open.
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlAgentStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the agents table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the hot
// path. Auth failures always return an error; nothing is proxied without a
// valid key.
type PostgresAuthenticator struct {
	store  AgentStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlAgentStore{db: cfg.DB},
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an injected store (for testing).
func newPostgresAuthenticatorWithStore(store AgentStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale agent, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. On DB error: ErrAuthUnavailable, never a silent allow
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*AgentContext, error) {
	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Agent, nil
	}

	agent, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(apiKey, agent)
	return agent, nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background goroutine.
// Errors are logged but don't affect the caller (they already got the stale value).
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		// Drop the entry so the next stale read retries instead of pinning
		// a revoked key forever.
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, agent)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*AgentContext, error) {
	// api_key_prefix is the first 8 chars (e.g. "tgk_abcd")
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &AgentContext{
		AgentID: row.AgentID,
		Name:    row.Name,
	}, nil
}

// handleLookupError maps a lookup failure to the caller-visible error.
func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*AgentContext, error) {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return nil, ErrInvalidAPIKey
	}
	a.logger.Warn("auth DB unreachable", zap.Error(lookupErr))
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
