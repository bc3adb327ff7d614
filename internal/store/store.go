// Package store provides the PostgreSQL-backed lookups the policy engine
// consumes: per-agent-tool policies, tool trust defaults, and the dual-LLM
// sanitization cache. Policy rows are validated here, at the store boundary,
// so the evaluators only ever see well-formed rules.
package store

import "database/sql"

// Store provides access to the PostgreSQL database for agents, tools, and
// policies.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}
