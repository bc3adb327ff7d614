// Package auth validates agent API keys for the gateway. Keys are prefixed
// tgk_, looked up in Postgres by their 8-char prefix, and verified with
// bcrypt. A stale-while-revalidate cache keeps DB + bcrypt off the hot path.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication unavailable")
)

// AgentContext holds the authenticated agent's identity for a request.
type AgentContext struct {
	AgentID string
	Name    string
}

// Authenticator validates an API key and returns the agent it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*AgentContext, error)
}

// ExtractAPIKey pulls the bearer token from an HTTP request.
// RFC 6750: the "Bearer" scheme is case-insensitive.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAPIKey
	}
	token := header
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "tgk_") {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}
