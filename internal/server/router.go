// Package server exposes the gateway's HTTP surface: the provider proxy
// routes behind API-key auth, plus a health check.
package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/audit"
	"github.com/trustgate-ai/trustgate/internal/auth"
	"github.com/trustgate-ai/trustgate/internal/llm"
	"github.com/trustgate-ai/trustgate/internal/proxy"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Proxy  *proxy.Proxy
	Auth   auth.Authenticator
	Reader *audit.Reader // nil when ClickHouse is not configured
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Provider proxy routes (auth required via Bearer tgk_ token). The
	// trailing path segment is forwarded to the upstream as-is, so clients
	// keep their provider-native paths.
	mux.HandleFunc("POST /v1/openai/{rest...}", deps.authMiddleware(deps.proxyHandler(llm.ProviderOpenAI)))
	mux.HandleFunc("POST /v1/anthropic/{rest...}", deps.authMiddleware(deps.proxyHandler(llm.ProviderAnthropic)))
	mux.HandleFunc("POST /v1/gemini/{rest...}", deps.authMiddleware(deps.proxyHandler(llm.ProviderGemini)))

	// Audit trail queries, scoped to the authenticated agent
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))
	mux.HandleFunc("GET /v1/analytics", deps.authMiddleware(deps.handleGetAnalytics))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

func (d *Dependencies) proxyHandler(provider llm.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := agentFromContext(r.Context())
		if agent == nil {
			writeProviderError(w, http.StatusUnauthorized, "missing agent identity", "authentication_error")
			return
		}
		d.Proxy.Handle(w, r, provider, agent.AgentID, r.PathValue("rest"))
	}
}
