// Package proxy runs the guardrail pipeline around one provider exchange:
// normalize the inbound request, evaluate context trust, push redactions and
// sanitized replacements back into the wire payload, forward upstream, then
// gate any model-requested tool calls before the response reaches the client.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/audit"
	"github.com/trustgate-ai/trustgate/internal/llm"
	"github.com/trustgate-ai/trustgate/internal/policy"
)

const maxRequestBody = 10 << 20

// ToolObserver records tools seen in traffic.
type ToolObserver interface {
	ObserveTool(ctx context.Context, agentID string, tool llm.CommonTool) error
}

// Config wires a Proxy to its collaborators.
type Config struct {
	Evaluator *policy.Evaluator
	DualLLM   policy.DualLLMCache // nil disables sanitized substitutions
	Tools     ToolObserver        // nil disables tool observation
	Writer    audit.EventWriter
	Upstreams map[llm.Provider]string
	Client    *http.Client
	Logger    *zap.Logger
}

// Proxy handles provider-shaped chat requests for authenticated agents.
type Proxy struct {
	evaluator *policy.Evaluator
	dualLLM   policy.DualLLMCache
	tools     ToolObserver
	writer    audit.EventWriter
	upstreams map[llm.Provider]string
	client    *http.Client
	logger    *zap.Logger
}

// New creates a Proxy. The default client carries no timeout because
// streaming responses are open-ended; cancellation rides the request context.
func New(cfg Config) *Proxy {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{
		evaluator: cfg.Evaluator,
		dualLLM:   cfg.DualLLM,
		tools:     cfg.Tools,
		writer:    cfg.Writer,
		upstreams: cfg.Upstreams,
		client:    client,
		logger:    cfg.Logger,
	}
}

// Handle proxies one request. rest is the provider-relative path, e.g.
// "chat/completions" or "v1beta/models/gemini-2.0-flash:generateContent".
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, provider llm.Provider, agentID, rest string) {
	set, ok := adapters[provider]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider", "invalid_request_error")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	opts := requestOptions(provider, rest)
	req, err := set.parseRequest(body, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}

	ctx := r.Context()
	requestID := uuid.NewString()
	start := time.Now()

	p.observeTools(ctx, agentID, req)

	trust := p.evaluator.EvaluateContextTrust(ctx, agentID, req.Messages())
	for id, replacement := range trust.Redactions {
		p.writeEvent(&audit.DecisionEvent{
			RequestID:      requestID,
			AgentID:        agentID,
			Timestamp:      time.Now(),
			Provider:       string(provider),
			Model:          req.Model(),
			Kind:           audit.KindToolResult,
			ToolCallID:     id,
			Verdict:        "blocked",
			Reason:         replacement,
			ContextTrusted: trust.IsTrusted,
		})
	}
	p.applySubstitutions(ctx, req, trust)

	outBody, err := req.ToProviderRequest()
	if err != nil {
		p.logger.Error("serialize upstream request", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build upstream request", "api_error")
		return
	}

	upstream, err := p.forward(ctx, provider, set, r, rest, outBody)
	if err != nil {
		p.logger.Warn("upstream request failed",
			zap.String("request_id", requestID),
			zap.String("provider", string(provider)),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream request failed", "upstream_error")
		return
	}
	defer upstream.Body.Close()

	if upstream.StatusCode < 200 || upstream.StatusCode >= 300 {
		relayUpstreamError(w, upstream)
		return
	}

	exchange := &exchange{
		provider:  provider,
		agentID:   agentID,
		requestID: requestID,
		model:     req.Model(),
		trusted:   trust.IsTrusted,
		start:     start,
	}

	if req.IsStreaming() {
		p.streamResponse(w, r, set, opts, upstream, exchange)
		return
	}
	p.completeResponse(ctx, w, set, upstream, exchange)
}

// exchange carries per-request bookkeeping through the response path.
type exchange struct {
	provider  llm.Provider
	agentID   string
	requestID string
	model     string
	trusted   bool
	start     time.Time
}

// observeTools records declared tools; failures are logged, never fatal.
func (p *Proxy) observeTools(ctx context.Context, agentID string, req llm.RequestAdapter) {
	if p.tools == nil || !req.HasTools() {
		return
	}
	for _, tool := range req.Tools() {
		if err := p.tools.ObserveTool(ctx, agentID, tool); err != nil {
			p.logger.Warn("observe tool failed",
				zap.String("agent_id", agentID),
				zap.String("tool", tool.Name),
				zap.Error(err))
		}
	}
}

// applySubstitutions pushes dual-LLM sanitized replacements and policy
// redactions into the provider payload. Redactions win when both exist.
func (p *Proxy) applySubstitutions(ctx context.Context, req llm.RequestAdapter, trust policy.ContextTrustResult) {
	if p.dualLLM != nil {
		for _, result := range req.ToolResults() {
			sanitized, found, err := p.dualLLM.FindByToolCallID(ctx, result.ID)
			if err != nil {
				p.logger.Warn("dual-LLM cache lookup failed",
					zap.String("tool_call_id", result.ID), zap.Error(err))
				continue
			}
			if found {
				req.UpdateToolResult(result.ID, sanitized)
			}
		}
	}
	req.ApplyToolResultUpdates(trust.Redactions)
}

func (p *Proxy) forward(ctx context.Context, provider llm.Provider, set adapterSet, r *http.Request, rest string, body []byte) (*http.Response, error) {
	base, ok := p.upstreams[provider]
	if !ok {
		return nil, fmt.Errorf("forward: no upstream configured for %s", provider)
	}
	url := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rest, "/")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", r.Header.Get("Accept"))
	for _, h := range set.keyHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	return p.client.Do(req)
}

// completeResponse gates a non-streaming response: any blocked tool call
// converts the whole response into a refusal via the adapter.
func (p *Proxy) completeResponse(ctx context.Context, w http.ResponseWriter, set adapterSet, upstream *http.Response, ex *exchange) {
	respBody, err := io.ReadAll(upstream.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read upstream response", "upstream_error")
		return
	}
	resp, err := set.parseResponse(respBody)
	if err != nil {
		p.logger.Error("parse upstream response",
			zap.String("request_id", ex.requestID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "unparseable upstream response", "upstream_error")
		return
	}

	reason := p.gateToolCalls(ctx, ex, resp.ToolCalls())

	usage := resp.Usage()
	verdict := "forwarded"
	if reason != "" {
		verdict = "blocked"
	}
	p.writeEvent(&audit.DecisionEvent{
		RequestID:      ex.requestID,
		AgentID:        ex.agentID,
		Timestamp:      time.Now(),
		Provider:       string(ex.provider),
		Model:          ex.model,
		Kind:           audit.KindChat,
		Verdict:        verdict,
		Reason:         reason,
		ContextTrusted: ex.trusted,
		InputTokens:    uint32(usage.InputTokens),
		OutputTokens:   uint32(usage.OutputTokens),
		TotalTokens:    uint32(usage.TotalTokens),
		LatencyMs:      float32(time.Since(ex.start).Milliseconds()),
	})

	if reason != "" {
		refusal, err := resp.ToRefusalResponse(reason)
		if err != nil {
			p.logger.Error("build refusal response",
				zap.String("request_id", ex.requestID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to build refusal", "api_error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(refusal) //nolint:errcheck
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(upstream.StatusCode)
	w.Write(respBody) //nolint:errcheck
}

// gateToolCalls evaluates every requested call and returns the first block
// reason, or "" when all are allowed.
func (p *Proxy) gateToolCalls(ctx context.Context, ex *exchange, calls []llm.CommonToolCall) string {
	reason := ""
	for _, call := range calls {
		v := p.evaluator.EvaluateToolInvocation(ctx, ex.agentID, call.Name, call.Arguments, ex.trusted)
		verdict := "allowed"
		if !v.IsAllowed {
			verdict = "blocked"
			if reason == "" {
				reason = v.Reason
			}
		}
		p.writeEvent(&audit.DecisionEvent{
			RequestID:      ex.requestID,
			AgentID:        ex.agentID,
			Timestamp:      time.Now(),
			Provider:       string(ex.provider),
			Model:          ex.model,
			Kind:           audit.KindToolInvocation,
			ToolName:       call.Name,
			ToolCallID:     call.ID,
			Verdict:        verdict,
			Reason:         v.Reason,
			ContextTrusted: ex.trusted,
			LatencyMs:      float32(time.Since(ex.start).Milliseconds()),
		})
	}
	return reason
}

func (p *Proxy) writeEvent(event *audit.DecisionEvent) {
	if p.writer != nil {
		p.writer.Write(event)
	}
}

// relayUpstreamError forwards a provider error with its status and a
// normalized {message, type} envelope. Upstream errors are not retried here.
func relayUpstreamError(w http.ResponseWriter, upstream *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(upstream.Body, 1<<20))

	message := strings.TrimSpace(string(body))
	errType := "upstream_error"
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
		if parsed.Error.Type != "" {
			errType = parsed.Error.Type
		}
	}
	writeError(w, upstream.StatusCode, message, errType)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": map[string]string{"message": message, "type": errType},
	})
}
