package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/audit"
)

type errorResp struct {
	Detail string `json:"detail"`
}

type eventListResp struct {
	Events   []audit.EventRow `json:"events"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// handleListEvents lists the calling agent's guardrail decisions. Filters
// always include the authenticated agent id; one agent can never read
// another's audit trail.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Detail: "ClickHouse not configured"})
		return
	}
	agent := agentFromContext(r.Context())
	if agent == nil {
		writeProviderError(w, http.StatusUnauthorized, "missing agent identity", "authentication_error")
		return
	}

	q := r.URL.Query()
	params := audit.ListEventsParams{
		AgentID:  agent.AgentID,
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.Page < 1 {
		params.Page = 1
	}

	if v := q.Get("kind"); v != "" {
		params.Kind = &v
	}
	if v := q.Get("verdict"); v != "" {
		params.Verdict = &v
	}
	if v := q.Get("tool_name"); v != "" {
		params.ToolName = &v
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Detail: "Failed to list events"})
		return
	}
	if events == nil {
		events = []audit.EventRow{}
	}

	writeJSON(w, http.StatusOK, eventListResp{
		Events:   events,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

// handleGetAnalytics returns aggregate decision stats for the calling agent.
func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Detail: "ClickHouse not configured"})
		return
	}
	agent := agentFromContext(r.Context())
	if agent == nil {
		writeProviderError(w, http.StatusUnauthorized, "missing agent identity", "authentication_error")
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	result, err := d.Reader.GetAnalytics(r.Context(), agent.AgentID, days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Detail: "Failed to get analytics"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
