package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse guardrail_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the guardrail_events table.
type EventRow struct {
	RequestID      string    `json:"request_id"`
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Kind           string    `json:"kind"`
	ToolName       string    `json:"tool_name"`
	ToolCallID     string    `json:"tool_call_id"`
	Verdict        string    `json:"verdict"`
	Reason         string    `json:"reason"`
	ContextTrusted uint8     `json:"context_trusted"`
	Streaming      uint8     `json:"streaming"`
	InputTokens    uint32    `json:"input_tokens"`
	OutputTokens   uint32    `json:"output_tokens"`
	TotalTokens    uint32    `json:"total_tokens"`
	LatencyMs      float32   `json:"latency_ms"`
}

// ListEventsParams holds filters and pagination for event listing. AgentID is
// always set by the caller; events are never listed across agents.
type ListEventsParams struct {
	AgentID   string
	Kind      *string
	Verdict   *string
	ToolName  *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

const eventColumns = "request_id, agent_id, timestamp, provider, model, kind, " +
	"tool_name, tool_call_id, verdict, reason, " +
	"context_trusted, streaming, " +
	"input_tokens, output_tokens, total_tokens, latency_ms"

// ListEvents returns paginated, filtered guardrail events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	conditions := []string{"agent_id = @agent_id"}
	args := []any{
		clickhouse.Named("agent_id", params.AgentID),
	}

	if params.Kind != nil {
		conditions = append(conditions, "kind = @kind")
		args = append(args, clickhouse.Named("kind", *params.Kind))
	}
	if params.Verdict != nil {
		conditions = append(conditions, "verdict = @verdict")
		args = append(args, clickhouse.Named("verdict", *params.Verdict))
	}
	if params.ToolName != nil {
		conditions = append(conditions, "tool_name = @tool_name")
		args = append(args, clickhouse.Named("tool_name", *params.ToolName))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM guardrail_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM guardrail_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.RequestID, &e.AgentID, &e.Timestamp, &e.Provider, &e.Model, &e.Kind,
			&e.ToolName, &e.ToolCallID, &e.Verdict, &e.Reason,
			&e.ContextTrusted, &e.Streaming,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.LatencyMs,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// SummaryStats holds aggregate decision counts.
type SummaryStats struct {
	TotalExchanges int `json:"total_exchanges"`
	Forwarded      int `json:"forwarded"`
	Blocked        int `json:"blocked"`
	ToolsBlocked   int `json:"tools_blocked"`
	ResultsBlocked int `json:"results_blocked"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// ToolCount holds a tool name and its count.
type ToolCount struct {
	ToolName string `json:"tool_name"`
	Count    int    `json:"count"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations for one agent.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	BlocksOverTime     []TimeSeriesBucket `json:"blocks_over_time"`
	TopBlockedTools    []ToolCount        `json:"top_blocked_tools"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// GetAnalytics returns aggregated analytics for an agent over the given number
// of days.
func (r *Reader) GetAnalytics(ctx context.Context, agentID string, days int) (*AnalyticsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	baseArgs := []any{
		clickhouse.Named("agent_id", agentID),
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	// Summary counts
	var total, forwarded, blocked, toolsBlocked, resultsBlocked uint64
	err := r.conn.QueryRow(ctx,
		"SELECT countIf(kind = 'chat') as total_exchanges, "+
			"countIf(kind = 'chat' AND verdict = 'forwarded') as forwarded, "+
			"countIf(kind = 'chat' AND verdict = 'blocked') as blocked, "+
			"countIf(kind = 'tool_invocation' AND verdict = 'blocked') as tools_blocked, "+
			"countIf(kind = 'tool_result_trust' AND verdict = 'blocked') as results_blocked "+
			"FROM guardrail_events "+
			"WHERE agent_id = @agent_id AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &forwarded, &blocked, &toolsBlocked, &resultsBlocked)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalExchanges: int(total),
		Forwarded:      int(forwarded),
		Blocked:        int(blocked),
		ToolsBlocked:   int(toolsBlocked),
		ResultsBlocked: int(resultsBlocked),
	}

	// Blocks over time (hourly)
	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM guardrail_events "+
			"WHERE agent_id = @agent_id AND verdict = 'blocked' "+
			"AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	// Top blocked tools
	toolRows, err := r.conn.Query(ctx,
		"SELECT tool_name, count() as count "+
			"FROM guardrail_events "+
			"WHERE agent_id = @agent_id AND verdict = 'blocked' "+
			"AND tool_name != '' AND timestamp >= @range_start "+
			"GROUP BY tool_name ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_blocked_tools: %w", err)
	}
	defer func() { _ = toolRows.Close() }()
	for toolRows.Next() {
		var name string
		var count uint64
		if err := toolRows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_blocked_tools scan: %w", err)
		}
		result.TopBlockedTools = append(result.TopBlockedTools, ToolCount{
			ToolName: name, Count: int(count),
		})
	}

	// Latency percentiles (last 24h, completed exchanges only)
	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms) as p50, "+
			"quantile(0.95)(latency_ms) as p95, "+
			"quantile(0.99)(latency_ms) as p99 "+
			"FROM guardrail_events "+
			"WHERE agent_id = @agent_id AND kind = 'chat' AND timestamp >= @day_start",
		clickhouse.Named("agent_id", agentID),
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.BlocksOverTime == nil {
		result.BlocksOverTime = []TimeSeriesBucket{}
	}
	if result.TopBlockedTools == nil {
		result.TopBlockedTools = []ToolCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
