// Package audit persists guardrail decisions for after-the-fact review.
// Writers are asynchronous; a proxy request never waits on the audit path.
package audit

import "time"

// EventWriter is the interface for writing decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// Event kinds.
const (
	KindChat           = "chat"
	KindToolResult     = "tool_result_trust"
	KindToolInvocation = "tool_invocation"
)

// DecisionEvent records one guardrail decision made while proxying a request.
type DecisionEvent struct {
	RequestID      string
	AgentID        string
	Timestamp      time.Time
	Provider       string
	Model          string
	Kind           string
	ToolName       string
	ToolCallID     string
	Verdict        string // allowed | blocked | trusted | untrusted | forwarded
	Reason         string
	ContextTrusted bool
	Streaming      bool
	InputTokens    uint32
	OutputTokens   uint32
	TotalTokens    uint32
	LatencyMs      float32
}

// ReasonPreviewLength is the max chars stored in the reason column.
const ReasonPreviewLength = 500

// TruncateReason returns the first N characters (runes) of a reason for
// storage. It never splits a multi-byte UTF-8 character.
func TruncateReason(reason string, maxLen int) string {
	runes := []rune(reason)
	if len(runes) <= maxLen {
		return reason
	}
	return string(runes[:maxLen])
}
