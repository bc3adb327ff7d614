package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/llm"
)

// ContextTrustResult is the outcome of walking one conversation.
type ContextTrustResult struct {
	// Messages mirrors the input with blocked tool-result content replaced.
	Messages []llm.CommonMessage
	// Redactions maps tool-call id to replacement content for every blocked
	// result, so callers can push the substitutions back into the
	// provider-native request.
	Redactions map[string]string
	// IsTrusted is the logical AND over every evaluated tool result; true
	// when the conversation carries none.
	IsTrusted bool
}

// EvaluateContextTrust walks messages in order and evaluates every tool
// result. Blocked results are redacted; merely untrusted results pass
// through unmodified but still poison the aggregate. A result whose
// originating call cannot be located is untrusted but never redacted.
// Non-tool-result content is never modified.
func (e *Evaluator) EvaluateContextTrust(ctx context.Context, agentID string, messages []llm.CommonMessage) ContextTrustResult {
	out := ContextTrustResult{
		Messages:   make([]llm.CommonMessage, len(messages)),
		Redactions: make(map[string]string),
		IsTrusted:  true,
	}
	copy(out.Messages, messages)

	for i := range out.Messages {
		results := out.Messages[i].ToolResults
		if len(results) == 0 {
			continue
		}
		rewritten := make([]llm.CommonToolResult, len(results))
		copy(rewritten, results)
		for j := range rewritten {
			result := &rewritten[j]

			toolName := originToolName(messages[:i+1], result.ID)
			if toolName == "" {
				e.logger.Warn("EvaluateContextTrust: tool result has no originating call",
					zap.String("agent_id", agentID), zap.String("tool_call_id", result.ID))
				out.IsTrusted = false
				continue
			}

			verdict := e.EvaluateToolResult(ctx, agentID, toolName, DecodeResultContent(result.Content))
			if verdict.IsBlocked {
				replacement := "[Content blocked by policy: " + verdict.Reason + "]"
				result.Content = replacement
				out.Redactions[result.ID] = replacement
				out.IsTrusted = false
				continue
			}
			if !verdict.IsTrusted {
				out.IsTrusted = false
			}
		}
		out.Messages[i].ToolResults = rewritten
	}
	return out
}

// originToolName reverse-scans the conversation up to and including the
// result's own turn for the assistant tool call that produced callID.
func originToolName(history []llm.CommonMessage, callID string) string {
	for i := len(history) - 1; i >= 0; i-- {
		for _, call := range history[i].ToolCalls {
			if call.ID == callID {
				return call.Name
			}
		}
	}
	return ""
}
