package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/jsonpath"
	"github.com/trustgate-ai/trustgate/internal/rules"
)

// EvaluateToolResult decides whether one tool result may be trusted.
// Precedence: built-in bypass, then block_always (any-element match), then
// mark_as_trusted (all-element match), then the tool's default treatment.
// The function is total; store failures fail closed to untrusted.
func (e *Evaluator) EvaluateToolResult(ctx context.Context, agentID, toolName string, resultValue any) TrustVerdict {
	if IsBuiltinTool(toolName) {
		return TrustVerdict{IsTrusted: true, Reason: builtinToolReason}
	}

	policies, err := e.policies.FindPoliciesForAgentTool(ctx, agentID, toolName)
	if err != nil {
		e.logger.Error("EvaluateToolResult: load policies",
			zap.String("agent_id", agentID), zap.String("tool", toolName), zap.Error(err))
		return TrustVerdict{Reason: fmt.Sprintf("Tool %s is configured as untrusted", toolName)}
	}

	payload := unwrapEnvelope(resultValue)

	// A block verdict is terminal, independent of trust policies and
	// defaults. Arrays block when any element matches.
	for _, p := range policies.Trust.BlockAlways {
		res := jsonpath.Resolve(payload, p.AttributePath)
		if rules.MatchesAny(res, p.Operator, p.Value) {
			return TrustVerdict{IsBlocked: true, Reason: "Data blocked by policy: " + p.Reason}
		}
	}

	// Trust requires every element to match; an empty or missing array at
	// the wildcard never satisfies a trust policy.
	for _, p := range policies.Trust.MarkAsTrusted {
		res := jsonpath.Resolve(payload, p.AttributePath)
		if rules.MatchesAll(res, p.Operator, p.Value) {
			return TrustVerdict{IsTrusted: true, Reason: p.Reason}
		}
	}

	defaults, err := e.tools.GetDefaults(ctx, agentID, toolName)
	if err != nil {
		e.logger.Error("EvaluateToolResult: load tool defaults",
			zap.String("agent_id", agentID), zap.String("tool", toolName), zap.Error(err))
		return TrustVerdict{Reason: fmt.Sprintf("Tool %s is configured as untrusted", toolName)}
	}
	if defaults.ResultTrustedByDefault {
		return TrustVerdict{IsTrusted: true, Reason: fmt.Sprintf("Tool %s is configured as trusted", toolName)}
	}
	if len(policies.Trust.MarkAsTrusted) > 0 {
		return TrustVerdict{Reason: fmt.Sprintf("Tool %s does not match any trust policies", toolName)}
	}
	return TrustVerdict{Reason: fmt.Sprintf("Tool %s is configured as untrusted", toolName)}
}

// unwrapEnvelope strips a single-key {"value": ...} wrapper so policies
// written against the inner payload keep resolving when a transport wraps it.
func unwrapEnvelope(v any) any {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return v
	}
	inner, ok := obj["value"]
	if !ok {
		return v
	}
	return inner
}

// DecodeResultContent turns a tool result's wire content into the value
// policies resolve against. Non-JSON content is evaluated as the raw string.
func DecodeResultContent(content string) any {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return content
	}
	return v
}
