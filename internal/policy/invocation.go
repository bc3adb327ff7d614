package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/jsonpath"
	"github.com/trustgate-ai/trustgate/internal/rules"
)

// EvaluateToolInvocation decides whether a model-requested tool call may
// execute, given the aggregate trust of the conversation so far.
// Precedence: built-in bypass, block_always over the call arguments, trusted
// context, the tool's untrusted-usage default, then allow_when_untrusted
// policies. The function is total; store failures fail closed to denied.
func (e *Evaluator) EvaluateToolInvocation(ctx context.Context, agentID, toolName string, args map[string]any, contextIsTrusted bool) InvocationVerdict {
	if IsBuiltinTool(toolName) {
		return InvocationVerdict{IsAllowed: true, Reason: builtinToolReason}
	}

	policies, err := e.policies.FindPoliciesForAgentTool(ctx, agentID, toolName)
	if err != nil {
		e.logger.Error("EvaluateToolInvocation: load policies",
			zap.String("agent_id", agentID), zap.String("tool", toolName), zap.Error(err))
		return InvocationVerdict{Reason: fmt.Sprintf("Tool %s cannot be used because the context contains untrusted data", toolName)}
	}

	var argsValue any = args

	// A matching block policy overrides everything below, including a
	// permissive tool default. Absent argument paths cannot block.
	for _, p := range policies.Invocation.BlockAlways {
		res := jsonpath.Resolve(argsValue, p.AttributePath)
		if rules.MatchesAny(res, p.Operator, p.Value) {
			return InvocationVerdict{Reason: p.Reason}
		}
	}

	if contextIsTrusted {
		return InvocationVerdict{IsAllowed: true}
	}

	defaults, err := e.tools.GetDefaults(ctx, agentID, toolName)
	if err != nil {
		e.logger.Error("EvaluateToolInvocation: load tool defaults",
			zap.String("agent_id", agentID), zap.String("tool", toolName), zap.Error(err))
		defaults = ToolDefaults{}
	}
	if defaults.AllowWhenUntrustedContext {
		return InvocationVerdict{IsAllowed: true}
	}

	// Allow policies are checked in configuration order. A policy whose
	// argument is absent fails the whole evaluation immediately, even when a
	// later policy would have matched.
	for _, p := range policies.Invocation.AllowWhenUntrusted {
		res := jsonpath.Resolve(argsValue, p.AttributePath)
		if res.Kind == jsonpath.NotFound {
			return InvocationVerdict{Reason: "Missing required argument: " + p.AttributePath}
		}
		if rules.MatchesAll(res, p.Operator, p.Value) {
			return InvocationVerdict{IsAllowed: true}
		}
	}

	return InvocationVerdict{Reason: fmt.Sprintf("Tool %s cannot be used because the context contains untrusted data", toolName)}
}
