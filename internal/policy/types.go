// Package policy implements the guardrail decision core: per-tool-result
// trust evaluation, per-tool-call invocation evaluation, and the context
// trust pass that walks a whole conversation. Evaluation is pure CPU work;
// the only I/O is the store lookups, which fail closed.
package policy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/rules"
)

// BuiltinToolPrefix marks tools served by the gateway's own MCP server.
// Their results are always trusted and their invocations always allowed.
const BuiltinToolPrefix = "trustgate__"

const builtinToolReason = "Trustgate MCP server tool"

// IsBuiltinTool reports whether toolName belongs to the built-in toolset.
func IsBuiltinTool(toolName string) bool {
	return strings.HasPrefix(toolName, BuiltinToolPrefix)
}

// Rule is one validated policy row: a path into the evaluated value, a
// comparison, and the user-visible reason carried into verdicts.
type Rule struct {
	AttributePath string
	Operator      rules.Operator
	Value         string
	Reason        string
}

// TrustPolicies are the rules applied to a tool's output.
type TrustPolicies struct {
	BlockAlways   []Rule
	MarkAsTrusted []Rule
}

// InvocationPolicies are the rules applied to a tool call's arguments.
type InvocationPolicies struct {
	BlockAlways        []Rule
	AllowWhenUntrusted []Rule
}

// AgentToolPolicies is everything configured for one agent-tool pairing.
type AgentToolPolicies struct {
	Trust      TrustPolicies
	Invocation InvocationPolicies
}

// ToolDefaults are the per-tool fallbacks consulted when no policy decides.
type ToolDefaults struct {
	// AllowWhenUntrustedContext permits invocation even when the
	// conversation contains untrusted tool data.
	AllowWhenUntrustedContext bool
	// ResultTrustedByDefault marks the tool's output trusted when no trust
	// policy matches.
	ResultTrustedByDefault bool
}

// PolicyStore looks up the validated policies for an agent-tool pairing.
type PolicyStore interface {
	FindPoliciesForAgentTool(ctx context.Context, agentID, toolName string) (AgentToolPolicies, error)
}

// ToolStore looks up a tool's trust defaults.
type ToolStore interface {
	GetDefaults(ctx context.Context, agentID, toolName string) (ToolDefaults, error)
}

// DualLLMCache exposes sanitized tool-result replacements produced by the
// dual-LLM subagent, keyed by tool-call id.
type DualLLMCache interface {
	FindByToolCallID(ctx context.Context, toolCallID string) (sanitized string, found bool, err error)
}

// TrustVerdict is the outcome of evaluating one tool result.
type TrustVerdict struct {
	IsTrusted bool
	IsBlocked bool
	Reason    string
}

// InvocationVerdict is the outcome of evaluating one tool call.
type InvocationVerdict struct {
	IsAllowed bool
	Reason    string
}

// Evaluator applies trust and invocation policies. It is safe for concurrent
// use; all mutable state lives in the stores.
type Evaluator struct {
	policies PolicyStore
	tools    ToolStore
	logger   *zap.Logger
}

// NewEvaluator wires an evaluator to its lookup stores.
func NewEvaluator(policies PolicyStore, tools ToolStore, logger *zap.Logger) *Evaluator {
	return &Evaluator{policies: policies, tools: tools, logger: logger}
}
