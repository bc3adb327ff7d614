package store

import (
	"context"
	"fmt"

	"github.com/trustgate-ai/trustgate/internal/policy"
	"github.com/trustgate-ai/trustgate/internal/rules"
)

// Policy actions as stored in the action column.
const (
	actionBlockAlways        = "block_always"
	actionMarkAsTrusted      = "mark_as_trusted"
	actionAllowWhenUntrusted = "allow_when_context_is_untrusted"
)

// FindPoliciesForAgentTool loads every trusted-data and tool-invocation
// policy configured for an agent-tool pairing. Rows are validated here; a
// row carrying an unknown operator or action is an error, which the
// evaluators translate into a fail-closed verdict.
func (s *Store) FindPoliciesForAgentTool(ctx context.Context, agentID, toolName string) (policy.AgentToolPolicies, error) {
	var out policy.AgentToolPolicies

	rows, err := s.db.QueryContext(ctx, `
		SELECT attribute_path, operator, value, action, description
		FROM trusted_data_policies
		WHERE agent_id = $1 AND tool_name = $2`, agentID, toolName)
	if err != nil {
		return out, fmt.Errorf("FindPoliciesForAgentTool: trusted data policies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path, operator, value, action, description string
		if err := rows.Scan(&path, &operator, &value, &action, &description); err != nil {
			return out, fmt.Errorf("FindPoliciesForAgentTool: scan: %w", err)
		}
		rule, err := buildRule(path, operator, value, description)
		if err != nil {
			return out, fmt.Errorf("FindPoliciesForAgentTool: %w", err)
		}
		switch action {
		case actionBlockAlways:
			out.Trust.BlockAlways = append(out.Trust.BlockAlways, rule)
		case actionMarkAsTrusted:
			out.Trust.MarkAsTrusted = append(out.Trust.MarkAsTrusted, rule)
		default:
			return out, fmt.Errorf("FindPoliciesForAgentTool: unknown trusted-data action %q", action)
		}
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("FindPoliciesForAgentTool: %w", err)
	}

	invRows, err := s.db.QueryContext(ctx, `
		SELECT argument_name, operator, value, action, reason
		FROM tool_invocation_policies
		WHERE agent_id = $1 AND tool_name = $2`, agentID, toolName)
	if err != nil {
		return out, fmt.Errorf("FindPoliciesForAgentTool: invocation policies: %w", err)
	}
	defer invRows.Close()
	for invRows.Next() {
		var argName, operator, value, action, reason string
		if err := invRows.Scan(&argName, &operator, &value, &action, &reason); err != nil {
			return out, fmt.Errorf("FindPoliciesForAgentTool: scan: %w", err)
		}
		rule, err := buildRule(argName, operator, value, reason)
		if err != nil {
			return out, fmt.Errorf("FindPoliciesForAgentTool: %w", err)
		}
		switch action {
		case actionBlockAlways:
			out.Invocation.BlockAlways = append(out.Invocation.BlockAlways, rule)
		case actionAllowWhenUntrusted:
			out.Invocation.AllowWhenUntrusted = append(out.Invocation.AllowWhenUntrusted, rule)
		default:
			return out, fmt.Errorf("FindPoliciesForAgentTool: unknown invocation action %q", action)
		}
	}
	if err := invRows.Err(); err != nil {
		return out, fmt.Errorf("FindPoliciesForAgentTool: %w", err)
	}

	return out, nil
}

// buildRule validates one policy row into an evaluator rule.
func buildRule(path, operator, value, reason string) (policy.Rule, error) {
	op, ok := rules.ParseOperator(operator)
	if !ok {
		return policy.Rule{}, fmt.Errorf("unknown operator %q", operator)
	}
	if path == "" {
		return policy.Rule{}, fmt.Errorf("empty attribute path")
	}
	return policy.Rule{
		AttributePath: path,
		Operator:      op,
		Value:         value,
		Reason:        reason,
	}, nil
}
