package policy

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/trustgate-ai/trustgate/internal/rules"
)

// mockPolicyStore serves a fixed policy set per tool name.
type mockPolicyStore struct {
	policies map[string]AgentToolPolicies
	err      error
}

func (m *mockPolicyStore) FindPoliciesForAgentTool(_ context.Context, _, toolName string) (AgentToolPolicies, error) {
	if m.err != nil {
		return AgentToolPolicies{}, m.err
	}
	return m.policies[toolName], nil
}

type mockToolStore struct {
	defaults map[string]ToolDefaults
	err      error
}

func (m *mockToolStore) GetDefaults(_ context.Context, _, toolName string) (ToolDefaults, error) {
	if m.err != nil {
		return ToolDefaults{}, m.err
	}
	return m.defaults[toolName], nil
}

func newTestEvaluator(policies map[string]AgentToolPolicies, defaults map[string]ToolDefaults) *Evaluator {
	return NewEvaluator(
		&mockPolicyStore{policies: policies},
		&mockToolStore{defaults: defaults},
		zap.NewNop(),
	)
}

func TestTrust_BuiltinToolBypassesPolicies(t *testing.T) {
	e := NewEvaluator(&mockPolicyStore{err: errors.New("store down")}, &mockToolStore{}, zap.NewNop())
	v := e.EvaluateToolResult(context.Background(), "agent-1", "trustgate__whoami", map[string]any{"x": 1})
	if !v.IsTrusted || v.IsBlocked {
		t.Fatalf("builtin tool must be trusted unconditionally: %+v", v)
	}
	if v.Reason != "Trustgate MCP server tool" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestTrust_BlockWinsOverTrustAndDefault(t *testing.T) {
	e := newTestEvaluator(map[string]AgentToolPolicies{
		"fetch__page": {Trust: TrustPolicies{
			BlockAlways:   []Rule{{AttributePath: "status", Operator: rules.OpEqual, Value: "error", Reason: "error pages"}},
			MarkAsTrusted: []Rule{{AttributePath: "status", Operator: rules.OpContains, Value: "", Reason: "always"}},
		}},
	}, map[string]ToolDefaults{
		"fetch__page": {ResultTrustedByDefault: true},
	})

	v := e.EvaluateToolResult(context.Background(), "agent-1", "fetch__page", map[string]any{"status": "error"})
	if !v.IsBlocked || v.IsTrusted {
		t.Fatalf("block must win over trust policies and defaults: %+v", v)
	}
	if v.Reason != "Data blocked by policy: error pages" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestTrust_WildcardBlockIsAnyTrustIsAll(t *testing.T) {
	data := map[string]any{"emails": []any{
		map[string]any{"from": "a@trusted.com"},
		map[string]any{"from": "b@evil.com"},
	}}

	e := newTestEvaluator(map[string]AgentToolPolicies{
		"gmail__list": {Trust: TrustPolicies{
			MarkAsTrusted: []Rule{{AttributePath: "emails[*].from", Operator: rules.OpEndsWith, Value: "@trusted.com", Reason: "trusted senders"}},
		}},
		"gmail__scan": {Trust: TrustPolicies{
			BlockAlways: []Rule{{AttributePath: "emails[*].from", Operator: rules.OpContains, Value: "evil", Reason: "evil sender"}},
		}},
	}, nil)

	v := e.EvaluateToolResult(context.Background(), "agent-1", "gmail__list", data)
	if v.IsTrusted {
		t.Fatal("one non-matching element must defeat an all-or-nothing trust policy")
	}
	if v.Reason != "Tool gmail__list does not match any trust policies" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}

	v = e.EvaluateToolResult(context.Background(), "agent-1", "gmail__scan", data)
	if !v.IsBlocked {
		t.Fatal("one matching element must trigger a block policy")
	}
}

func TestTrust_EmptyArrayNeverSatisfiesTrust(t *testing.T) {
	e := newTestEvaluator(map[string]AgentToolPolicies{
		"inv__check": {Trust: TrustPolicies{
			MarkAsTrusted: []Rule{{AttributePath: "items[*].verified", Operator: rules.OpEqual, Value: "true", Reason: "all verified"}},
		}},
	}, nil)

	v := e.EvaluateToolResult(context.Background(), "agent-1", "inv__check", map[string]any{"items": []any{}})
	if v.IsTrusted || v.IsBlocked {
		t.Fatalf("empty wildcard array must fall through to untrusted: %+v", v)
	}
}

func TestTrust_MatchingTrustPolicyUsesDescriptionVerbatim(t *testing.T) {
	e := newTestEvaluator(map[string]AgentToolPolicies{
		"crm__lookup": {Trust: TrustPolicies{
			MarkAsTrusted: []Rule{{AttributePath: "source", Operator: rules.OpEqual, Value: "internal", Reason: "Internal CRM data is vetted"}},
		}},
	}, nil)

	v := e.EvaluateToolResult(context.Background(), "agent-1", "crm__lookup", map[string]any{"source": "internal"})
	if !v.IsTrusted || v.Reason != "Internal CRM data is vetted" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestTrust_DefaultTreatment(t *testing.T) {
	e := newTestEvaluator(nil, map[string]ToolDefaults{
		"clock__now": {ResultTrustedByDefault: true},
	})

	v := e.EvaluateToolResult(context.Background(), "agent-1", "clock__now", map[string]any{})
	if !v.IsTrusted || v.Reason != "Tool clock__now is configured as trusted" {
		t.Fatalf("unexpected verdict: %+v", v)
	}

	v = e.EvaluateToolResult(context.Background(), "agent-1", "web__search", map[string]any{})
	if v.IsTrusted || v.Reason != "Tool web__search is configured as untrusted" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestTrust_ValueEnvelopeUnwrapped(t *testing.T) {
	e := newTestEvaluator(map[string]AgentToolPolicies{
		"api__call": {Trust: TrustPolicies{
			MarkAsTrusted: []Rule{{AttributePath: "origin", Operator: rules.OpEqual, Value: "vpc", Reason: "in-network"}},
		}},
	}, nil)

	wrapped := map[string]any{"value": map[string]any{"origin": "vpc"}}
	v := e.EvaluateToolResult(context.Background(), "agent-1", "api__call", wrapped)
	if !v.IsTrusted {
		t.Fatalf("single-key value envelope must be unwrapped: %+v", v)
	}

	// Two keys is not an envelope.
	notWrapped := map[string]any{"value": map[string]any{"origin": "vpc"}, "meta": true}
	v = e.EvaluateToolResult(context.Background(), "agent-1", "api__call", notWrapped)
	if v.IsTrusted {
		t.Fatal("multi-key object must not be unwrapped")
	}
}

func TestTrust_NonJSONContentEvaluatedAsRawString(t *testing.T) {
	e := newTestEvaluator(map[string]AgentToolPolicies{
		"sh__run": {Trust: TrustPolicies{
			BlockAlways: []Rule{{AttributePath: "output", Operator: rules.OpContains, Value: "secret", Reason: "leak"}},
		}},
	}, nil)

	// Raw text has no "output" attribute; the block policy cannot resolve
	// and must not fire.
	v := e.EvaluateToolResult(context.Background(), "agent-1", "sh__run", DecodeResultContent("plain secret text"))
	if v.IsBlocked {
		t.Fatal("unresolvable path on a raw string must not block")
	}
}

func TestTrust_StoreFailureFailsClosed(t *testing.T) {
	e := NewEvaluator(&mockPolicyStore{err: errors.New("pg down")}, &mockToolStore{}, zap.NewNop())
	v := e.EvaluateToolResult(context.Background(), "agent-1", "gmail__list", map[string]any{})
	if v.IsTrusted {
		t.Fatal("a store failure must not yield trust")
	}
}
