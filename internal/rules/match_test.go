package rules

import (
	"testing"

	"github.com/trustgate-ai/trustgate/internal/jsonpath"
)

func TestMatches_Operators(t *testing.T) {
	cases := []struct {
		value     any
		op        Operator
		comparand string
		want      bool
	}{
		{"hello world", OpEqual, "hello world", true},
		{"hello world", OpEqual, "hello", false},
		{"hello world", OpNotEqual, "hello", true},
		{"hello world", OpContains, "lo wo", true},
		{"hello world", OpContains, "xyz", false},
		{"hello world", OpNotContains, "xyz", true},
		{"hello world", OpNotContains, "hello", false},
		{"hello world", OpStartsWith, "hello", true},
		{"hello world", OpStartsWith, "world", false},
		{"hello world", OpEndsWith, "world", true},
		{"hello world", OpEndsWith, "hello", false},
		{"hello world", OpRegex, `^h.*d$`, true},
		{"hello world", OpRegex, `^\d+$`, false},
	}
	for _, tc := range cases {
		got := Matches(tc.value, tc.op, tc.comparand)
		if got != tc.want {
			t.Fatalf("Matches(%v, %s, %q) = %v, want %v", tc.value, tc.op, tc.comparand, got, tc.want)
		}
	}
}

func TestMatches_CaseSensitive(t *testing.T) {
	if Matches("Hello", OpEqual, "hello") {
		t.Fatal("equal must be case-sensitive")
	}
	if Matches("Hello", OpContains, "hello") {
		t.Fatal("contains must be case-sensitive")
	}
}

func TestMatches_NonStringScalars(t *testing.T) {
	if !Matches(float64(5), OpEqual, "5") {
		t.Fatal("number 5 should equal \"5\"")
	}
	if !Matches(float64(5.5), OpEqual, "5.5") {
		t.Fatal("number 5.5 should equal \"5.5\"")
	}
	if !Matches(true, OpEqual, "true") {
		t.Fatal("bool true should equal \"true\"")
	}
	if !Matches(nil, OpEqual, "null") {
		t.Fatal("nil should equal \"null\"")
	}
}

func TestMatches_InvalidRegex(t *testing.T) {
	if Matches("anything", OpRegex, `([`) {
		t.Fatal("invalid regex must match nothing")
	}
}

func TestMatches_UnknownOperator(t *testing.T) {
	if Matches("anything", Operator("bogus"), "anything") {
		t.Fatal("unknown operator must match nothing")
	}
}

func TestParseOperator(t *testing.T) {
	for _, s := range []string{"equal", "notEqual", "contains", "notContains", "startsWith", "endsWith", "regex"} {
		if _, ok := ParseOperator(s); !ok {
			t.Fatalf("expected %q to parse", s)
		}
	}
	if _, ok := ParseOperator("eq"); ok {
		t.Fatal("expected eq to be rejected")
	}
}

func TestMatchesAny(t *testing.T) {
	res := jsonpath.Resolution{
		Kind:   jsonpath.ArrayOfScalars,
		Values: []any{"a@trusted.com", "b@evil.com"},
	}
	if !MatchesAny(res, OpContains, "evil") {
		t.Fatal("expected any-match on evil element")
	}
	if MatchesAny(res, OpContains, "nowhere") {
		t.Fatal("expected no match")
	}
	if MatchesAny(jsonpath.Resolution{Kind: jsonpath.NotFound}, OpNotEqual, "x") {
		t.Fatal("NotFound must never match, even with negated operators")
	}
}

func TestMatchesAll(t *testing.T) {
	mixed := jsonpath.Resolution{
		Kind:   jsonpath.ArrayOfScalars,
		Values: []any{"a@trusted.com", "b@evil.com"},
	}
	if MatchesAll(mixed, OpEndsWith, "@trusted.com") {
		t.Fatal("all-match must fail when one element differs")
	}

	uniform := jsonpath.Resolution{
		Kind:   jsonpath.ArrayOfScalars,
		Values: []any{"a@trusted.com", "b@trusted.com"},
	}
	if !MatchesAll(uniform, OpEndsWith, "@trusted.com") {
		t.Fatal("expected all elements to match")
	}

	empty := jsonpath.Resolution{Kind: jsonpath.ArrayOfScalars, Values: []any{}}
	if MatchesAll(empty, OpEqual, "anything") {
		t.Fatal("empty array must never satisfy an all-match")
	}

	if MatchesAll(jsonpath.Resolution{Kind: jsonpath.NotFound}, OpEqual, "x") {
		t.Fatal("NotFound must never satisfy an all-match")
	}
}
