// Package rules implements the comparison operators applied to resolved
// attribute values. Matching is total: any operator applied to any value
// yields a bool, never an error.
package rules

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/trustgate-ai/trustgate/internal/jsonpath"
)

// Operator is a comparison applied to the string form of a resolved value.
type Operator string

const (
	OpEqual       Operator = "equal"
	OpNotEqual    Operator = "notEqual"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpRegex       Operator = "regex"
)

// ParseOperator validates an operator string from the store boundary.
func ParseOperator(s string) (Operator, bool) {
	switch op := Operator(s); op {
	case OpEqual, OpNotEqual, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex:
		return op, true
	default:
		return "", false
	}
}

// Stringify renders a decoded JSON value the way the matcher compares it:
// strings as-is, numbers without a trailing ".0", booleans as true/false,
// nil as "null", and composite values as their JSON encoding.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Matches applies op to a single scalar value against comparand.
// Callers aggregate over ArrayOfScalars themselves (ANY for block policies,
// ALL for trust/allow policies). An unknown operator or an invalid regex
// matches nothing.
func Matches(value any, op Operator, comparand string) bool {
	s := Stringify(value)
	switch op {
	case OpEqual:
		return s == comparand
	case OpNotEqual:
		return s != comparand
	case OpContains:
		return strings.Contains(s, comparand)
	case OpNotContains:
		return !strings.Contains(s, comparand)
	case OpStartsWith:
		return strings.HasPrefix(s, comparand)
	case OpEndsWith:
		return strings.HasSuffix(s, comparand)
	case OpRegex:
		re, err := regexp.Compile(comparand)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// MatchesAny reports whether any element of a resolution matches.
// NotFound never matches. Used for block policies (block-on-any).
func MatchesAny(res jsonpath.Resolution, op Operator, comparand string) bool {
	switch res.Kind {
	case jsonpath.Scalar:
		return Matches(res.Value, op, comparand)
	case jsonpath.ArrayOfScalars:
		for _, v := range res.Values {
			if Matches(v, op, comparand) {
				return true
			}
		}
	}
	return false
}

// MatchesAll reports whether every element of a resolution matches.
// NotFound never matches, and an ArrayOfScalars must be non-empty.
// Used for trust and allow policies (all-or-nothing).
func MatchesAll(res jsonpath.Resolution, op Operator, comparand string) bool {
	switch res.Kind {
	case jsonpath.Scalar:
		return Matches(res.Value, op, comparand)
	case jsonpath.ArrayOfScalars:
		if len(res.Values) == 0 {
			return false
		}
		for _, v := range res.Values {
			if !Matches(v, op, comparand) {
				return false
			}
		}
		return true
	}
	return false
}
