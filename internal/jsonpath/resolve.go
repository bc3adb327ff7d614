// Package jsonpath resolves dotted attribute paths against decoded JSON
// values. Paths support an optional numeric index ("items[2].name") and at
// most one array wildcard ("emails[*].from"), which maps the remainder of
// the path over every element of the array at that point.
package jsonpath

import (
	"strconv"
	"strings"
)

// Kind classifies the outcome of a path resolution.
type Kind int

const (
	// NotFound means the path could not be resolved against the value.
	NotFound Kind = iota
	// Scalar means the path resolved to a single value.
	Scalar
	// ArrayOfScalars means a wildcard segment fanned the path out over an
	// array and produced one value per element.
	ArrayOfScalars
)

// Resolution is the result of resolving a path against a JSON value.
// Value is set for Scalar, Values for ArrayOfScalars. An element of Values
// may be nil when the remainder of the path was missing on that element.
type Resolution struct {
	Kind   Kind
	Value  any
	Values []any
}

// notFound is the shared zero resolution.
var notFound = Resolution{Kind: NotFound}

// Resolve walks value along path. Segments are separated by ".".
// A segment may carry a trailing index ("seg[0]") or the wildcard ("seg[*]").
// At most one wildcard segment is honored; resolution degrades to NotFound
// when the wildcarded value is missing, not an array, or empty.
func Resolve(value any, path string) Resolution {
	if path == "" {
		return notFound
	}
	return resolveSegments(value, strings.Split(path, "."))
}

func resolveSegments(value any, segments []string) Resolution {
	current := value
	for i, seg := range segments {
		name, suffix := splitSegment(seg)

		if name != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return notFound
			}
			current, ok = obj[name]
			if !ok {
				return notFound
			}
		}

		switch {
		case suffix == "*":
			arr, ok := current.([]any)
			if !ok || len(arr) == 0 {
				return notFound
			}
			rest := segments[i+1:]
			values := make([]any, len(arr))
			for j, el := range arr {
				if len(rest) == 0 {
					values[j] = el
					continue
				}
				sub := resolveSegments(el, rest)
				if sub.Kind == Scalar {
					values[j] = sub.Value
				}
				// Missing remainder leaves a nil element so ALL-element
				// aggregation by callers fails on incomplete data.
			}
			return Resolution{Kind: ArrayOfScalars, Values: values}
		case suffix != "":
			idx, err := strconv.Atoi(suffix)
			if err != nil {
				return notFound
			}
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return notFound
			}
			current = arr[idx]
		}
	}
	return Resolution{Kind: Scalar, Value: current}
}

// splitSegment splits "name[*]" into ("name", "*"), "name[3]" into
// ("name", "3") and a plain segment into (segment, "").
func splitSegment(seg string) (name, suffix string) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, ""
	}
	return seg[:open], seg[open+1 : len(seg)-1]
}
