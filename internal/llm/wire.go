package llm

// Accessors for decoded JSON trees. The adapters keep provider payloads as
// map[string]any so that re-serialization preserves every field the gateway
// does not model; these helpers keep the traversal code readable.

// Str returns m[key] when it is a string.
func Str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns m[key] when it is a bool.
func Bool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Int returns m[key] when it is a JSON number, truncated to int.
func Int(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

// Obj returns m[key] when it is an object.
func Obj(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

// Arr returns m[key] when it is an array.
func Arr(m map[string]any, key string) []any {
	a, _ := m[key].([]any)
	return a
}
