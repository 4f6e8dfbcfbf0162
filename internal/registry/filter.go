package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Filter maps a dot-separated field path to the set of values accepted
// for that field. A message passes if every field matches one of its values.
type Filter map[string][]any

// ParseFilter converts a decoded JSON filter, where each value is either a
// single accepted value or an array of accepted values, into a Filter.
// A nil or empty object yields a nil Filter, which matches everything.
func ParseFilter(raw map[string]any) (Filter, error) {

	if len(raw) == 0 {
		return nil, nil
	}

	f := make(Filter, len(raw))

	for path, v := range raw {

		if path == "" {
			return nil, fmt.Errorf("filter has empty field path")
		}

		switch accepted := v.(type) {
		case []any:
			if len(accepted) == 0 {
				return nil, fmt.Errorf("filter field %s has no accepted values", path)
			}
			f[path] = accepted
		case map[string]any:
			return nil, fmt.Errorf("filter field %s must be a value or array of values", path)
		default:
			f[path] = []any{accepted}
		}
	}

	return f, nil
}

// UnmarshalJSON accepts the wire form described in ParseFilter
func (f *Filter) UnmarshalJSON(data []byte) error {

	var raw map[string]any

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed, err := ParseFilter(raw)
	if err != nil {
		return err
	}

	*f = parsed
	return nil
}

// Match reports whether a message with the given fields passes the filter
func (f Filter) Match(fields map[string]any) bool {

	for path, accepted := range f {

		v, ok := Lookup(fields, path)
		if !ok {
			return false
		}

		if !contains(accepted, v) {
			return false
		}
	}

	return true
}

// Lookup finds the value at a dot-separated path within nested objects
func Lookup(fields map[string]any, path string) (any, bool) {

	if fields == nil {
		return nil, false
	}

	// exact key wins, so keys that contain dots still work
	if v, ok := fields[path]; ok {
		return v, true
	}

	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}

	next, ok := fields[head].(map[string]any)
	if !ok {
		return nil, false
	}

	return Lookup(next, rest)
}

func contains(accepted []any, v any) bool {
	for _, a := range accepted {
		if reflect.DeepEqual(a, v) {
			return true
		}
	}
	return false
}
