// Package payload holds the decoded upstream response as a
// semi-structured value. Nothing here collapses a missing field into
// zero: callers get an explicit ok flag and decide for themselves.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Raw is a decoded JSON object. Nested objects are Raw values as well
// so lookups can descend without type assertions at every step.
type Raw map[string]any

// Decode parses a JSON object. Numbers are kept as [json.Number] so
// large cumulative counters do not lose precision before conversion.
// A body that is valid JSON but not an object is an error.
func Decode(data []byte) (Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode payload: top-level value is %T, not an object", v)
	}
	return normalize(m), nil
}

func normalize(m map[string]any) Raw {
	out := make(Raw, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			out[k] = normalize(child)
			continue
		}
		out[k] = v
	}
	return out
}

// Section returns the nested object at path. Missing keys and
// non-object values both report ok=false.
func (r Raw) Section(path ...string) (Raw, bool) {
	cur := r
	for _, key := range path {
		if cur == nil {
			return nil, false
		}
		next, ok := cur[key].(Raw)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// Number returns the numeric value of key. Numeric strings are
// accepted because some firmware revisions quote their counters.
func (r Raw) Number(key string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	switch v := r[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Lookup resolves a dotted path (section keys followed by the field)
// to a number.
func (r Raw) Lookup(path ...string) (float64, bool) {
	if len(path) == 0 {
		return 0, false
	}
	sec, ok := r.Section(path[:len(path)-1]...)
	if !ok {
		return 0, false
	}
	return sec.Number(path[len(path)-1])
}
