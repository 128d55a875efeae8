package filter

import (
	"fmt"
	"strings"
)

// DefaultOperators returns the built-in operator set: eq, neq, gt, gte,
// lt, lte, contains, startsWith, endsWith, in, notIn. Embedders
// extend this map with domain-specific operators; the store and each
// entity's overlay carry the resulting map as configuration.
func DefaultOperators() Operators {
	return Operators{
		"eq":         opEq,
		"neq":        func(v, t any) bool { return !opEq(v, t) },
		"gt":         func(v, t any) bool { c, ok := compare(v, t); return ok && c > 0 },
		"gte":        func(v, t any) bool { c, ok := compare(v, t); return ok && c >= 0 },
		"lt":         func(v, t any) bool { c, ok := compare(v, t); return ok && c < 0 },
		"lte":        func(v, t any) bool { c, ok := compare(v, t); return ok && c <= 0 },
		"contains":   opContains,
		"startsWith": opStartsWith,
		"endsWith":   opEndsWith,
		"in":         opIn,
		"notIn":      func(v, t any) bool { return !opIn(v, t) },
	}
}

func opEq(v, t any) bool {
	if v == nil || t == nil {
		return v == nil && t == nil
	}
	if c, ok := compare(v, t); ok {
		return c == 0
	}
	return v == t
}

func opContains(v, t any) bool {
	switch vv := v.(type) {
	case string:
		ts, ok := t.(string)
		return ok && strings.Contains(vv, ts)
	case []any:
		for _, item := range vv {
			if opEq(item, t) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func opStartsWith(v, t any) bool {
	vs, ok1 := v.(string)
	ts, ok2 := t.(string)
	return ok1 && ok2 && strings.HasPrefix(vs, ts)
}

func opEndsWith(v, t any) bool {
	vs, ok1 := v.(string)
	ts, ok2 := t.(string)
	return ok1 && ok2 && strings.HasSuffix(vs, ts)
}

func opIn(v, t any) bool {
	list, ok := t.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if opEq(v, item) {
			return true
		}
	}
	return false
}

// compare attempts a numeric or lexical ordering comparison, returning
// ok=false when the two values aren't orderable against each other.
func compare(v, t any) (int, bool) {
	vf, vok := asFloat(v)
	tf, tok := asFloat(t)
	if vok && tok {
		switch {
		case vf < tf:
			return -1, true
		case vf > tf:
			return 1, true
		default:
			return 0, true
		}
	}
	vs, vok := v.(string)
	ts, tok := t.(string)
	if vok && tok {
		return strings.Compare(vs, ts), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// serializeTestValue renders testValue deterministically for canonical-key
// purposes. fmt.Sprintf("%#v", ...) is stable across calls for the value
// shapes filter descriptors carry (scalars, slices, maps with
// alphabetically-ordered keys courtesy of Go's %v map formatting).
func serializeTestValue(v any) string {
	return fmt.Sprintf("%#v", v)
}
