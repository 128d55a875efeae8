package order

import "strings"

// orderedCompare mirrors filter's numeric/lexical comparison; duplicated
// locally (rather than exported from pkg/filter) since the two packages
// compare for different purposes — filter asks "is A related to B by this
// operator", order asks "does A sort before B" — and keeping them
// independent avoids coupling the order engine's zero-value semantics to
// filter's operator-match semantics.
func orderedCompare(a, b any) (int, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
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
