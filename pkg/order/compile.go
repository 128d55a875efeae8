package order

import "github.com/chimera-cache/chimera/pkg/filter"

// Comparator returns <0, 0, >0 ordering two entities, matching sort.Slice's
// less-than convention extended to three-way comparison.
type Comparator[E any] func(a, b E) int

// Compile folds priorities right-to-left: the last priority is the
// innermost tie-break, and each earlier priority dominates it. Equal under
// every priority returns zero, which the collection query reads as "same
// position" and collapses to an in-place replacement. An empty descriptor
// yields the always-zero comparator.
func Compile[E any](d Descriptor, getters filter.Getters[E]) Comparator[E] {
	cmp := Comparator[E](func(E, E) int { return 0 })
	for i := len(d) - 1; i >= 0; i-- {
		p := d[i]
		get := resolveGetter(getters, p.Field)
		next := cmp
		nullsFirst, descending := p.NullsFirst, p.Descending
		cmp = func(a, b E) int {
			if c := compareNullable(get(a), get(b), nullsFirst, descending); c != 0 {
				return c
			}
			return next(a, b)
		}
	}
	return cmp
}

// resolveGetter reuses filter's own field resolution (explicit registration,
// falling back to reflection) so a field sortable by order doesn't also
// need a redundant filter registration just to be resolvable.
func resolveGetter[E any](getters filter.Getters[E], field string) filter.Getter[E] {
	return filter.Resolve(getters, field)
}

// compareNullable orders two field values, treating nil specially per
// nullsFirst: nil sorts before non-nil when true, after when false. Null
// placement holds regardless of direction — descending flips only the
// non-null value comparison, never where nulls land. Two nils, or two
// non-comparable non-nil values, are treated as equal, which keeps the
// absent-field placement stable.
func compareNullable(a, b any, nullsFirst, descending bool) int {
	aNil, bNil := a == nil, b == nil
	switch {
	case aNil && bNil:
		return 0
	case aNil:
		if nullsFirst {
			return -1
		}
		return 1
	case bNil:
		if nullsFirst {
			return 1
		}
		return -1
	}
	if c, ok := orderedCompare(a, b); ok {
		if descending {
			return -c
		}
		return c
	}
	return 0
}
