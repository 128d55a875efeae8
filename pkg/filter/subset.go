package filter

// IsSubset conservatively decides whether candidate's matching set is
// contained in target's ("candidate ⊑ target"): every entity matching
// candidate also matches target. It must never return true when that is
// false; it may return false when it is in fact true (used by the
// repository to seed a new collection from an already-loaded one, where a
// false negative only costs a redundant fetch).
func IsSubset(candidate, target *Node) bool {
	return isSubset(Simplify(candidate), Simplify(target))
}

func isSubset(candidate, target *Node) bool {
	if target == nil {
		// A nil target matches everything, so any candidate's matching set
		// is contained in it. This is the common seeding case: an unfiltered
		// collection already holds every member any filtered one could need.
		return true
	}
	if candidate == nil {
		// A nil candidate matches everything; only a target that also
		// matches everything can contain it, and target is known non-nil.
		return false
	}
	// A lone operator is the one-constraint conjunction; lifting it lets
	// {a,b} ⊑ {a}-shaped comparisons cross the leaf/conjunction boundary.
	if candidate.Kind == KindAnd && target.Kind == KindOperator {
		target = &Node{Kind: KindAnd, Children: []*Node{target}}
	} else if candidate.Kind == KindOperator && target.Kind == KindAnd {
		candidate = &Node{Kind: KindAnd, Children: []*Node{candidate}}
	}
	if candidate.Kind != target.Kind {
		return false
	}
	switch candidate.Kind {
	case KindOperator:
		return canonicalKey(candidate) == canonicalKey(target)
	case KindNot:
		// Structural equality only: comparing equivalent-but-not-identical
		// negated predicates would require reasoning about the operator's
		// semantics, which the conservative rule does not attempt.
		return canonicalKey(candidate) == canonicalKey(target)
	case KindAnd:
		// More constraints narrow the match set, so candidate's operand
		// set must be a superset of target's.
		return nodeSetContains(candidate.Children, target.Children)
	case KindOr:
		// Fewer alternatives narrow the match set, so candidate's operand
		// set must be a subset of target's.
		return nodeSetContains(target.Children, candidate.Children)
	default:
		return false
	}
}

// nodeSetContains reports whether every node in want has a structurally
// equal counterpart in have, comparing by canonical key.
func nodeSetContains(have, want []*Node) bool {
	haveKeys := make(map[string]int, len(have))
	for _, n := range have {
		haveKeys[canonicalKey(n)]++
	}
	for _, n := range want {
		k := canonicalKey(n)
		if haveKeys[k] == 0 {
			return false
		}
		haveKeys[k]--
	}
	return true
}
