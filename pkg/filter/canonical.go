package filter

import (
	"sort"
	"strings"
)

// Simplify produces a normalized copy of n: operator nodes at each level are
// sorted by (field, operator name, testValue serialization) and placed
// before nested conjunctions, so structurally equivalent filters built in a
// different child order produce an identical tree. A nil node simplifies to
// nil.
func Simplify(n *Node) *Node {
	if n == nil {
		return nil
	}
	if n.Kind == KindOperator {
		return &Node{Kind: KindOperator, Field: n.Field, Op: n.Op, TestValue: n.TestValue}
	}
	children := make([]*Node, len(n.Children))
	for i, c := range n.Children {
		children[i] = Simplify(c)
	}
	sort.SliceStable(children, func(i, j int) bool {
		return nodeSortKey(children[i]) < nodeSortKey(children[j])
	})
	return &Node{Kind: n.Kind, Children: children}
}

// nodeSortKey orders operator leaves ahead of nested conjunctions at the
// same level, then lexically by content.
func nodeSortKey(n *Node) string {
	if n == nil {
		return ""
	}
	if n.Kind == KindOperator {
		return "0:" + n.Field + "\x00" + n.Op + "\x00" + serializeTestValue(n.TestValue)
	}
	return "1:" + n.Kind.String() + "(" + CanonicalKey(n) + ")"
}

// CanonicalKey returns a deterministic serialization of n's simplified form,
// suitable as a cache key for collection-query deduplication. Equal keys
// imply structurally equivalent (hence logically equivalent) filters;
// distinct source orderings of the same and/or children collapse to the
// same key.
func CanonicalKey(n *Node) string {
	return canonicalKey(Simplify(n))
}

func canonicalKey(n *Node) string {
	if n == nil {
		return "null"
	}
	if n.Kind == KindOperator {
		var b strings.Builder
		b.WriteString("op(")
		b.WriteString(n.Field)
		b.WriteByte(',')
		b.WriteString(n.Op)
		b.WriteByte(',')
		b.WriteString(serializeTestValue(n.TestValue))
		b.WriteByte(')')
		return b.String()
	}
	var b strings.Builder
	b.WriteString(n.Kind.String())
	b.WriteByte('[')
	for i, c := range n.Children {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(canonicalKey(c))
	}
	b.WriteByte(']')
	return b.String()
}
