package filter_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-cache/chimera/pkg/filter"
)

func TestCanonicalKeyIgnoresChildOrder(t *testing.T) {
	a := filter.And(
		filter.Op("status", "eq", "open"),
		filter.Op("prio", "lte", 2),
	)
	b := filter.And(
		filter.Op("prio", "lte", 2),
		filter.Op("status", "eq", "open"),
	)
	assert.Equal(t, filter.CanonicalKey(a), filter.CanonicalKey(b))
}

func TestCanonicalKeyDistinguishesDifferentFilters(t *testing.T) {
	a := filter.Op("status", "eq", "open")
	b := filter.Op("status", "eq", "closed")
	assert.NotEqual(t, filter.CanonicalKey(a), filter.CanonicalKey(b))
}

func TestCanonicalKeyNil(t *testing.T) {
	assert.Equal(t, filter.CanonicalKey(nil), filter.CanonicalKey(nil))
}

func TestIsSubsetNilTargetMatchesAll(t *testing.T) {
	// A nil target matches everything, so any candidate is contained in it;
	// a nil candidate matches everything, so only a nil target contains it.
	assert.True(t, filter.IsSubset(nil, nil))
	assert.True(t, filter.IsSubset(filter.Op("status", "eq", "open"), nil))
	assert.False(t, filter.IsSubset(nil, filter.Op("status", "eq", "open")))
}

func TestIsSubsetOperatorLiftsToSingletonAnd(t *testing.T) {
	// status=="open" AND prio<=2  is a subset of the lone  status=="open"
	candidate := filter.And(
		filter.Op("status", "eq", "open"),
		filter.Op("prio", "lte", 2),
	)
	target := filter.Op("status", "eq", "open")
	assert.True(t, filter.IsSubset(candidate, target))
	assert.False(t, filter.IsSubset(target, candidate))
}

func TestIsSubsetAndSuperset(t *testing.T) {
	// status=="open" AND prio<=2  is a subset of  status=="open"
	candidate := filter.And(
		filter.Op("status", "eq", "open"),
		filter.Op("prio", "lte", 2),
	)
	target := filter.And(filter.Op("status", "eq", "open"))
	assert.True(t, filter.IsSubset(candidate, target))
	assert.False(t, filter.IsSubset(target, candidate))
}

func TestIsSubsetOrSubset(t *testing.T) {
	// status=="open" is a subset of  status=="open" OR status=="pending"
	candidate := filter.Or(filter.Op("status", "eq", "open"))
	target := filter.Or(
		filter.Op("status", "eq", "open"),
		filter.Op("status", "eq", "pending"),
	)
	assert.True(t, filter.IsSubset(candidate, target))
	assert.False(t, filter.IsSubset(target, candidate))
}

func TestWireRoundTripPreservesCanonicalKey(t *testing.T) {
	n := filter.And(
		filter.Op("status", "eq", "open"),
		filter.Not(filter.Op("prio", "gt", 2)),
	)
	data, err := json.Marshal(n)
	require.NoError(t, err)

	var parsed filter.Node
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, filter.CanonicalKey(n), filter.CanonicalKey(&parsed))
}

func TestWireParsesServerShape(t *testing.T) {
	raw := `{"or":[{"field":"status","op":"eq","value":"open"},{"not":{"field":"status","op":"eq","value":"closed"}}]}`
	var n filter.Node
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	assert.Equal(t, filter.KindOr, n.Kind)
	assert.Len(t, n.Children, 2)
	assert.Equal(t, filter.KindNot, n.Children[1].Kind)
}

func TestIsSubsetDifferentKinds(t *testing.T) {
	candidate := filter.And(filter.Op("status", "eq", "open"))
	target := filter.Or(filter.Op("status", "eq", "open"))
	assert.False(t, filter.IsSubset(candidate, target))
}
