package entity

import (
	"context"

	"github.com/chimera-cache/chimera/pkg/filter"
	"github.com/chimera-cache/chimera/pkg/order"
)

// ItemParams identifies a single entity fetch: {id, meta}.
type ItemParams struct {
	ID   Id
	Meta any
}

// CollectionParams is {filter, order, meta}. Meta is opaque embedder data,
// carried verbatim to fetch callbacks and compared only by identity for
// collection cache keying.
type CollectionParams struct {
	Filter *filter.Node
	Order  order.Descriptor
	Meta   any
}

// ItemResult is a fetch/update/create response: {data, meta?}.
type ItemResult[E any] struct {
	Data E
	Meta any
}

// CollectionResult is a collection fetch response: {data, meta?}.
type CollectionResult[E any] struct {
	Data []E
	Meta any
}

// BatchResult is a batched update/create response: {data, meta?}.
type BatchResult[E any] struct {
	Data []E
	Meta any
}

// DeleteOutcome is one entry of a delete response: {id, success}.
type DeleteOutcome struct {
	ID      Id
	Success bool
}

// DeleteResult is an itemDeleter response: {result: {id, success}, meta?}.
type DeleteResult struct {
	Result DeleteOutcome
	Meta   any
}

// BatchDeleteResult is a batchedDeleter response: {result: [{id,success}], meta?}.
type BatchDeleteResult struct {
	Results []DeleteOutcome
	Meta    any
}

// Callbacks holds the embedder-provided fetch/mutate functions for one
// entity kind. A nil field means "not implemented"; invoking it yields
// KindNotSpecified.
type Callbacks[E any] struct {
	CollectionFetcher func(context.Context, CollectionParams) (CollectionResult[E], error)
	ItemFetcher       func(context.Context, ItemParams) (ItemResult[E], error)
	ItemUpdater       func(context.Context, E) (ItemResult[E], error)
	BatchedUpdater    func(context.Context, []E) (BatchResult[E], error)
	ItemDeleter       func(context.Context, Id) (DeleteResult, error)
	BatchedDeleter    func(context.Context, []Id) (BatchDeleteResult, error)
	ItemCreator       func(context.Context, E) (ItemResult[E], error)
	BatchedCreator    func(context.Context, []E) (BatchResult[E], error)
}

// IDField builds an IDGetter that reads the field named key, resolved the
// same way filter/order fields are (explicit registration unnecessary;
// reflection fallback applies). It is the "field key" form of the idGetter
// declaration; passing a function directly is the other.
func IDField[E any](key string) func(E) Id {
	get := filter.Resolve(filter.Getters[E]{}, key)
	return func(e E) Id {
		return FromValue(get(e))
	}
}

// Config declares one entity kind to the store: its identity function,
// field getters for the filter/order engines, an immutable clone function
// (the deep-clone step behind drafts and deep-freeze), and its callbacks.
type Config[E any] struct {
	Name string

	// IDGetter extracts an entity's identity. Required.
	IDGetter func(E) Id

	// FieldGetters resolves a filter/order field key to an accessor.
	// Fields absent from this map fall back to reflection.
	FieldGetters filter.Getters[E]

	// Clone deep-clones an entity, used to build mutable drafts and to
	// defend the repository's published values from accidental external
	// mutation. Required.
	Clone func(E) E

	// TrustQuery, when true, accepts server responses for fetch/update
	// without local id/filter/sort verification (outside dev mode).
	TrustQuery bool

	// DevMode enables id-mismatch assertions and trust-mode divergence
	// warnings.
	DevMode bool

	Callbacks Callbacks[E]
}
