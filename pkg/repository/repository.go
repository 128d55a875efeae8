// Package repository implements the entity repository: the entity index
// and the two weak-valued query caches (item query, collection query) that
// back every from(entityName) handle a store hands out, plus the
// propagation algorithm that keeps every live query for one entity kind in
// sync when any one of them publishes a self-change.
package repository

import (
	"context"
	"runtime"
	"sync"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/chimera-cache/chimera/pkg/cherr"
	"github.com/chimera-cache/chimera/pkg/entity"
	"github.com/chimera-cache/chimera/pkg/eventbus"
	"github.com/chimera-cache/chimera/pkg/filter"
	"github.com/chimera-cache/chimera/pkg/order"
	"github.com/chimera-cache/chimera/pkg/query"
)

// collectionSlot is a live (or recently live) collection query and the
// filter/order it was built from, kept alongside the weak query pointer so
// getCollection can evaluate subset-seeding candidates without resurrecting
// the query itself.
type collectionSlot[E any] struct {
	key    string
	filter *filter.Node
	weak   weak.Pointer[query.CollectionQuery[E]]
}

// Repository owns every live query for one entity kind, declared by cfg.
type Repository[E any] struct {
	cfg *entity.Config[E]
	ops filter.Operators
	bus *eventbus.Bus

	// entities is the per-kind entity index: the most recent record
	// published by any query of this kind, held strongly with an explicit
	// Release escape hatch. Entities are plain Go values, so there is no
	// embedder-held pointer whose liveness a weak entry could track — the
	// query caches below are where weak references carry their weight.
	mu          sync.Mutex
	entities    map[string]E
	itemQueries map[string]weak.Pointer[query.ItemQuery[E]]
	collections map[string]*collectionSlot[E]

	sfItem       singleflight.Group
	sfCollection singleflight.Group
}

// New constructs a repository for one entity kind. ops is the operator map
// (built-in defaults merged with any embedder extensions) the store
// resolved for this entity.
func New[E any](cfg *entity.Config[E], ops filter.Operators) *Repository[E] {
	return &Repository[E]{
		cfg:         cfg,
		ops:         ops,
		bus:         eventbus.New(cfg.Name),
		entities:    make(map[string]E),
		itemQueries: make(map[string]weak.Pointer[query.ItemQuery[E]]),
		collections: make(map[string]*collectionSlot[E]),
	}
}

// Events returns the repository's own event stream: updated/itemAdded/
// itemUpdated/itemDeleted, one step upstream of every individual
// query's events.
func (r *Repository[E]) Events() eventbus.Emitter {
	return eventbus.NewEmitter(r.bus)
}

// Close stops the repository's own event dispatch goroutine. Used by
// Store.Shutdown; it does not reach into individual queries' dispatch
// loops, each of which is stopped independently when the query itself is
// collected.
func (r *Repository[E]) Close() {
	r.bus.Close()
}

// Stats reports the number of still-live entries per cache, a supplemented
// diagnostic not present in the original design.
type Stats struct {
	Entities    int
	ItemQueries int
	Collections int
}

func (r *Repository[E]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Entities: len(r.entities)}
	for _, w := range r.itemQueries {
		if w.Value() != nil {
			s.ItemQueries++
		}
	}
	for _, c := range r.collections {
		if c.weak.Value() != nil {
			s.Collections++
		}
	}
	return s
}

// recordEntity indexes e, reporting whether the index already held an entry
// for its id — the itemAdded vs itemUpdated distinction for the
// repository's own events.
func (r *Repository[E]) recordEntity(e E) (existed bool) {
	key := r.cfg.IDGetter(e).String()
	r.mu.Lock()
	_, existed = r.entities[key]
	r.entities[key] = r.cfg.Clone(e)
	r.mu.Unlock()
	return existed
}

func (r *Repository[E]) lookupEntity(id entity.Id) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id.String()]
	if !ok {
		var zero E
		return zero, false
	}
	return r.cfg.Clone(e), true
}

// Release drops id's entry from the entity index without touching any live
// query. It is the explicit counterpart to the weak query caches for
// embedders that want to bound the index's footprint.
func (r *Repository[E]) Release(id entity.Id) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, id.String())
}

func (r *Repository[E]) liveItemQuery(id entity.Id) *query.ItemQuery[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.itemQueries[id.String()]
	if !ok {
		return nil
	}
	return w.Value()
}

// GetItem returns the live item query for id, constructing one (seeded from
// the entity index if present, otherwise triggering a fetch) if none
// exists. Concurrent calls for the same id are deduplicated.
func (r *Repository[E]) GetItem(ctx context.Context, id entity.Id, meta any) (*query.ItemQuery[E], error) {
	if q := r.liveItemQuery(id); q != nil {
		return q, nil
	}
	key := id.String()
	v, err, _ := r.sfItem.Do(key, func() (any, error) {
		if q := r.liveItemQuery(id); q != nil {
			return q, nil
		}
		var q *query.ItemQuery[E]
		var err error
		if seed, ok := r.lookupEntity(id); ok {
			q, err = query.NewPrefetched(r.cfg, query.Hooks[E]{}, id, meta, seed)
		} else {
			q = query.NewFetching(ctx, r.cfg, query.Hooks[E]{}, id, meta)
		}
		if err != nil {
			return nil, err
		}
		r.bindItemHooks(q)
		r.storeItemQuery(id, q)
		// A fast fetch can complete before the hooks were bound; sync the
		// index from whatever the query already published so invariant 5
		// holds across that window.
		if w, ok := q.Data(); ok {
			r.recordEntity(w)
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*query.ItemQuery[E]), nil
}

// CreateItem constructs an item query in Creating mode; on success, the
// server-adopted id is propagated through the same subscription path as
// any other self-update. The hooks are produced inside the constructor,
// before the creator task starts, so an instantly-resolving callback still
// runs the full propagation (index, other item queries, collections).
func (r *Repository[E]) CreateItem(ctx context.Context, partial E, meta any) *query.ItemQuery[E] {
	return query.NewCreating(ctx, r.cfg, r.dynamicItemHooks, meta, partial)
}

func (r *Repository[E]) storeItemQuery(id entity.Id, q *query.ItemQuery[E]) {
	key := id.String()
	r.mu.Lock()
	r.itemQueries[key] = weak.Make(q)
	r.mu.Unlock()
	runtime.AddCleanup(q, func(k string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if w, ok := r.itemQueries[k]; ok && w.Value() == nil {
			delete(r.itemQueries, k)
		}
	}, key)
}

// bindItemHooks wires propagation for a query constructed with a known id
// up front (Prefetched/Fetching mode).
func (r *Repository[E]) bindItemHooks(q *query.ItemQuery[E]) {
	q.SetHooks(query.Hooks[E]{
		OnSelfUpdated: func(item E) { r.propagateUpdate(item, q) },
		OnSelfDeleted: func(id entity.Id) { r.propagateDelete(id, q) },
	})
}

// dynamicItemHooks produces propagation hooks for a Creating-mode query,
// whose id is only known once the server responds. The first selfUpdated
// also indexes the query by its adopted id; the closures re-resolve the
// query's current id on every propagation instead of capturing it once at
// construction.
func (r *Repository[E]) dynamicItemHooks(q *query.ItemQuery[E]) query.Hooks[E] {
	var indexed bool
	return query.Hooks[E]{
		OnSelfUpdated: func(item E) {
			if !indexed {
				r.storeItemQuery(q.Id(), q)
				indexed = true
			}
			r.propagateUpdate(item, q)
		},
		OnSelfDeleted: func(id entity.Id) { r.propagateDelete(id, q) },
	}
}

// propagateUpdate applies the propagation order for a self-update: (1) the originating query has already updated its own
// state, and publishes its own events only after this hook returns; (2) update the entity
// index; (3) forward to every other live item query for this id (none
// exist, since ids are unique per item query slot, but a stale slot from a
// superseded query could still be live during handover); (4) forward to
// every live collection query; (5) emit the repository's own events.
func (r *Repository[E]) propagateUpdate(item E, originator *query.ItemQuery[E]) {
	existed := r.recordEntity(item)

	id := r.cfg.IDGetter(item)
	if other := r.liveItemQuery(id); other != nil && other != originator {
		other.SetOne(item)
	}
	r.forEachLiveCollection(func(c *query.CollectionQuery[E]) {
		c.SetOne(item)
	})

	if existed {
		r.bus.Publish("itemUpdated", item)
	} else {
		r.bus.Publish("itemAdded", item)
	}
	r.bus.Publish("updated", item)
}

func (r *Repository[E]) propagateDelete(id entity.Id, originator *query.ItemQuery[E]) {
	r.mu.Lock()
	delete(r.entities, id.String())
	r.mu.Unlock()

	if other := r.liveItemQuery(id); other != nil && other != originator {
		other.DeleteOne(id)
	}
	r.forEachLiveCollection(func(c *query.CollectionQuery[E]) {
		c.DeleteOne(id)
	})

	r.bus.Publish("itemDeleted", id)
}

func (r *Repository[E]) forEachLiveCollection(fn func(*query.CollectionQuery[E])) {
	r.mu.Lock()
	slots := make([]*collectionSlot[E], 0, len(r.collections))
	for _, s := range r.collections {
		slots = append(slots, s)
	}
	r.mu.Unlock()
	for _, s := range slots {
		if c := s.weak.Value(); c != nil {
			fn(c)
		}
	}
}

// GetCollection returns the live collection query for params, constructing
// one if none exists for its canonical key. A new collection is seeded
// from the first already-ready collection whose simplified filter contains
// the new one's (the new filter is a subset of it), locally re-filtered and
// re-sorted; absent a
// seed candidate, collectionFetcher is issued.
func (r *Repository[E]) GetCollection(ctx context.Context, params entity.CollectionParams) (*query.CollectionQuery[E], error) {
	key := r.collectionKey(params)

	r.mu.Lock()
	if slot, ok := r.collections[key]; ok {
		if c := slot.weak.Value(); c != nil {
			r.mu.Unlock()
			return c, nil
		}
	}
	r.mu.Unlock()

	v, err, _ := r.sfCollection.Do(key, func() (any, error) {
		r.mu.Lock()
		if slot, ok := r.collections[key]; ok {
			if c := slot.weak.Value(); c != nil {
				r.mu.Unlock()
				return c, nil
			}
		}
		r.mu.Unlock()

		seed, hasSeed := r.findSeed(params)

		var c *query.CollectionQuery[E]
		var err error
		if hasSeed {
			c, err = query.NewCollectionPrefetched(r.cfg, query.CollectionHooks[E]{}, r.ops, params, seed, false)
		} else {
			c, err = query.NewCollectionFetching(ctx, r.cfg, query.CollectionHooks[E]{}, r.ops, params)
		}
		if err != nil {
			return nil, err
		}
		r.bindCollectionHooks(c)
		r.storeCollection(key, params, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*query.CollectionQuery[E]), nil
}

func (r *Repository[E]) findSeed(params entity.CollectionParams) ([]E, bool) {
	candidate := filter.Simplify(params.Filter)
	r.mu.Lock()
	slots := make([]*collectionSlot[E], 0, len(r.collections))
	for _, s := range r.collections {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	for _, s := range slots {
		c := s.weak.Value()
		if c == nil {
			continue
		}
		if c.State() != query.CollectionFetched && c.State() != query.CollectionPrefetched {
			continue
		}
		if !filter.IsSubset(candidate, s.filter) {
			continue
		}
		items, err := c.All()
		if err != nil {
			continue
		}
		return items, true
	}
	return nil, false
}

func (r *Repository[E]) storeCollection(key string, params entity.CollectionParams, c *query.CollectionQuery[E]) {
	slot := &collectionSlot[E]{key: key, filter: filter.Simplify(params.Filter), weak: weak.Make(c)}
	r.mu.Lock()
	r.collections[key] = slot
	r.mu.Unlock()
	runtime.AddCleanup(c, func(k string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s, ok := r.collections[k]; ok && s.weak.Value() == nil {
			delete(r.collections, k)
		}
	}, key)
}

func (r *Repository[E]) bindCollectionHooks(c *query.CollectionQuery[E]) {
	c.SetHooks(query.CollectionHooks[E]{
		OnSelfItemCreated: func(item E) { r.propagateCollectionChange(item, c) },
		OnSelfItemUpdated: func(item E) { r.propagateCollectionChange(item, c) },
		OnSelfItemDeleted: func(id entity.Id) { r.propagateCollectionDelete(id, c) },
	})
}

func (r *Repository[E]) propagateCollectionChange(item E, originator *query.CollectionQuery[E]) {
	existed := r.recordEntity(item)

	id := r.cfg.IDGetter(item)
	if iq := r.liveItemQuery(id); iq != nil {
		iq.SetOne(item)
	}
	r.forEachLiveCollection(func(c *query.CollectionQuery[E]) {
		if c == originator {
			return
		}
		c.SetOne(item)
	})
	if existed {
		r.bus.Publish("itemUpdated", item)
	} else {
		r.bus.Publish("itemAdded", item)
	}
	r.bus.Publish("updated", item)
}

func (r *Repository[E]) propagateCollectionDelete(id entity.Id, originator *query.CollectionQuery[E]) {
	r.mu.Lock()
	delete(r.entities, id.String())
	r.mu.Unlock()

	if iq := r.liveItemQuery(id); iq != nil {
		iq.DeleteOne(id)
	}
	r.forEachLiveCollection(func(c *query.CollectionQuery[E]) {
		if c == originator {
			return
		}
		c.DeleteOne(id)
	})
	r.bus.Publish("itemDeleted", id)
}

func (r *Repository[E]) collectionKey(params entity.CollectionParams) string {
	return filter.CanonicalKey(params.Filter) + "|" + order.CanonicalKey(params.Order)
}

// SetOne applies item to the entity index and to every live item/collection
// query, with no originator skip — the external-hook propagation path used
// by Store.UpdateOne et al.
func (r *Repository[E]) SetOne(item E) {
	existed := r.recordEntity(item)
	id := r.cfg.IDGetter(item)
	if iq := r.liveItemQuery(id); iq != nil {
		iq.SetOne(item)
	}
	r.forEachLiveCollection(func(c *query.CollectionQuery[E]) { c.SetOne(item) })
	if existed {
		r.bus.Publish("itemUpdated", item)
	} else {
		r.bus.Publish("itemAdded", item)
	}
	r.bus.Publish("updated", item)
}

// SetMany applies items in turn.
func (r *Repository[E]) SetMany(items []E) {
	for _, item := range items {
		r.SetOne(item)
	}
}

// DeleteOne removes id from the entity index and every live query.
func (r *Repository[E]) DeleteOne(id entity.Id) {
	r.mu.Lock()
	delete(r.entities, id.String())
	r.mu.Unlock()
	if iq := r.liveItemQuery(id); iq != nil {
		iq.DeleteOne(id)
	}
	r.forEachLiveCollection(func(c *query.CollectionQuery[E]) { c.DeleteOne(id) })
	r.bus.Publish("itemDeleted", id)
}

// DeleteMany removes every id in ids.
func (r *Repository[E]) DeleteMany(ids []entity.Id) {
	for _, id := range ids {
		r.DeleteOne(id)
	}
}

// UpdateMixed applies toAdd and toDelete against every live query with no
// originator skip.
func (r *Repository[E]) UpdateMixed(toAdd []E, toDelete []entity.Id) {
	r.SetMany(toAdd)
	r.DeleteMany(toDelete)
}

// IsUnknownOperator reports whether err is a KindUnknownOperator error, as
// GetCollection returns for a filter naming an operator absent from the
// operator map.
func IsUnknownOperator(err error) bool {
	return cherr.Is(err, cherr.KindUnknownOperator)
}
