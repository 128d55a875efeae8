// Package store implements Chimera's top-level façade: one repository per
// declared entity kind, a three-level config merge (built-in default →
// per-store default → per-entity override), external mutation hooks, and
// store-wide aggregate events.
//
// Go has no way to give a non-generic struct a generic method, so the
// per-entity operations that need static type information (Register, From,
// and the external mutation hooks) are top-level generic functions taking
// *Store as their first argument, the same shape pkg/repository and
// pkg/query already use throughout this module.
package store

import (
	"context"
	"fmt"
	"sync"

	"dario.cat/mergo"

	"github.com/chimera-cache/chimera/pkg/cherr"
	"github.com/chimera-cache/chimera/pkg/entity"
	"github.com/chimera-cache/chimera/pkg/eventbus"
	"github.com/chimera-cache/chimera/pkg/filter"
	"github.com/chimera-cache/chimera/pkg/repository"
)

// Defaults is the per-store layer of the three-level config cascade: it sits
// between Chimera's built-in defaults (trust mode off, dev mode off, the
// built-in operator set) and any per-entity EntityOverlay.
type Defaults struct {
	TrustQuery bool
	DevMode    bool
}

// EntityOverlay is the per-entity layer of the cascade. A nil field inherits
// the store-level Defaults; a non-nil field wins over it. Pointers (rather
// than plain bools) are what let "entity explicitly wants false" be told
// apart from "entity didn't say", which mergo's zero-value-fill semantics
// need to resolve the cascade correctly.
type EntityOverlay struct {
	TrustQuery *bool
	DevMode    *bool
	// Operators adds or overrides entries in the store-level operator map
	// for this entity only.
	Operators filter.Operators
}

// Provider is the store-level default data provider: type-erased analogues
// of the per-entity callbacks, each taking the entity name as its first
// argument. Register fills any callback an entity's config leaves nil with
// a dispatcher that routes here, so an embedder with one generic backend
// (a REST convention, a single RPC surface) declares it once instead of
// per entity kind. A nil Provider field leaves the callback unimplemented;
// invoking it then yields the usual NotSpecified error.
type Provider struct {
	CollectionFetcher func(ctx context.Context, entityName string, params entity.CollectionParams) ([]any, error)
	ItemFetcher       func(ctx context.Context, entityName string, params entity.ItemParams) (any, error)
	ItemUpdater       func(ctx context.Context, entityName string, item any) (any, error)
	BatchedUpdater    func(ctx context.Context, entityName string, items []any) ([]any, error)
	ItemDeleter       func(ctx context.Context, entityName string, id entity.Id) (entity.DeleteOutcome, error)
	BatchedDeleter    func(ctx context.Context, entityName string, ids []entity.Id) ([]entity.DeleteOutcome, error)
	ItemCreator       func(ctx context.Context, entityName string, partial any) (any, error)
	BatchedCreator    func(ctx context.Context, entityName string, partials []any) ([]any, error)
}

// repoHandle is the type-erased subset of *repository.Repository[E] the
// store needs for aggregate operations (Stats, Shutdown) that don't depend
// on the entity's Go type. Every instantiation of Repository[E] satisfies
// this identically, since neither method's signature mentions E.
type repoHandle interface {
	Events() eventbus.Emitter
	Stats() repository.Stats
	Close()
}

// entityEntry is a registered-but-possibly-not-yet-built entity kind.
// Repositories are constructed lazily on first From.
type entityEntry struct {
	name string

	once   sync.Once
	build  func() (any, repoHandle)
	repo   any
	handle repoHandle
}

// Event is the payload of every store-level aggregate event: the same
// payload an entity's own repository published, annotated with which
// entity kind it came from.
type Event struct {
	Entity  string
	Payload any
}

// Store is the top-level façade: a registry of per-entity-kind repositories
// plus the config layers and operator set they all merge against.
type Store struct {
	mu        sync.RWMutex
	defaults  Defaults
	operators filter.Operators
	provider  Provider
	bus       *eventbus.Bus
	entries   map[string]*entityEntry
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithTrustQuery sets the store-level default for TrustQuery, inherited by
// any entity that doesn't override it.
func WithTrustQuery(b bool) Option {
	return func(s *Store) { s.defaults.TrustQuery = b }
}

// WithDevMode sets the store-level default for DevMode.
func WithDevMode(b bool) Option {
	return func(s *Store) { s.defaults.DevMode = b }
}

// WithOperator registers a store-wide operator beyond the built-in set;
// the operator map is open-set.
func WithOperator(name string, fn filter.OperatorFunc) Option {
	return func(s *Store) { s.operators[name] = fn }
}

// WithProvider installs the store-level default data provider backing any
// callback the per-entity configs leave unset.
func WithProvider(p Provider) Option {
	return func(s *Store) { s.provider = p }
}

// New constructs a Store with Chimera's built-in defaults merged under any
// opts supplied.
func New(opts ...Option) *Store {
	s := &Store{
		bus:       eventbus.New("store"),
		operators: filter.DefaultOperators(),
		entries:   make(map[string]*entityEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the store's own aggregate event stream, annotated with
// entity name.
func (s *Store) Events() eventbus.Emitter {
	return eventbus.NewEmitter(s.bus)
}

// mergedFlags resolves the three-level TrustQuery/DevMode cascade: the
// entity overlay wins where set, otherwise the store default, otherwise
// Chimera's built-in false. mergo.Merge's default behavior — fill dst's
// zero fields from src, leave non-zero dst fields alone — is exactly the
// "override wins, else inherit" rule the cascade needs, which is why the
// overlay (not the store default) is the merge destination.
func (s *Store) mergedFlags(overlay EntityOverlay) (trustQuery, devMode bool) {
	s.mu.RLock()
	storeDefault := EntityOverlay{TrustQuery: &s.defaults.TrustQuery, DevMode: &s.defaults.DevMode}
	s.mu.RUnlock()

	merged := overlay
	if err := mergo.Merge(&merged, storeDefault); err != nil {
		merged = storeDefault
	}
	if merged.TrustQuery != nil {
		trustQuery = *merged.TrustQuery
	}
	if merged.DevMode != nil {
		devMode = *merged.DevMode
	}
	return
}

// mergedOperators layers the entity overlay's extra operators on top of the
// store-wide operator map, which itself already carries Chimera's built-ins
// merged with any WithOperator options.
func (s *Store) mergedOperators(overlay EntityOverlay) filter.Operators {
	s.mu.RLock()
	result := make(filter.Operators, len(s.operators))
	for k, v := range s.operators {
		result[k] = v
	}
	s.mu.RUnlock()
	if err := mergo.Merge(&result, overlay.Operators, mergo.WithOverride); err != nil {
		for k, v := range overlay.Operators {
			result[k] = v
		}
	}
	return result
}

// Register declares one entity kind: name, its identity/clone/field-getter
// config and callbacks, and an optional per-entity config overlay. The
// repository itself is constructed lazily, on first From call for name.
//
// A config may omit pieces the store can default: a nil IDGetter reads the
// "id" field, a nil Clone copies by value (sufficient for entities without
// reference-typed fields), and nil callbacks dispatch to the store
// Provider when one is installed.
func Register[E any](s *Store, name string, cfg entity.Config[E], overlay EntityOverlay) {
	trustQuery, devMode := s.mergedFlags(overlay)
	ops := s.mergedOperators(overlay)

	merged := cfg
	merged.Name = name
	merged.TrustQuery = trustQuery
	merged.DevMode = devMode
	if merged.IDGetter == nil {
		merged.IDGetter = entity.IDField[E]("id")
	}
	if merged.Clone == nil {
		merged.Clone = func(e E) E { return e }
	}
	fillFromProvider(&merged.Callbacks, s.provider, name)

	entry := &entityEntry{name: name}
	entry.build = func() (any, repoHandle) {
		repo := repository.New(&merged, ops)
		return repo, repo
	}

	s.mu.Lock()
	s.entries[name] = entry
	s.mu.Unlock()
}

// assertEntity narrows a Provider's type-erased return value to E.
func assertEntity[E any](name string, v any) (E, error) {
	e, ok := v.(E)
	if !ok {
		var zero E
		return zero, cherr.New(cherr.KindInternal, name, fmt.Errorf("store provider returned %T, want %T", v, zero))
	}
	return e, nil
}

func assertEntities[E any](name string, vs []any) ([]E, error) {
	out := make([]E, len(vs))
	for i, v := range vs {
		e, err := assertEntity[E](name, v)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// fillFromProvider backs every nil callback in cbs with a dispatcher
// routing to the store Provider, passing name as the entity discriminator.
func fillFromProvider[E any](cbs *entity.Callbacks[E], p Provider, name string) {
	if cbs.CollectionFetcher == nil && p.CollectionFetcher != nil {
		fn := p.CollectionFetcher
		cbs.CollectionFetcher = func(ctx context.Context, params entity.CollectionParams) (entity.CollectionResult[E], error) {
			vs, err := fn(ctx, name, params)
			if err != nil {
				return entity.CollectionResult[E]{}, err
			}
			data, err := assertEntities[E](name, vs)
			if err != nil {
				return entity.CollectionResult[E]{}, err
			}
			return entity.CollectionResult[E]{Data: data}, nil
		}
	}
	if cbs.ItemFetcher == nil && p.ItemFetcher != nil {
		fn := p.ItemFetcher
		cbs.ItemFetcher = func(ctx context.Context, params entity.ItemParams) (entity.ItemResult[E], error) {
			v, err := fn(ctx, name, params)
			if err != nil {
				return entity.ItemResult[E]{}, err
			}
			e, err := assertEntity[E](name, v)
			if err != nil {
				return entity.ItemResult[E]{}, err
			}
			return entity.ItemResult[E]{Data: e}, nil
		}
	}
	if cbs.ItemUpdater == nil && p.ItemUpdater != nil {
		fn := p.ItemUpdater
		cbs.ItemUpdater = func(ctx context.Context, item E) (entity.ItemResult[E], error) {
			v, err := fn(ctx, name, item)
			if err != nil {
				return entity.ItemResult[E]{}, err
			}
			e, err := assertEntity[E](name, v)
			if err != nil {
				return entity.ItemResult[E]{}, err
			}
			return entity.ItemResult[E]{Data: e}, nil
		}
	}
	if cbs.BatchedUpdater == nil && p.BatchedUpdater != nil {
		fn := p.BatchedUpdater
		cbs.BatchedUpdater = func(ctx context.Context, items []E) (entity.BatchResult[E], error) {
			erased := make([]any, len(items))
			for i, it := range items {
				erased[i] = it
			}
			vs, err := fn(ctx, name, erased)
			if err != nil {
				return entity.BatchResult[E]{}, err
			}
			data, err := assertEntities[E](name, vs)
			if err != nil {
				return entity.BatchResult[E]{}, err
			}
			return entity.BatchResult[E]{Data: data}, nil
		}
	}
	if cbs.ItemDeleter == nil && p.ItemDeleter != nil {
		fn := p.ItemDeleter
		cbs.ItemDeleter = func(ctx context.Context, id entity.Id) (entity.DeleteResult, error) {
			outcome, err := fn(ctx, name, id)
			if err != nil {
				return entity.DeleteResult{}, err
			}
			return entity.DeleteResult{Result: outcome}, nil
		}
	}
	if cbs.BatchedDeleter == nil && p.BatchedDeleter != nil {
		fn := p.BatchedDeleter
		cbs.BatchedDeleter = func(ctx context.Context, ids []entity.Id) (entity.BatchDeleteResult, error) {
			outcomes, err := fn(ctx, name, ids)
			if err != nil {
				return entity.BatchDeleteResult{}, err
			}
			return entity.BatchDeleteResult{Results: outcomes}, nil
		}
	}
	if cbs.ItemCreator == nil && p.ItemCreator != nil {
		fn := p.ItemCreator
		cbs.ItemCreator = func(ctx context.Context, partial E) (entity.ItemResult[E], error) {
			v, err := fn(ctx, name, partial)
			if err != nil {
				return entity.ItemResult[E]{}, err
			}
			e, err := assertEntity[E](name, v)
			if err != nil {
				return entity.ItemResult[E]{}, err
			}
			return entity.ItemResult[E]{Data: e}, nil
		}
	}
	if cbs.BatchedCreator == nil && p.BatchedCreator != nil {
		fn := p.BatchedCreator
		cbs.BatchedCreator = func(ctx context.Context, partials []E) (entity.BatchResult[E], error) {
			erased := make([]any, len(partials))
			for i, it := range partials {
				erased[i] = it
			}
			vs, err := fn(ctx, name, erased)
			if err != nil {
				return entity.BatchResult[E]{}, err
			}
			data, err := assertEntities[E](name, vs)
			if err != nil {
				return entity.BatchResult[E]{}, err
			}
			return entity.BatchResult[E]{Data: data}, nil
		}
	}
}

// From returns the repository for name, constructing it on first call. It
// fails if name was never registered, or was registered with a different
// entity type than E.
func From[E any](s *Store, name string) (*repository.Repository[E], error) {
	s.mu.RLock()
	entry, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chimera: entity %q is not registered", name)
	}

	entry.once.Do(func() {
		entry.repo, entry.handle = entry.build()
	})

	repo, ok := entry.repo.(*repository.Repository[E])
	if !ok {
		return nil, fmt.Errorf("chimera: entity %q was registered with a different type", name)
	}
	return repo, nil
}

// UpdateOne pushes item into name's repository as an externally-sourced
// update — propagation with no originator to skip — and emits a
// store-level event annotated with name.
func UpdateOne[E any](s *Store, name string, item E) error {
	repo, err := From[E](s, name)
	if err != nil {
		return err
	}
	repo.SetOne(item)
	s.bus.Publish("updated", Event{Entity: name, Payload: item})
	return nil
}

// UpdateMany is UpdateOne for a batch.
func UpdateMany[E any](s *Store, name string, items []E) error {
	repo, err := From[E](s, name)
	if err != nil {
		return err
	}
	repo.SetMany(items)
	s.bus.Publish("updated", Event{Entity: name, Payload: items})
	return nil
}

// DeleteOne pushes an externally-sourced delete of id into name's
// repository.
func DeleteOne[E any](s *Store, name string, id entity.Id) error {
	repo, err := From[E](s, name)
	if err != nil {
		return err
	}
	repo.DeleteOne(id)
	s.bus.Publish("itemDeleted", Event{Entity: name, Payload: id})
	return nil
}

// DeleteMany is DeleteOne for a batch.
func DeleteMany[E any](s *Store, name string, ids []entity.Id) error {
	repo, err := From[E](s, name)
	if err != nil {
		return err
	}
	repo.DeleteMany(ids)
	s.bus.Publish("itemDeleted", Event{Entity: name, Payload: ids})
	return nil
}

// UpdateMixed applies a combined add/update and delete batch against name's
// repository in one externally-sourced push.
func UpdateMixed[E any](s *Store, name string, toAdd []E, toDelete []entity.Id) error {
	repo, err := From[E](s, name)
	if err != nil {
		return err
	}
	repo.UpdateMixed(toAdd, toDelete)
	s.bus.Publish("updated", Event{Entity: name, Payload: toAdd})
	return nil
}

// Stats is the store-wide rollup of every registered entity's repository
// Stats, keyed by entity name. Entities registered but never materialized
// via From report a zero Stats value rather than forcing construction.
func (s *Store) Stats() map[string]repository.Stats {
	s.mu.RLock()
	entries := make([]*entityEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make(map[string]repository.Stats, len(entries))
	for _, e := range entries {
		if e.handle == nil {
			out[e.name] = repository.Stats{}
			continue
		}
		out[e.name] = e.handle.Stats()
	}
	return out
}

// Shutdown stops the store's own event dispatch and every materialized
// entity repository's, per SPEC_FULL.md E.3. It does not attempt to cancel
// individual queries' in-flight tasks — those are owned and weakly
// referenced by each repository, not by the store — so Shutdown's scope is
// limited to stopping further event delivery cleanly.
func (s *Store) Shutdown(_ context.Context) error {
	s.mu.RLock()
	entries := make([]*entityEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if e.handle == nil {
			continue
		}
		e.handle.Close()
	}
	s.bus.Close()
	return nil
}
