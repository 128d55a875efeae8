package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/chimera-cache/chimera/pkg/cherr"
	"github.com/chimera-cache/chimera/pkg/cprint"
	"github.com/chimera-cache/chimera/pkg/entity"
	"github.com/chimera-cache/chimera/pkg/eventbus"
	"github.com/chimera-cache/chimera/pkg/task"
)

// ItemState is one of the item-query lifecycle states.
type ItemState string

const (
	ItemInitialized ItemState = "Initialized"
	ItemFetching    ItemState = "Fetching"
	ItemCreating    ItemState = "Creating"
	ItemUpdating    ItemState = "Updating"
	ItemDeleting    ItemState = "Deleting"
	ItemRefetching  ItemState = "Refetching"
	ItemPrefetched  ItemState = "Prefetched"
	ItemFetched     ItemState = "Fetched"
	ItemErrored     ItemState = "Errored"
	ItemReErrored   ItemState = "ReErrored"
	ItemDeleted     ItemState = "Deleted"
	ItemActualized  ItemState = "Actualized"
)

// pendingTask is the narrow interface ItemQuery needs from a *task.Task[R]
// regardless of R, so a single field can hold whichever operation (fetch,
// update, delete, create) is currently in flight.
type pendingTask interface {
	Cancel()
	Done() <-chan struct{}
	IsCancelled() bool
}

// Hooks lets the owning repository learn about this query's self-initiated
// changes without the query package depending on the repository package.
// The repository wires this immediately after construction, standing in for
// a selfUpdated/selfDeleted subscription on the query's own bus.
type Hooks[E any] struct {
	OnSelfUpdated func(item E)
	OnSelfDeleted func(id entity.Id)
}

// ItemQuery is a live handle to one entity by id: fetch, create, update,
// mutate, commit, and delete, plus the externally-pushed setOne/deleteOne
// path used by the repository to propagate another query's change.
type ItemQuery[E any] struct {
	cfg   *entity.Config[E]
	hooks Hooks[E]
	bus   *eventbus.Bus

	mu       sync.Mutex
	id       entity.Id
	meta     any
	state    ItemState
	hasItem  bool
	current  E
	draft    E
	lastErr  error
	task     pendingTask
	progress chan struct{}
}

func newItemQuery[E any](cfg *entity.Config[E], hooks Hooks[E], id entity.Id, meta any) *ItemQuery[E] {
	q := &ItemQuery[E]{
		cfg:      cfg,
		hooks:    hooks,
		bus:      eventbus.New(cfg.Name),
		id:       id,
		meta:     meta,
		progress: closedChan(),
	}
	return q
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// NewPrefetched constructs a query already holding seed. In dev mode the id
// extracted from seed must equal id; a mismatch is a fatal *cherr.Error of
// kind KindInternal.
func NewPrefetched[E any](cfg *entity.Config[E], hooks Hooks[E], id entity.Id, meta any, seed E) (*ItemQuery[E], error) {
	q := newItemQuery(cfg, hooks, id, meta)
	if cfg.DevMode {
		if got := cfg.IDGetter(seed); !got.Equal(id) {
			return nil, cherr.New(cherr.KindInternal, cfg.Name, fmt.Errorf("prefetched item id %s does not match requested id %s", got, id))
		}
	}
	q.current = cfg.Clone(seed)
	q.draft = cfg.Clone(seed)
	q.hasItem = true
	q.state = ItemPrefetched
	q.bus.Publish("initialized", nil)
	q.bus.Publish("ready", q.current)
	return q, nil
}

// NewFetching constructs a query with no seed; itemFetcher is issued
// immediately.
func NewFetching[E any](ctx context.Context, cfg *entity.Config[E], hooks Hooks[E], id entity.Id, meta any) *ItemQuery[E] {
	q := newItemQuery(cfg, hooks, id, meta)
	q.state = ItemFetching
	q.bus.Publish("initialized", nil)
	q.runFetch(ctx, false)
	return q
}

// NewCreating constructs a query in Creating mode: itemCreator is invoked
// with partial, and the entity's id is adopted from the response. bind is
// called with the new query to produce its propagation hooks BEFORE the
// creator task starts, so even an instantly-resolving callback completes
// with the repository's hooks already installed; a nil bind leaves the
// hooks empty.
func NewCreating[E any](ctx context.Context, cfg *entity.Config[E], bind func(*ItemQuery[E]) Hooks[E], meta any, partial E) *ItemQuery[E] {
	q := newItemQuery(cfg, Hooks[E]{}, entity.Id{}, meta)
	if bind != nil {
		q.hooks = bind(q)
	}
	q.state = ItemCreating
	q.bus.Publish("initialized", nil)
	q.runCreate(ctx, partial)
	return q
}

// Events returns the embedder-facing subscription handle.
func (q *ItemQuery[E]) Events() eventbus.Emitter {
	return eventbus.NewEmitter(q.bus)
}

// SetHooks (re)binds the repository propagation callbacks. The repository
// calls this once, immediately after construction, passing closures that
// capture this query's own identity so propagation can skip it as
// originator.
func (q *ItemQuery[E]) SetHooks(h Hooks[E]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = h
}

// State returns the query's current lifecycle state.
func (q *ItemQuery[E]) State() ItemState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// LastError returns the cause of the most recent Errored/ReErrored
// transition, or nil.
func (q *ItemQuery[E]) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// Data returns the current published entity; ok is false before the first
// publication (state not yet ready).
func (q *ItemQuery[E]) Data() (E, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, q.hasItem
}

// MustData returns the current entity or a KindNotReady error.
func (q *ItemQuery[E]) MustData() (E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasItem {
		var zero E
		return zero, cherr.New(cherr.KindNotReady, q.cfg.Name, nil)
	}
	return q.current, nil
}

// Draft returns the mutable draft: a deep clone of the current item the
// caller edits in place and later passes to Commit. The pointer stays valid
// across published updates — each publication reassigns the draft slot
// rather than replacing it, so references held by the embedder keep seeing
// the freshest clone.
func (q *ItemQuery[E]) Draft() (*E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasItem {
		return nil, cherr.New(cherr.KindNotReady, q.cfg.Name, nil)
	}
	return &q.draft, nil
}

// Progress returns a channel closed when the currently pending task (if
// any) completes, regardless of outcome. If no task is pending, the
// returned channel is already closed.
func (q *ItemQuery[E]) Progress() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress
}

// Id returns the entity id this query tracks. Once a Creating query adopts
// a server-issued id, this reflects the adopted id.
func (q *ItemQuery[E]) Id() entity.Id {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.id
}

// Refetch cancels any pending task and issues a new itemFetcher call.
func (q *ItemQuery[E]) Refetch(ctx context.Context, force bool) error {
	q.mu.Lock()
	if q.state == ItemCreating && !force {
		q.mu.Unlock()
		return cherr.New(cherr.KindNotCreated, q.cfg.Name, nil)
	}
	if (q.state == ItemUpdating || q.state == ItemDeleting) && !force {
		q.mu.Unlock()
		return cherr.New(cherr.KindAlreadyRunning, q.cfg.Name, nil)
	}
	if q.task != nil {
		q.task.Cancel()
	}
	if q.hasItem {
		q.state = ItemRefetching
	} else {
		q.state = ItemFetching
	}
	q.mu.Unlock()

	q.runFetch(ctx, true)
	return nil
}

// Update issues itemUpdater with newItem, adopting the response per the
// trust policy.
func (q *ItemQuery[E]) Update(ctx context.Context, newItem E, force bool) error {
	q.mu.Lock()
	if err := q.precheckMutation(force); err != nil {
		q.mu.Unlock()
		return err
	}
	if !q.cfg.TrustQuery {
		if newID := q.cfg.IDGetter(newItem); !newID.Equal(q.id) {
			q.mu.Unlock()
			return cherr.New(cherr.KindIDMismatch, q.cfg.Name, nil)
		}
	}
	if q.task != nil {
		q.task.Cancel()
	}
	q.state = ItemUpdating
	q.mu.Unlock()

	q.runUpdate(ctx, newItem)
	return nil
}

// Mutate clones the current item, passes a pointer to the clone to fn, and
// updates with whatever the clone holds when fn returns. A fn that touches
// nothing behaves as an update with the current item unchanged.
func (q *ItemQuery[E]) Mutate(ctx context.Context, fn func(draft *E), force bool) error {
	q.mu.Lock()
	if err := q.precheckMutation(force); err != nil {
		q.mu.Unlock()
		return err
	}
	clone := q.cfg.Clone(q.current)
	q.mu.Unlock()

	fn(&clone)
	return q.Update(ctx, clone, force)
}

// Commit uses the current draft as the new item.
func (q *ItemQuery[E]) Commit(ctx context.Context, force bool) error {
	q.mu.Lock()
	draft := q.draft
	q.mu.Unlock()
	return q.Update(ctx, draft, force)
}

// precheckMutation validates the shared preconditions of Update/Mutate/
// Commit: must be called with q.mu held.
func (q *ItemQuery[E]) precheckMutation(force bool) error {
	if q.state == ItemDeleted {
		return cherr.New(cherr.KindDeletedItem, q.cfg.Name, nil)
	}
	if q.state == ItemCreating && !force {
		return cherr.New(cherr.KindNotCreated, q.cfg.Name, nil)
	}
	if !q.hasItem {
		return cherr.New(cherr.KindNotReady, q.cfg.Name, nil)
	}
	if (q.state == ItemUpdating || q.state == ItemDeleting) && !force {
		return cherr.New(cherr.KindAlreadyRunning, q.cfg.Name, nil)
	}
	return nil
}

// Delete issues itemDeleter.
func (q *ItemQuery[E]) Delete(ctx context.Context, force bool) error {
	q.mu.Lock()
	if q.state == ItemCreating && !force {
		q.mu.Unlock()
		return cherr.New(cherr.KindNotCreated, q.cfg.Name, nil)
	}
	if !q.hasItem {
		q.mu.Unlock()
		return cherr.New(cherr.KindNotReady, q.cfg.Name, nil)
	}
	if (q.state == ItemUpdating || q.state == ItemDeleting) && !force {
		q.mu.Unlock()
		return cherr.New(cherr.KindAlreadyRunning, q.cfg.Name, nil)
	}
	if q.task != nil {
		q.task.Cancel()
	}
	q.state = ItemDeleting
	id := q.id
	q.mu.Unlock()

	q.runDelete(ctx, id)
	return nil
}

// setOne publishes item without issuing a network call, as invoked by the
// repository when another query of the same kind changes it. If no task is
// pending, the state becomes Actualized.
func (q *ItemQuery[E]) setOne(item E) {
	q.mu.Lock()
	wasReady := q.hasItem
	q.current = q.cfg.Clone(item)
	q.draft = q.cfg.Clone(item)
	q.hasItem = true
	if q.task == nil {
		q.state = ItemActualized
	}
	q.mu.Unlock()

	if !wasReady {
		q.bus.Publish("ready", q.current)
	}
	q.bus.Publish("updated", q.current)
}

// deleteOne transitions to Deleted if id matches this query's id; a
// non-matching id is ignored.
func (q *ItemQuery[E]) deleteOne(id entity.Id) {
	q.mu.Lock()
	if !id.Equal(q.id) {
		q.mu.Unlock()
		return
	}
	if q.task != nil {
		q.task.Cancel()
	}
	q.state = ItemDeleted
	q.mu.Unlock()

	q.bus.Publish("deleted", id)
}

// SetOne is the repository-facing entry point for the external setOne
// operation; embedders should not call it directly.
func (q *ItemQuery[E]) SetOne(item E) { q.setOne(item) }

// DeleteOne is the repository-facing entry point for the external
// deleteOne operation; embedders should not call it directly.
func (q *ItemQuery[E]) DeleteOne(id entity.Id) { q.deleteOne(id) }

func (q *ItemQuery[E]) runFetch(ctx context.Context, isSelf bool) {
	if q.cfg.Callbacks.ItemFetcher == nil {
		q.fail(cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil), true)
		return
	}
	params := entity.ItemParams{ID: q.id, Meta: q.meta}
	t := task.Run(ctx, func(ctx context.Context) (entity.ItemResult[E], error) {
		return q.cfg.Callbacks.ItemFetcher(ctx, params)
	})
	progress := q.attach(t)
	go q.awaitFetchLike(t, progress, cherr.KindFetchingError, isSelf, false)
}

func (q *ItemQuery[E]) runCreate(ctx context.Context, partial E) {
	if q.cfg.Callbacks.ItemCreator == nil {
		q.fail(cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil), true)
		return
	}
	t := task.Run(ctx, func(ctx context.Context) (entity.ItemResult[E], error) {
		return q.cfg.Callbacks.ItemCreator(ctx, partial)
	})
	progress := q.attach(t)
	go q.awaitFetchLike(t, progress, cherr.KindFetchingError, true, true)
}

func (q *ItemQuery[E]) runUpdate(ctx context.Context, newItem E) {
	if q.cfg.Callbacks.ItemUpdater == nil {
		q.fail(cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil), true)
		return
	}
	t := task.Run(ctx, func(ctx context.Context) (entity.ItemResult[E], error) {
		return q.cfg.Callbacks.ItemUpdater(ctx, newItem)
	})
	progress := q.attach(t)
	go q.awaitFetchLike(t, progress, cherr.KindFetchingError, true, false)
}

// attach installs t as the query's pending task and returns the progress
// channel the awaiting goroutine must close once t's outcome has been fully
// applied — not merely once t completed, so a Progress observer never reads
// state the completion hasn't reached yet.
func (q *ItemQuery[E]) attach(t pendingTask) chan struct{} {
	q.mu.Lock()
	q.task = t
	q.progress = make(chan struct{})
	progress := q.progress
	q.mu.Unlock()
	return progress
}

// awaitFetchLike waits for a fetch/update/create task, applies the trust
// policy, and publishes the result. It discards the result entirely if a
// newer task has superseded t in the meantime, realizing the
// "abandoned task resolves to nothing" contract without leaking a hung
// continuation. isCreate marks a Creating-mode completion, the only path
// that publishes selfCreated.
func (q *ItemQuery[E]) awaitFetchLike(t *task.Task[entity.ItemResult[E]], progress chan struct{}, errKind cherr.Kind, isSelf, isCreate bool) {
	defer close(progress)
	<-t.Done()
	result, err := t.Result()

	q.mu.Lock()
	// A cancelled task is already superseded (or abandoned) even if the
	// replacement has not been attached yet; its resolution is discarded.
	if t.IsCancelled() || q.task != pendingTask(t) {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.task = nil
		q.lastErr = cherr.New(errKind, q.cfg.Name, err)
		if q.hasItem {
			q.state = ItemReErrored
		} else {
			q.state = ItemErrored
		}
		q.mu.Unlock()
		q.bus.Publish("error", q.lastErr)
		return
	}

	requestedID := q.id
	responseID := q.cfg.IDGetter(result.Data)
	outcome := checkTrust(requestedID, responseID, q.cfg.TrustQuery, q.cfg.DevMode)
	if isCreate {
		// A Creating-mode query has no id until the server issues one;
		// adoption is the contract, not a trust violation.
		outcome = trustAccept
		q.id = responseID
	}
	if outcome == trustReject {
		q.task = nil
		q.lastErr = cherr.New(cherr.KindTrustIDMismatch, q.cfg.Name, nil)
		if q.hasItem {
			q.state = ItemReErrored
		} else {
			q.state = ItemErrored
		}
		q.mu.Unlock()
		q.bus.Publish("error", q.lastErr)
		return
	}
	if outcome == trustAccept && !responseID.Equal(requestedID) {
		// Trust mode with dev mode off accepts a mismatched response
		// silently; the query follows the id of the entity it now holds.
		q.id = responseID
	}
	if outcome == trustWarnAccept {
		cprint.Warnf("chimera: %s item query requested id %s but server returned %s; adopting (trust+dev mode)\n",
			q.cfg.Name, requestedID, responseID)
		q.id = responseID
	}

	wasReady := q.hasItem
	q.current = q.cfg.Clone(result.Data)
	q.draft = q.cfg.Clone(result.Data)
	q.hasItem = true
	q.task = nil
	q.state = ItemFetched
	published := q.current
	hooks := q.hooks
	q.mu.Unlock()

	// The repository hook runs first: observers of the repository (and of
	// other queries) must see the new index value no later than this
	// query's own events fire.
	if isSelf && hooks.OnSelfUpdated != nil {
		hooks.OnSelfUpdated(published)
	}
	if isCreate {
		q.bus.Publish("selfCreated", published)
	}
	if !wasReady {
		q.bus.Publish("ready", published)
	}
	q.bus.Publish("updated", published)
	if isSelf {
		q.bus.Publish("selfUpdated", published)
	}
}

func (q *ItemQuery[E]) runDelete(ctx context.Context, id entity.Id) {
	if q.cfg.Callbacks.ItemDeleter == nil {
		q.fail(cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil), false)
		return
	}
	t := task.Run(ctx, func(ctx context.Context) (entity.DeleteResult, error) {
		return q.cfg.Callbacks.ItemDeleter(ctx, id)
	})
	progress := q.attach(t)
	go q.awaitDelete(t, progress)
}

func (q *ItemQuery[E]) awaitDelete(t *task.Task[entity.DeleteResult], progress chan struct{}) {
	defer close(progress)
	<-t.Done()
	result, err := t.Result()

	q.mu.Lock()
	// A cancelled task is already superseded (or abandoned) even if the
	// replacement has not been attached yet; its resolution is discarded.
	if t.IsCancelled() || q.task != pendingTask(t) {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.task = nil
		q.lastErr = cherr.New(cherr.KindDeletingError, q.cfg.Name, err)
		q.state = ItemReErrored
		q.mu.Unlock()
		q.bus.Publish("error", q.lastErr)
		return
	}
	if !result.Result.Success {
		q.task = nil
		q.lastErr = cherr.New(cherr.KindUnsuccessfulDeletion, q.cfg.Name, nil)
		q.state = ItemReErrored
		q.mu.Unlock()
		q.bus.Publish("error", q.lastErr)
		return
	}

	requestedID := q.id
	responseID := result.Result.ID
	outcome := checkTrust(requestedID, responseID, q.cfg.TrustQuery, q.cfg.DevMode)
	if outcome == trustReject {
		q.task = nil
		q.lastErr = cherr.New(cherr.KindTrustIDMismatch, q.cfg.Name, nil)
		q.state = ItemReErrored
		q.mu.Unlock()
		q.bus.Publish("error", q.lastErr)
		return
	}
	if outcome == trustWarnAccept {
		cprint.Warnf("chimera: %s item query delete requested id %s but server returned %s; adopting (trust+dev mode)\n",
			q.cfg.Name, requestedID, responseID)
		q.id = responseID
	}

	q.task = nil
	q.state = ItemDeleted
	deletedID := q.id
	hooks := q.hooks
	q.mu.Unlock()

	if hooks.OnSelfDeleted != nil {
		hooks.OnSelfDeleted(deletedID)
	}
	q.bus.Publish("deleted", deletedID)
	q.bus.Publish("selfDeleted", deletedID)
}

func (q *ItemQuery[E]) fail(err *cherr.Error, beforeFirstData bool) {
	q.mu.Lock()
	q.lastErr = err
	if beforeFirstData && !q.hasItem {
		q.state = ItemErrored
	} else {
		q.state = ItemReErrored
	}
	q.mu.Unlock()
	q.bus.Publish("error", err)
}
