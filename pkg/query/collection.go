package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/chimera-cache/chimera/pkg/cherr"
	"github.com/chimera-cache/chimera/pkg/cprint"
	"github.com/chimera-cache/chimera/pkg/entity"
	"github.com/chimera-cache/chimera/pkg/eventbus"
	"github.com/chimera-cache/chimera/pkg/filter"
	"github.com/chimera-cache/chimera/pkg/order"
	"github.com/chimera-cache/chimera/pkg/task"
)

// CollectionState is one of the collection-query lifecycle states. There is
// no Creating/Deleted/Actualized analogue: a collection's membership changes
// through its local maintenance algorithm, never through a lifecycle
// transition of the collection itself.
type CollectionState string

const (
	CollectionInitialized CollectionState = "Initialized"
	CollectionFetching    CollectionState = "Fetching"
	CollectionUpdating    CollectionState = "Updating"
	CollectionDeleting    CollectionState = "Deleting"
	CollectionRefetching  CollectionState = "Refetching"
	CollectionPrefetched  CollectionState = "Prefetched"
	CollectionFetched     CollectionState = "Fetched"
	CollectionErrored     CollectionState = "Errored"
	CollectionReErrored   CollectionState = "ReErrored"
)

// CollectionHooks lets the owning repository learn about this query's
// self-initiated membership changes, mirroring Hooks for item queries.
type CollectionHooks[E any] struct {
	OnSelfItemCreated func(item E)
	OnSelfItemUpdated func(item E)
	OnSelfItemDeleted func(id entity.Id)
}

// CollectionQuery is a live handle to an ordered, filtered multiset of
// entities: fetch/refetch, per-item and batched create/update/delete, and a
// read-only sequence surface kept consistent by local membership/ordering
// maintenance on every mutation it observes, wherever that mutation
// originated.
type CollectionQuery[E any] struct {
	cfg        *entity.Config[E]
	hooks      CollectionHooks[E]
	bus        *eventbus.Bus
	params     entity.CollectionParams
	predicate  filter.Predicate[E]
	comparator order.Comparator[E]
	trustQuery bool
	devMode    bool

	mu          sync.Mutex
	state       CollectionState
	hasData     bool
	items       []E
	lastErr     error
	lastWarning error
	task        pendingTask
	progress    chan struct{}
}

func newCollectionQuery[E any](cfg *entity.Config[E], hooks CollectionHooks[E], ops filter.Operators, params entity.CollectionParams) (*CollectionQuery[E], error) {
	pred, err := filter.Compile(params.Filter, cfg.FieldGetters, ops, cfg.Name)
	if err != nil {
		return nil, err
	}
	cmp := order.Compile(params.Order, cfg.FieldGetters)
	q := &CollectionQuery[E]{
		cfg:        cfg,
		hooks:      hooks,
		bus:        eventbus.New(cfg.Name),
		params:     params,
		predicate:  pred,
		comparator: cmp,
		trustQuery: cfg.TrustQuery,
		devMode:    cfg.DevMode,
		progress:   closedChan(),
	}
	return q, nil
}

// NewCollectionFetching constructs a collection query with no seed;
// collectionFetcher is issued immediately.
func NewCollectionFetching[E any](ctx context.Context, cfg *entity.Config[E], hooks CollectionHooks[E], ops filter.Operators, params entity.CollectionParams) (*CollectionQuery[E], error) {
	q, err := newCollectionQuery(cfg, hooks, ops, params)
	if err != nil {
		return nil, err
	}
	q.state = CollectionFetching
	q.bus.Publish("initialized", nil)
	q.runFetch(ctx)
	return q, nil
}

// NewCollectionPrefetched constructs a collection query from seed. When
// alreadyValid is false, seed is filtered and sorted locally before use.
// When true and trust mode is off, the collection re-derives its own
// filtered/sorted sequence from seed regardless of what the caller claims.
// When true and trust mode is on, the server-declared seed sequence is kept
// verbatim; in dev mode its id sequence is compared against the locally
// filtered/sorted version and, when they differ, one warning reports the
// whole divergence as a diff.
func NewCollectionPrefetched[E any](cfg *entity.Config[E], hooks CollectionHooks[E], ops filter.Operators, params entity.CollectionParams, seed []E, alreadyValid bool) (*CollectionQuery[E], error) {
	q, err := newCollectionQuery(cfg, hooks, ops, params)
	if err != nil {
		return nil, err
	}

	switch {
	case !alreadyValid:
		q.items = q.filterAndSort(seed)
	case !q.trustQuery:
		q.items = q.filterAndSort(seed)
	default:
		q.items = append([]E(nil), seed...)
		if q.devMode {
			q.warnOnDivergence(seed, q.filterAndSort(seed))
		}
	}

	q.hasData = true
	q.state = CollectionPrefetched
	q.bus.Publish("initialized", nil)
	q.bus.Publish("ready", q.snapshot())
	return q, nil
}

// warnOnDivergence reports a trust-mode divergence between the
// server-declared sequence and the local filter+sort as a unified diff over
// the two id sequences, rather than a bare mismatch flag, so the console
// output shows the full shape of the divergence instead of just its first
// offending position.
// Callers hold q.mu or run single-threaded inside a constructor, so the
// lastWarning assignment needs no extra locking of its own.
func (q *CollectionQuery[E]) warnOnDivergence(server, local []E) {
	before := idLines(server, q.cfg.IDGetter)
	after := idLines(local, q.cfg.IDGetter)
	if before == after {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath(q.cfg.Name+"-server-order"), before, after)
	diff := gotextdiff.ToUnified("server-order", "local-filter-sort", before, edits)
	q.lastWarning = cherr.New(cherr.KindTrustFetchedCollection, q.cfg.Name,
		fmt.Errorf("server order diverges from local filter+sort:\n%s", fmt.Sprint(diff)))
	cprint.Warnf("chimera: %s collection trust-mode seed diverges from local filter+sort:\n%s", q.cfg.Name, fmt.Sprint(diff))
}

func idLines[E any](items []E, get func(E) entity.Id) string {
	lines := make([]string, len(items))
	for i, e := range items {
		lines[i] = get(e).String()
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (q *CollectionQuery[E]) filterAndSort(src []E) []E {
	out := lo.Filter(src, func(e E, _ int) bool { return q.predicate(e) })
	sort.SliceStable(out, func(i, j int) bool { return q.comparator(out[i], out[j]) < 0 })
	return out
}

// Events returns the embedder-facing subscription handle.
func (q *CollectionQuery[E]) Events() eventbus.Emitter {
	return eventbus.NewEmitter(q.bus)
}

// SetHooks (re)binds the repository propagation callbacks; see
// ItemQuery.SetHooks.
func (q *CollectionQuery[E]) SetHooks(h CollectionHooks[E]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = h
}

// snapshotHooks reads the current hooks under the lock, so a concurrent
// SetHooks never races with a completing round-trip.
func (q *CollectionQuery[E]) snapshotHooks() CollectionHooks[E] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hooks
}

// Params returns the collection-params this query was constructed with.
func (q *CollectionQuery[E]) Params() entity.CollectionParams {
	return q.params
}

// FilterNode returns the simplified filter tree backing this collection,
// for subset comparisons by the repository's seeding logic.
func (q *CollectionQuery[E]) FilterNode() *filter.Node {
	return filter.Simplify(q.params.Filter)
}

// State returns the query's current lifecycle state.
func (q *CollectionQuery[E]) State() CollectionState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// LastError returns the cause of the most recent Errored/ReErrored
// transition, or nil.
func (q *CollectionQuery[E]) LastError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// LastWarning returns the most recent warning-only diagnostic, or nil. The
// only kind emitted today is KindTrustFetchedCollection: in trust mode with
// dev mode on, a server-declared sequence did not match the local
// filter+sort. Warnings never change the query's state or data.
func (q *CollectionQuery[E]) LastWarning() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastWarning
}

// Progress returns a channel closed when the currently pending task (if
// any) completes.
func (q *CollectionQuery[E]) Progress() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress
}

func (q *CollectionQuery[E]) snapshot() []E {
	return append([]E(nil), q.items...)
}

// requireReady returns a KindNotReady error unless the collection has ever
// published a sequence.
func (q *CollectionQuery[E]) requireReady() error {
	if !q.hasData {
		return cherr.New(cherr.KindNotReady, q.cfg.Name, nil)
	}
	return nil
}

// Len returns the number of items currently in the collection.
func (q *CollectionQuery[E]) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return 0, err
	}
	return len(q.items), nil
}

// At returns the item at index i, with negative indices wrapping from the
// end (-1 is the last item).
func (q *CollectionQuery[E]) At(i int) (E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero E
	if err := q.requireReady(); err != nil {
		return zero, err
	}
	if i < 0 {
		i += len(q.items)
	}
	if i < 0 || i >= len(q.items) {
		return zero, cherr.New(cherr.KindInternal, q.cfg.Name, nil)
	}
	return q.cfg.Clone(q.items[i]), nil
}

// All returns a deep-cloned snapshot of the current sequence.
func (q *CollectionQuery[E]) All() ([]E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	out := make([]E, len(q.items))
	for i, e := range q.items {
		out[i] = q.cfg.Clone(e)
	}
	return out, nil
}

// ByID returns the item with the given id, if present.
func (q *CollectionQuery[E]) ByID(id entity.Id) (E, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero E
	if err := q.requireReady(); err != nil {
		return zero, false, err
	}
	idx := q.findIndexByIDLocked(id)
	if idx < 0 {
		return zero, false, nil
	}
	return q.cfg.Clone(q.items[idx]), true, nil
}

// Includes reports whether id is present in the collection.
func (q *CollectionQuery[E]) Includes(id entity.Id) (bool, error) {
	_, ok, err := q.ByID(id)
	return ok, err
}

// IndexOf returns the position of id in the collection, or -1.
func (q *CollectionQuery[E]) IndexOf(id entity.Id) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return -1, err
	}
	return q.findIndexByIDLocked(id), nil
}

// Some reports whether fn holds for at least one item.
func (q *CollectionQuery[E]) Some(fn func(E) bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return false, err
	}
	return lo.SomeBy(q.items, func(e E) bool { return fn(e) }), nil
}

// Every reports whether fn holds for every item.
func (q *CollectionQuery[E]) Every(fn func(E) bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return false, err
	}
	return lo.EveryBy(q.items, func(e E) bool { return fn(e) }), nil
}

// Filter returns the deep-cloned items for which fn holds.
func (q *CollectionQuery[E]) Filter(fn func(E) bool) ([]E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	matched := lo.Filter(q.items, func(e E, _ int) bool { return fn(e) })
	out := make([]E, len(matched))
	for i, e := range matched {
		out[i] = q.cfg.Clone(e)
	}
	return out, nil
}

// Find returns the first item for which fn holds.
func (q *CollectionQuery[E]) Find(fn func(E) bool) (E, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero E
	if err := q.requireReady(); err != nil {
		return zero, false, err
	}
	found, ok := lo.Find(q.items, func(e E) bool { return fn(e) })
	if !ok {
		return zero, false, nil
	}
	return q.cfg.Clone(found), true, nil
}

// ForEach invokes fn for each item in order.
func (q *CollectionQuery[E]) ForEach(fn func(E, int)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return err
	}
	for i, e := range q.items {
		fn(q.cfg.Clone(e), i)
	}
	return nil
}

// FindIndex returns the position of the first item for which fn holds, or
// -1.
func (q *CollectionQuery[E]) FindIndex(fn func(E) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return -1, err
	}
	_, idx, ok := lo.FindIndexOf(q.items, func(e E) bool { return fn(e) })
	if !ok {
		return -1, nil
	}
	return idx, nil
}

// FindLast returns the last item for which fn holds.
func (q *CollectionQuery[E]) FindLast(fn func(E) bool) (E, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero E
	if err := q.requireReady(); err != nil {
		return zero, false, err
	}
	found, _, ok := lo.FindLastIndexOf(q.items, func(e E) bool { return fn(e) })
	if !ok {
		return zero, false, nil
	}
	return q.cfg.Clone(found), true, nil
}

// FindLastIndex returns the position of the last item for which fn holds, or
// -1.
func (q *CollectionQuery[E]) FindLastIndex(fn func(E) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return -1, err
	}
	_, idx, ok := lo.FindLastIndexOf(q.items, func(e E) bool { return fn(e) })
	if !ok {
		return -1, nil
	}
	return idx, nil
}

// Slice returns a deep-cloned sub-sequence [start, end), with negative
// indices wrapping from the end as in At.
func (q *CollectionQuery[E]) Slice(start, end int) ([]E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	n := len(q.items)
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	start = clampIndex(start, n)
	end = clampIndex(end, n)
	if end < start {
		end = start
	}
	out := make([]E, end-start)
	for i := start; i < end; i++ {
		out[i-start] = q.cfg.Clone(q.items[i])
	}
	return out, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// ToSorted returns a deep-cloned copy of the current sequence re-sorted by
// cmp. A nil cmp reuses the collection's own comparator, so a caller can ask
// for "the same order, as a detached snapshot" without restating it.
func (q *CollectionQuery[E]) ToSorted(cmp func(a, b E) int) ([]E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	if cmp == nil {
		cmp = q.comparator
	}
	out := make([]E, len(q.items))
	for i, e := range q.items {
		out[i] = q.cfg.Clone(e)
	}
	sort.SliceStable(out, func(i, j int) bool { return cmp(out[i], out[j]) < 0 })
	return out, nil
}

// ToSpliced returns a deep-cloned copy of the current sequence with
// deleteCount items removed starting at start (negative wraps from the end)
// and items inserted in their place, without mutating the live collection.
func (q *CollectionQuery[E]) ToSpliced(start, deleteCount int, items ...E) ([]E, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	n := len(q.items)
	if start < 0 {
		start += n
	}
	start = clampIndex(start, n)
	if deleteCount < 0 {
		deleteCount = 0
	}
	end := clampIndex(start+deleteCount, n)

	out := make([]E, 0, n-(end-start)+len(items))
	for i := 0; i < start; i++ {
		out = append(out, q.cfg.Clone(q.items[i]))
	}
	out = append(out, items...)
	for i := end; i < n; i++ {
		out = append(out, q.cfg.Clone(q.items[i]))
	}
	return out, nil
}

// Entry is one (index, item) pair, the element type of Entries.
type Entry[E any] struct {
	Index int
	Item  E
}

// Entries returns deep-cloned (index, item) pairs for the current sequence.
func (q *CollectionQuery[E]) Entries() ([]Entry[E], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	out := make([]Entry[E], len(q.items))
	for i, e := range q.items {
		out[i] = Entry[E]{Index: i, Item: q.cfg.Clone(e)}
	}
	return out, nil
}

// Values is an alias for All: a deep-cloned snapshot of the current
// sequence.
func (q *CollectionQuery[E]) Values() ([]E, error) {
	return q.All()
}

// Keys returns the valid indices of the current sequence, [0, Len).
func (q *CollectionQuery[E]) Keys() ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	out := make([]int, len(q.items))
	for i := range q.items {
		out[i] = i
	}
	return out, nil
}

// ToJSON serializes the current sequence as a JSON array.
func (q *CollectionQuery[E]) ToJSON() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	return json.Marshal(q.items)
}

// ToString renders the current sequence's JSON form as a string, matching
// the customary toString surface's debug-friendly default.
func (q *CollectionQuery[E]) ToString() (string, error) {
	b, err := q.ToJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Map projects every item of q through fn into a new slice. Go methods
// cannot introduce a type parameter beyond the receiver's, so this is a
// free function rather than a CollectionQuery method.
func Map[E, R any](q *CollectionQuery[E], fn func(E) R) ([]R, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return nil, err
	}
	return lo.Map(q.items, func(e E, _ int) R { return fn(e) }), nil
}

// Reduce folds q's items left-to-right starting from initial.
func Reduce[E, R any](q *CollectionQuery[E], fn func(acc R, item E) R, initial R) (R, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		var zero R
		return zero, err
	}
	return lo.Reduce(q.items, func(acc R, e E, _ int) R { return fn(acc, e) }, initial), nil
}

// ReduceRight folds q's items right-to-left starting from initial.
func ReduceRight[E, R any](q *CollectionQuery[E], fn func(acc R, item E) R, initial R) (R, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		var zero R
		return zero, err
	}
	return lo.ReduceRight(q.items, func(acc R, e E, _ int) R { return fn(acc, e) }, initial), nil
}

func (q *CollectionQuery[E]) findIndexByIDLocked(id entity.Id) int {
	for i, e := range q.items {
		if q.cfg.IDGetter(e).Equal(id) {
			return i
		}
	}
	return -1
}

// Refetch cancels any pending task and issues a new collectionFetcher call.
func (q *CollectionQuery[E]) Refetch(ctx context.Context, force bool) error {
	q.mu.Lock()
	if q.task != nil && !force {
		q.mu.Unlock()
		return cherr.New(cherr.KindAlreadyRunning, q.cfg.Name, nil)
	}
	if q.task != nil {
		q.task.Cancel()
	}
	if q.hasData {
		q.state = CollectionRefetching
	} else {
		q.state = CollectionFetching
	}
	q.mu.Unlock()
	q.runFetch(ctx)
	return nil
}

func (q *CollectionQuery[E]) runFetch(ctx context.Context) {
	if q.cfg.Callbacks.CollectionFetcher == nil {
		q.fail(cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil))
		return
	}
	params := q.params
	t := task.Run(ctx, func(ctx context.Context) (entity.CollectionResult[E], error) {
		return q.cfg.Callbacks.CollectionFetcher(ctx, params)
	})
	progress := q.attach(t)
	go q.awaitFetch(t, progress)
}

// attach installs t as the query's pending task and returns the progress
// channel the awaiting goroutine closes once t's outcome has been fully
// applied; see ItemQuery.attach.
func (q *CollectionQuery[E]) attach(t pendingTask) chan struct{} {
	q.mu.Lock()
	q.task = t
	q.progress = make(chan struct{})
	progress := q.progress
	q.mu.Unlock()
	return progress
}

func (q *CollectionQuery[E]) awaitFetch(t *task.Task[entity.CollectionResult[E]], progress chan struct{}) {
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
		q.lastErr = cherr.New(cherr.KindFetchingError, q.cfg.Name, err)
		if q.hasData {
			q.state = CollectionReErrored
		} else {
			q.state = CollectionErrored
		}
		q.mu.Unlock()
		q.bus.Publish("error", q.lastErr)
		return
	}

	if q.trustQuery {
		served := append([]E(nil), result.Data...)
		if q.devMode {
			q.warnOnDivergence(served, q.filterAndSort(result.Data))
		}
		q.items = served
	} else {
		q.items = q.filterAndSort(result.Data)
	}
	wasReady := q.hasData
	q.hasData = true
	q.task = nil
	q.state = CollectionFetched
	snap := q.snapshot()
	q.mu.Unlock()

	if !wasReady {
		q.bus.Publish("ready", snap)
	}
	q.bus.Publish("updated", snap)
	q.bus.Publish("selfUpdated", snap)
}

func (q *CollectionQuery[E]) fail(err *cherr.Error) {
	q.mu.Lock()
	q.lastErr = err
	if q.hasData {
		q.state = CollectionReErrored
	} else {
		q.state = CollectionErrored
	}
	q.mu.Unlock()
	q.bus.Publish("error", err)
}

// applyItemLocked runs the local membership/ordering maintenance algorithm
// for a single changed item x, mutating q.items and
// publishing whichever of itemUpdated/itemDeleted/itemAdded the algorithm
// calls for — a repositioned item (same id, new comparator rank) publishes
// both a delete of the old slot and an add of the new one. Publish is safe
// to call under q.mu: it only enqueues onto the bus's own dispatch
// goroutine, never invokes a handler inline. Must be called with q.mu held.
func (q *CollectionQuery[E]) applyItemLocked(x E) {
	id := q.cfg.IDGetter(x)
	existingIdx := q.findIndexByIDLocked(id)
	matches := q.predicate(x)

	if !matches && existingIdx < 0 {
		return
	}

	if existingIdx >= 0 {
		if matches && q.comparator(q.items[existingIdx], x) == 0 {
			q.items[existingIdx] = x
			q.bus.Publish("itemUpdated", x)
			return
		}
		removedID := q.cfg.IDGetter(q.items[existingIdx])
		q.items = append(q.items[:existingIdx], q.items[existingIdx+1:]...)
		q.bus.Publish("itemDeleted", removedID)
	}

	if matches {
		pos := sort.Search(len(q.items), func(i int) bool {
			return q.comparator(q.items[i], x) > 0
		})
		q.items = append(q.items, x)
		copy(q.items[pos+1:], q.items[pos:])
		q.items[pos] = x
		q.bus.Publish("itemAdded", x)
	}
}

func (q *CollectionQuery[E]) applyDeleteLocked(id entity.Id) {
	idx := q.findIndexByIDLocked(id)
	if idx < 0 {
		return
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.bus.Publish("itemDeleted", id)
}

// SetOne applies x through the local maintenance algorithm, as invoked by
// the repository when another query publishes a change to one of this
// collection's candidate members. A collection whose first fetch has not
// published yet is skipped: the in-flight fetch supersedes anything applied
// before it lands.
func (q *CollectionQuery[E]) SetOne(x E) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasData {
		return
	}
	q.applyItemLocked(x)
}

// SetMany applies every item in xs through the local maintenance algorithm.
func (q *CollectionQuery[E]) SetMany(xs []E) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasData {
		return
	}
	for _, x := range xs {
		q.applyItemLocked(x)
	}
}

// DeleteOne removes id from the collection if present.
func (q *CollectionQuery[E]) DeleteOne(id entity.Id) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasData {
		return
	}
	q.applyDeleteLocked(id)
}

// DeleteMany removes every id in ids that is present.
func (q *CollectionQuery[E]) DeleteMany(ids []entity.Id) {
	for _, id := range ids {
		q.DeleteOne(id)
	}
}

// UpdateMixed applies toAdd through the insertion/update protocol and
// toDelete through the deletion protocol, without issuing any callback.
func (q *CollectionQuery[E]) UpdateMixed(toAdd []E, toDelete []entity.Id) {
	q.SetMany(toAdd)
	q.DeleteMany(toDelete)
}

// beginMutation validates that the collection has published at least once
// and flags it busy for the duration of a self-initiated round-trip.
func (q *CollectionQuery[E]) beginMutation(s CollectionState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireReady(); err != nil {
		return err
	}
	q.state = s
	return nil
}

// settleMutation restores the steady state after a successful round-trip.
func (q *CollectionQuery[E]) settleMutation() {
	q.mu.Lock()
	q.state = CollectionFetched
	q.mu.Unlock()
}

// Update issues itemUpdater for item, then applies the single-item protocol
// to its response and emits selfItemUpdated.
func (q *CollectionQuery[E]) Update(ctx context.Context, item E) error {
	if q.cfg.Callbacks.ItemUpdater == nil {
		return cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil)
	}
	if err := q.beginMutation(CollectionUpdating); err != nil {
		return err
	}
	result, err := q.cfg.Callbacks.ItemUpdater(ctx, item)
	if err != nil {
		wrapped := cherr.New(cherr.KindFetchingError, q.cfg.Name, err)
		q.fail(wrapped)
		return wrapped
	}
	q.settleMutation()
	q.SetOne(result.Data)
	if hooks := q.snapshotHooks(); hooks.OnSelfItemUpdated != nil {
		hooks.OnSelfItemUpdated(result.Data)
	}
	q.bus.Publish("selfItemUpdated", result.Data)
	return nil
}

// BatchedUpdate issues batchedUpdater and applies the protocol to each
// returned item.
func (q *CollectionQuery[E]) BatchedUpdate(ctx context.Context, items []E) error {
	if q.cfg.Callbacks.BatchedUpdater == nil {
		return cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil)
	}
	if err := q.beginMutation(CollectionUpdating); err != nil {
		return err
	}
	result, err := q.cfg.Callbacks.BatchedUpdater(ctx, items)
	if err != nil {
		wrapped := cherr.New(cherr.KindFetchingError, q.cfg.Name, err)
		q.fail(wrapped)
		return wrapped
	}
	q.settleMutation()
	q.applyBatchLocal(result.Data, "selfItemUpdated", q.snapshotHooks().OnSelfItemUpdated)
	return nil
}

// applyBatchLocal fans the local maintenance algorithm out across every
// item of a batched response: each item's applyItemLocked call and event
// emission run on their own goroutine, joined before returning, rather than
// a sequential loop — matching how the batched embedder callbacks
// (BatchedUpdater/BatchedCreator) are themselves expected to resolve many
// independent results at once.
func (q *CollectionQuery[E]) applyBatchLocal(items []E, selfEvent string, hook func(E)) {
	var g errgroup.Group
	for _, item := range items {
		item := item
		g.Go(func() error {
			q.SetOne(item)
			if hook != nil {
				hook(item)
			}
			q.bus.Publish(selfEvent, item)
			return nil
		})
	}
	_ = g.Wait()
}

// Create issues itemCreator and, on success, applies the insertion protocol
// and emits selfItemCreated.
func (q *CollectionQuery[E]) Create(ctx context.Context, partial E) error {
	if q.cfg.Callbacks.ItemCreator == nil {
		return cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil)
	}
	if err := q.beginMutation(CollectionUpdating); err != nil {
		return err
	}
	result, err := q.cfg.Callbacks.ItemCreator(ctx, partial)
	if err != nil {
		wrapped := cherr.New(cherr.KindFetchingError, q.cfg.Name, err)
		q.fail(wrapped)
		return wrapped
	}
	q.settleMutation()
	q.SetOne(result.Data)
	if hooks := q.snapshotHooks(); hooks.OnSelfItemCreated != nil {
		hooks.OnSelfItemCreated(result.Data)
	}
	q.bus.Publish("selfItemCreated", result.Data)
	return nil
}

// BatchedCreate issues batchedCreator and applies the insertion protocol to
// each returned item.
func (q *CollectionQuery[E]) BatchedCreate(ctx context.Context, parts []E) error {
	if q.cfg.Callbacks.BatchedCreator == nil {
		return cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil)
	}
	if err := q.beginMutation(CollectionUpdating); err != nil {
		return err
	}
	result, err := q.cfg.Callbacks.BatchedCreator(ctx, parts)
	if err != nil {
		wrapped := cherr.New(cherr.KindFetchingError, q.cfg.Name, err)
		q.fail(wrapped)
		return wrapped
	}
	q.settleMutation()
	q.applyBatchLocal(result.Data, "selfItemCreated", q.snapshotHooks().OnSelfItemCreated)
	return nil
}

// Delete issues itemDeleter, applies the trust policy to its response, and
// on confirmed success deletes by the returned id and emits
// selfItemDeleted.
func (q *CollectionQuery[E]) Delete(ctx context.Context, id entity.Id) error {
	if q.cfg.Callbacks.ItemDeleter == nil {
		return cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil)
	}
	if err := q.beginMutation(CollectionDeleting); err != nil {
		return err
	}
	result, err := q.cfg.Callbacks.ItemDeleter(ctx, id)
	if err != nil {
		wrapped := cherr.New(cherr.KindDeletingError, q.cfg.Name, err)
		q.fail(wrapped)
		return wrapped
	}
	if !result.Result.Success {
		err := cherr.New(cherr.KindUnsuccessfulDeletion, q.cfg.Name, nil)
		q.fail(err)
		return err
	}
	outcome := checkTrust(id, result.Result.ID, q.trustQuery, q.devMode)
	if outcome == trustReject {
		err := cherr.New(cherr.KindTrustIDMismatch, q.cfg.Name, nil)
		q.fail(err)
		return err
	}
	resolvedID := id
	if outcome == trustWarnAccept {
		cprint.Warnf("chimera: %s collection delete requested id %s but server returned %s; adopting (trust+dev mode)\n", q.cfg.Name, id, result.Result.ID)
		resolvedID = result.Result.ID
	}
	q.settleMutation()
	q.DeleteOne(resolvedID)
	if hooks := q.snapshotHooks(); hooks.OnSelfItemDeleted != nil {
		hooks.OnSelfItemDeleted(resolvedID)
	}
	q.bus.Publish("selfItemDeleted", resolvedID)
	return nil
}

// BatchedDelete issues batchedDeleter; every successful result is applied
// locally, but any success=false entry transitions the collection to
// ReErrored and the call returns an error.
func (q *CollectionQuery[E]) BatchedDelete(ctx context.Context, ids []entity.Id) error {
	if q.cfg.Callbacks.BatchedDeleter == nil {
		return cherr.New(cherr.KindNotSpecified, q.cfg.Name, nil)
	}
	if err := q.beginMutation(CollectionDeleting); err != nil {
		return err
	}
	result, err := q.cfg.Callbacks.BatchedDeleter(ctx, ids)
	if err != nil {
		wrapped := cherr.New(cherr.KindDeletingError, q.cfg.Name, err)
		q.fail(wrapped)
		return wrapped
	}
	q.settleMutation()

	var failures error
	for _, outcome := range result.Results {
		if !outcome.Success {
			failures = multierr.Append(failures, fmt.Errorf("delete %s: server reported failure", outcome.ID))
			continue
		}
		q.DeleteOne(outcome.ID)
		if hooks := q.snapshotHooks(); hooks.OnSelfItemDeleted != nil {
			hooks.OnSelfItemDeleted(outcome.ID)
		}
		q.bus.Publish("selfItemDeleted", outcome.ID)
	}
	if failures != nil {
		err := cherr.New(cherr.KindUnsuccessfulDeletion, q.cfg.Name, failures)
		q.fail(err)
		return err
	}
	return nil
}
