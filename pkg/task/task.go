// Package task wraps an in-flight asynchronous operation — the embedder
// callback behind a fetch/update/delete/create — so it can be abandoned.
//
// A cancelled task's eventual resolution is silently discarded, never
// reaching the query that started it. Rather than parking a goroutine on a
// result nobody will read, the queries enforce this with an identity check
// at the call site (see pkg/query): a query only acts on a task's result if
// that task is still its current pending task, so a superseded task's
// goroutine simply runs to completion and is ignored.
package task

import (
	"context"
	"sync"
)

// Task runs fn in its own goroutine and lets callers cancel it and observe
// completion.
type Task[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}

	mu        sync.Mutex
	result    T
	err       error
	completed bool

	cancelled    bool
	cancelledCbs []func()
}

// Run starts fn(ctx) in a new goroutine. ctx is derived from parent and is
// cancelled when Cancel is called.
func Run[T any](parent context.Context, fn func(ctx context.Context) (T, error)) *Task[T] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	go func() {
		result, err := fn(ctx)
		t.mu.Lock()
		t.result = result
		t.err = err
		t.completed = true
		t.mu.Unlock()
		close(t.done)
	}()
	return t
}

// Done returns a channel closed when the task's fn has returned, whether it
// was cancelled or not — this backs the query-level Progress() surface,
// which resolves on task completion regardless of outcome.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Result returns fn's return value. It must only be called after Done is
// closed.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// IsCancelled reports whether Cancel has been called on this task.
func (t *Task[T]) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancel aborts the task's context and fires every registered cancelled
// callback exactly once. It is idempotent: calling it twice fires callbacks
// only on the first call.
func (t *Task[T]) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	cbs := t.cancelledCbs
	t.cancelledCbs = nil
	t.mu.Unlock()

	t.cancel()
	for _, cb := range cbs {
		cb()
	}
}

// OnCancelled registers cb to run when the task is cancelled. If the task is
// already cancelled, cb runs immediately (synchronously, on the calling
// goroutine) — this is the "second cancelled(cb) hook" that lets dependent
// code rebind after abandonment even if it registers late.
func (t *Task[T]) OnCancelled(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		cb()
		return
	}
	t.cancelledCbs = append(t.cancelledCbs, cb)
	t.mu.Unlock()
}
