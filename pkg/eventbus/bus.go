// Package eventbus implements the typed publish/subscribe primitive shared
// by item queries, collection queries, repositories, and the store: handler
// registration with one-shot listeners, and dispatch deferred by one step so
// handlers registered immediately after a call that would emit still
// observe it, and no handler ever runs re-entrantly inside the emitting
// call.
package eventbus

import (
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/chimera-cache/chimera/pkg/cherr"
)

// Handler receives an event's payload. The payload's concrete type is
// documented per event name by the emitting component (query/repository/
// store).
type Handler func(payload any)

type registration struct {
	id   uuid.UUID
	once bool
	fn   Handler
}

type job struct {
	event   string
	payload any
}

// busCore carries the bus's mutable state and dispatch loop. It is split
// from Bus so the loop goroutine holds only the core: dropping the last
// Bus reference leaves the core collectible too, once the cleanup
// registered in New stops the loop. A goroutine closing over Bus itself
// would pin every query's bus (and hence the query) forever, defeating the
// repository's weak caches.
type busCore struct {
	mu       sync.Mutex
	handlers map[string][]*registration
	pending  []job
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// Bus is the internal, emit-capable event hub. Only package-internal
// Chimera code (query, repository, store) ever holds a *Bus directly;
// embedders are only ever handed the Emitter facade via Events(), which
// cannot enqueue a dispatch: the emit capability is withheld by the type
// system instead of checked at the call site.
type Bus struct {
	entityName string
	core       *busCore
}

// New starts a Bus's single dispatch goroutine, serializing every Publish
// in issue order. The goroutine stops when Close is called or when the Bus
// itself becomes unreachable.
func New(entityName string) *Bus {
	c := &busCore{
		handlers: make(map[string][]*registration),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.loop()
	b := &Bus{entityName: entityName, core: c}
	runtime.AddCleanup(b, func(core *busCore) { core.close() }, c)
	return b
}

func (c *busCore) loop() {
	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.done:
			return
		}
	}
}

func (c *busCore) drain() {
	for {
		c.mu.Lock()
		jobs := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(jobs) == 0 {
			return
		}
		for _, j := range jobs {
			c.dispatch(j)
		}
	}
}

func (c *busCore) dispatch(j job) {
	c.mu.Lock()
	regs := c.handlers[j.event]
	kept := regs[:0:0]
	var fire []Handler
	for _, r := range regs {
		fire = append(fire, r.fn)
		if !r.once {
			kept = append(kept, r)
		}
	}
	c.handlers[j.event] = kept
	c.mu.Unlock()

	for _, fn := range fire {
		fn(j.payload)
	}
}

func (c *busCore) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// On registers a persistent handler for event, returning an id usable with
// Off.
func (b *Bus) On(event string, fn Handler) uuid.UUID {
	return b.register(event, fn, false)
}

// Once registers a handler that fires at most once, then auto-removes
// itself.
func (b *Bus) Once(event string, fn Handler) uuid.UUID {
	return b.register(event, fn, true)
}

func (b *Bus) register(event string, fn Handler, once bool) uuid.UUID {
	id := uuid.New()
	c := b.core
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], &registration{id: id, once: once, fn: fn})
	c.mu.Unlock()
	return id
}

// Off removes a previously registered handler.
func (b *Bus) Off(id uuid.UUID) {
	c := b.core
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, regs := range c.handlers {
		for i, r := range regs {
			if r.id == id {
				c.handlers[event] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues event for deferred dispatch to every current handler of
// that name. It never blocks, so it is safe to call while holding a query's
// own lock. Only Chimera-internal code calls Publish; it is the one method
// withheld from the Emitter facade handed to embedders.
func (b *Bus) Publish(event string, payload any) {
	c := b.core
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, job{event: event, payload: payload})
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatch goroutine. Still-pending jobs are dropped;
// Close is used during Store.Shutdown to unwind cleanly.
func (b *Bus) Close() {
	b.core.close()
}

// Emitter is the embedder-facing subscription handle: On/Once/Off plus a
// guarded Emit that always fails with KindInternal and never invokes a
// listener. The method exists instead of being omitted so an embedder
// duck-typing against the query's event API gets the documented error
// rather than a compile error.
type Emitter struct {
	bus *Bus
}

// NewEmitter wraps bus for embedder consumption.
func NewEmitter(bus *Bus) Emitter {
	return Emitter{bus: bus}
}

// On registers a persistent handler.
func (e Emitter) On(event string, fn Handler) uuid.UUID { return e.bus.On(event, fn) }

// Once registers a one-shot handler.
func (e Emitter) Once(event string, fn Handler) uuid.UUID { return e.bus.Once(event, fn) }

// Off removes a handler by id.
func (e Emitter) Off(id uuid.UUID) { e.bus.Off(id) }

// Emit always fails: external emit is disallowed. It returns *cherr.Error
// of kind KindInternal and never invokes a listener.
func (e Emitter) Emit(string, any) error {
	return cherr.New(cherr.KindInternal, e.bus.entityName, nil)
}
