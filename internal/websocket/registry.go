package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luciancaetano/surrealnet/internal/protocol"
)

// handler is a pending request waiting for its frames. A one-shot handler
// gets at most one delivery and is removed from the registry by whoever
// resolves it; a persistent handler stays registered until removed or the
// connection closes.
type handler struct {
	id         string
	persistent bool
	dropped    atomic.Uint64

	mu     sync.Mutex
	ch     chan *protocol.Response
	closed bool
	err    error
}

func newHandler(id string, persistent bool, buffer int) *handler {
	if buffer < 1 {
		buffer = 1
	}
	return &handler{
		id:         id,
		persistent: persistent,
		ch:         make(chan *protocol.Response, buffer),
	}
}

// deliver hands resp to the waiter without blocking. It reports false when
// the handler is already closed or its buffer is full; a full buffer counts
// as a drop.
func (h *handler) deliver(resp *protocol.Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	select {
	case h.ch <- resp:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// fail closes the handler's channel; waiters then read err from reason.
// Deliveries already buffered stay readable.
func (h *handler) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	close(h.ch)
}

func (h *handler) reason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// registry maps correlation ids to pending handlers. Senders register and
// remove entries while the receive loop routes frames, so every access is
// guarded by mu.
type registry struct {
	mu       sync.Mutex
	handlers map[string]*handler
	err      error
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]*handler)}
}

// register adds h. It fails once the registry is closed, or if a handler is
// already registered under the same id.
func (r *registry) register(h *handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	if _, exists := r.handlers[h.id]; exists {
		return fmt.Errorf("handler %q already registered", h.id)
	}
	r.handlers[h.id] = h
	return nil
}

// route returns the handler registered under id. One-shot handlers are
// removed so no other party can resolve them.
func (r *registry) route(id string) (*handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[id]
	if ok && !h.persistent {
		delete(r.handlers, id)
	}
	return h, ok
}

// remove unregisters id and returns the handler that was registered.
func (r *registry) remove(id string) (*handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[id]
	if ok {
		delete(r.handlers, id)
	}
	return h, ok
}

// close rejects further registrations with err and returns every handler
// still registered. The first close wins.
func (r *registry) close(err error) []*handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
	}
	out := make([]*handler, 0, len(r.handlers))
	for id, h := range r.handlers {
		out = append(out, h)
		delete(r.handlers, id)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
