package websocket

import "github.com/luciancaetano/surrealnet/internal/protocol"

// Subscription receives every frame routed to a persistent handler.
type Subscription struct {
	h   *handler
	reg *registry
}

// ID returns the correlation id the subscription is registered under.
func (s *Subscription) ID() string {
	return s.h.id
}

// C returns the frame channel. It is closed when the subscription or the
// connection closes; Err then reports why.
func (s *Subscription) C() <-chan *protocol.Response {
	return s.h.ch
}

// Err returns nil while the subscription is active.
func (s *Subscription) Err() error {
	return s.h.reason()
}

// Dropped returns the number of frames discarded because the channel was
// full. The receive loop never blocks on a slow subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.h.dropped.Load()
}

// Close unregisters the subscription. Frames already buffered stay readable.
func (s *Subscription) Close() {
	s.reg.remove(s.h.id)
	s.h.fail(ErrUnsubscribed)
}
