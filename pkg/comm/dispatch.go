package comm

import "reflect"

// DispatchHandler is a user-supplied callback invoked with an Event from
// a reactor goroutine. Implementations must not block; long work belongs
// on the application queue.
type DispatchHandler interface {
	Handle(ev Event)
}

// DispatchHandlerFunc adapts a plain function to a DispatchHandler.
type DispatchHandlerFunc func(ev Event)

func (f DispatchHandlerFunc) Handle(ev Event) { f(ev) }

// Synchronizer is a DispatchHandler that pushes exactly one Event into a
// channel so a synchronous caller can block on it. It is a generic
// blocking adapter for turning one async callback into a synchronous
// wait; the coordination client's handshake uses it to block on the
// HANDSHAKE response.
type Synchronizer struct {
	ch chan Event
}

// NewSynchronizer returns a handler and the channel its single delivered
// Event will arrive on. The channel is buffered so Handle never blocks on
// a reactor thread even if nobody is yet receiving.
func NewSynchronizer() (*Synchronizer, <-chan Event) {
	s := &Synchronizer{ch: make(chan Event, 1)}
	return s, s.ch
}

// isComparable reports whether h's dynamic type may be used as a map key.
// A DispatchHandlerFunc closure is not; the timer reactor skips by-handler
// indexing for such handlers rather than panicking on insert.
func isComparable(h DispatchHandler) bool {
	t := reflect.TypeOf(h)
	return t != nil && t.Comparable()
}

func (s *Synchronizer) Handle(ev Event) {
	select {
	case s.ch <- ev:
	default:
		// A Synchronizer is meant to receive exactly one event; a second
		// delivery (e.g. a duplicate DISCONNECT) is dropped rather than
		// blocking the reactor thread.
	}
}
