package comm

import (
	"sync"
	"time"

	"github.com/twmb/go-rbtree"
)

// timerEntry is the in-heap payload for one pending timer.
type timerEntry struct {
	id      uint64
	handler DispatchHandler
}

// timerReactor is the single dedicated timer goroutine: it hosts every
// TIMER event and every request timeout, regardless of which reactor the
// originating connection lives on.
type timerReactor struct {
	mu        sync.Mutex
	heap      timerHeap
	byHandler map[DispatchHandler]map[uint64]*rbtree.Node
	nextID    uint64
	wake      chan struct{}
	quit      chan struct{}
	logger    Logger
}

func newTimerReactor(logger Logger) *timerReactor {
	t := &timerReactor{
		byHandler: make(map[DispatchHandler]map[uint64]*rbtree.Node),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		logger:    logger,
	}
	go t.run()
	return t
}

// set arms a TIMER event duration from now. A zero duration fires the
// handler on the next timer-reactor iteration, never inline.
func (t *timerReactor) set(d time.Duration, handler DispatchHandler) *rbtree.Node {
	return t.setAbsolute(time.Now().Add(d), handler)
}

func (t *timerReactor) setAbsolute(deadline time.Time, handler DispatchHandler) *rbtree.Node {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	node := t.heap.insert(deadline, &timerEntry{id: id, handler: handler})
	// Only track by-handler if handler's dynamic type is comparable: a
	// DispatchHandlerFunc closure (common for one-shot timers such as a
	// request timeout) is not, and inserting one as a map key would
	// panic. Timers on such handlers are still cancellable individually
	// via the returned node.
	if isComparable(handler) {
		if t.byHandler[handler] == nil {
			t.byHandler[handler] = make(map[uint64]*rbtree.Node)
		}
		t.byHandler[handler][id] = node
	}
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return node
}

// forget drops entry from the by-handler index. It must be called with
// t.mu held, and skips handlers whose dynamic type cannot be a map key
// (those were never indexed to begin with).
func (t *timerReactor) forget(entry *timerEntry) {
	if !isComparable(entry.handler) {
		return
	}
	if m := t.byHandler[entry.handler]; m != nil {
		delete(m, entry.id)
		if len(m) == 0 {
			delete(t.byHandler, entry.handler)
		}
	}
}

// cancelOne removes a single pending timer (used when a request's
// response arrives before its timeout fires).
func (t *timerReactor) cancelOne(node *rbtree.Node) {
	if node == nil {
		return
	}
	t.mu.Lock()
	if item, ok := node.Item.(*timerItem); ok {
		if entry, ok := item.value.(*timerEntry); ok {
			t.forget(entry)
		}
	}
	t.heap.remove(node)
	t.mu.Unlock()
}

// cancelAll removes every pending timer registered against handler.
// Timers already mid-dispatch run to completion.
func (t *timerReactor) cancelAll(handler DispatchHandler) {
	if !isComparable(handler) {
		return
	}
	t.mu.Lock()
	nodes := t.byHandler[handler]
	delete(t.byHandler, handler)
	for _, n := range nodes {
		t.heap.remove(n)
	}
	t.mu.Unlock()
}

func (t *timerReactor) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		t.mu.Lock()
		deadline, _, ok := t.heap.peek()
		t.mu.Unlock()

		wait := time.Hour
		if ok {
			wait = time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			t.fireExpired()
		case <-t.wake:
			continue
		case <-t.quit:
			return
		}
	}
}

func (t *timerReactor) fireExpired() {
	t.mu.Lock()
	expired := t.heap.popExpired(time.Now())
	var toFire []DispatchHandler
	for _, v := range expired {
		entry := v.(*timerEntry)
		t.forget(entry)
		toFire = append(toFire, entry.handler)
	}
	t.mu.Unlock()

	// Handlers run with no lock held, so they may re-enter any timer
	// method.
	for _, h := range toFire {
		h.Handle(Event{Type: EventTimer})
	}
}

func (t *timerReactor) stop() {
	close(t.quit)
}
