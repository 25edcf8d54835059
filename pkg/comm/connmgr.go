package comm

import (
	"sync"
	"time"

	"github.com/twmb/go-rbtree"
)

// ConnectionInitializer drives an optional handshake immediately after a
// managed connection is established, before the connection is considered
// usable by the rest of the application. Initialize runs the whole
// exchange, sending the handshake frame and awaiting its ack via Comm's
// own synchronous request/response machinery, and reports whether the
// connection is now usable. It always runs off the reactor thread (see
// ConnectionManager.handle), so blocking on the response is safe.
type ConnectionInitializer interface {
	Initialize(c *Comm, addr Address) error
}

// connState is the per-managed-connection bookkeeping the manager thread
// maintains.
type connState struct {
	mu sync.Mutex

	addr        Address
	localAddr   Address
	serviceName string
	timeout     time.Duration
	handler     DispatchHandler
	initializer ConnectionInitializer

	connected     bool
	initialized   bool
	decommisioned bool

	waiters []chan struct{}

	retryNode *rbtree.Node
}

// signalConnected marks the record connected (or disconnected) and ready
// for use. Callers only pass connected=true once any initializer's
// handshake has actually completed, so initialized always tracks
// connected here.
func (cs *connState) signalConnected(connected bool) {
	cs.mu.Lock()
	cs.connected = connected
	cs.initialized = connected
	waiters := cs.waiters
	cs.waiters = nil
	cs.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (cs *connState) isReady() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.connected && cs.initialized
}

// retryItem orders pending reconnect attempts by deadline, sharing the
// same ordered-by-expiry machinery as the reactor's timer heap.
type retryItem struct {
	deadline time.Time
	seq      uint64
	cs       *connState
}

func (r *retryItem) Less(other rbtree.Item) bool {
	o := other.(*retryItem)
	if r.deadline.Equal(o.deadline) {
		return r.seq < o.seq
	}
	return r.deadline.Before(o.deadline)
}

// ConnectionManager establishes and maintains a declared set of outbound
// TCP connections, retrying with a per-connection pacing interval
// whenever one breaks. The retry queue is a deadline-ordered red-black
// tree so Remove can also drop a pending retry in O(log n).
type ConnectionManager struct {
	comm *Comm

	mu       sync.Mutex
	byAddr   map[string]*connState
	byProxy  map[string]*connState
	retry    rbtree.Tree
	nextSeq  uint64
	quiet    bool
	shutdown chan struct{}
	wake     chan struct{}
}

// NewConnectionManager starts the manager's background retry goroutine
// against the given Comm.
func NewConnectionManager(c *Comm) *ConnectionManager {
	m := &ConnectionManager{
		comm:     c,
		byAddr:   make(map[string]*connState),
		byProxy:  make(map[string]*connState),
		shutdown: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	go m.run()
	return m
}

// SetQuietMode suppresses the warning log line normally emitted for each
// failed connection attempt.
func (m *ConnectionManager) SetQuietMode(q bool) { m.mu.Lock(); m.quiet = q; m.mu.Unlock() }

// Add registers addr to be connected and kept connected. It is a no-op if
// addr is already registered.
func (m *ConnectionManager) Add(addr Address, timeout time.Duration, serviceName string, handler DispatchHandler) {
	m.AddWithInitializer(addr, Address{}, timeout, serviceName, handler, nil)
}

// AddLocal is Add with an explicit local bind address.
func (m *ConnectionManager) AddLocal(addr, localAddr Address, timeout time.Duration, serviceName string, handler DispatchHandler) {
	m.AddWithInitializer(addr, localAddr, timeout, serviceName, handler, nil)
}

// AddWithInitializer is Add plus a handshake driver run immediately after
// each successful connect, before the connection is considered ready.
func (m *ConnectionManager) AddWithInitializer(addr, localAddr Address, timeout time.Duration, serviceName string, handler DispatchHandler, initializer ConnectionInitializer) {
	m.mu.Lock()
	if _, exists := m.byAddr[addr.Key()]; exists {
		m.mu.Unlock()
		return
	}
	cs := &connState{
		addr:        addr,
		localAddr:   localAddr,
		serviceName: serviceName,
		timeout:     timeout,
		handler:     handler,
		initializer: initializer,
	}
	m.byAddr[addr.Key()] = cs
	if addr.IsProxy() {
		m.byProxy[addr.Proxy] = cs
	}
	m.mu.Unlock()

	m.connect(cs)
}

// Remove stops the manager from retrying addr and closes it if currently
// connected.
func (m *ConnectionManager) Remove(addr Address) {
	m.mu.Lock()
	cs, ok := m.byAddr[addr.Key()]
	if ok {
		delete(m.byAddr, addr.Key())
		if addr.IsProxy() {
			delete(m.byProxy, addr.Proxy)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.decommisioned = true
	if cs.retryNode != nil {
		m.mu.Lock()
		m.retry.Delete(cs.retryNode)
		m.mu.Unlock()
		cs.retryNode = nil
	}
	cs.mu.Unlock()
	m.comm.CloseSocket(cs.addr)
}

// WaitForConnection blocks until addr (previously added) is connected and
// initialized, or until maxWait elapses.
func (m *ConnectionManager) WaitForConnection(addr Address, maxWait time.Duration) bool {
	m.mu.Lock()
	cs, ok := m.byAddr[addr.Key()]
	m.mu.Unlock()
	if !ok {
		return false
	}

	cs.mu.Lock()
	if cs.connected && cs.initialized {
		cs.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	cs.waiters = append(cs.waiters, ch)
	cs.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ch:
		return cs.isReady()
	case <-timer.C:
		return false
	}
}

// connect issues a single connect attempt for cs via the underlying Comm,
// installing the manager itself as the low-level dispatch handler so
// DISCONNECT events can trigger a retry.
func (m *ConnectionManager) connect(cs *connState) {
	wrapped := DispatchHandlerFunc(func(ev Event) { m.handle(cs, ev) })
	var err error
	if cs.localAddr.IsZero() {
		err = m.comm.Connect(cs.addr, wrapped)
	} else {
		err = m.comm.ConnectLocal(cs.addr, cs.localAddr, wrapped)
	}
	if err != nil {
		m.mu.Lock()
		quiet := m.quiet
		m.mu.Unlock()
		if !quiet {
			m.comm.cfg.logger.Log(LogLevelWarn, "connect attempt failed",
				"service", cs.serviceName, "addr", cs.addr.String(), "err", err.Error())
		}
		m.scheduleRetry(cs)
	}
}

func (m *ConnectionManager) handle(cs *connState, ev Event) {
	switch ev.Type {
	case EventConnectionEstablished:
		if cs.initializer != nil {
			// Initialize may block waiting on the handshake response, so
			// it must never run inline on the reactor goroutine that is
			// about to deliver that very response.
			go func() {
				if err := cs.initializer.Initialize(m.comm, ev.Addr); err != nil {
					m.comm.CloseSocket(ev.Addr)
					return
				}
				cs.signalConnected(true)
				if cs.handler != nil {
					cs.handler.Handle(ev)
				}
			}()
			return
		}
		cs.signalConnected(true)
		if cs.handler != nil {
			cs.handler.Handle(ev)
		}
	case EventMessage:
		if cs.initializer != nil && !cs.isReady() {
			// An unsolicited message arriving before the handshake has
			// completed; there is no user handler ready to receive it yet.
			return
		}
		if cs.handler != nil {
			cs.handler.Handle(ev)
		}
	case EventDisconnect, EventError:
		cs.signalConnected(false)
		if cs.handler != nil {
			cs.handler.Handle(ev)
		}
		cs.mu.Lock()
		decommisioned := cs.decommisioned
		cs.mu.Unlock()
		if !decommisioned {
			m.scheduleRetry(cs)
		}
	}
}

func (m *ConnectionManager) scheduleRetry(cs *connState) {
	cs.mu.Lock()
	decommisioned := cs.decommisioned
	timeout := cs.timeout
	cs.mu.Unlock()
	if decommisioned {
		return
	}

	m.mu.Lock()
	item := &retryItem{deadline: time.Now().Add(timeout), seq: m.nextSeq, cs: cs}
	m.nextSeq++
	node := m.retry.Insert(item)
	m.mu.Unlock()

	cs.mu.Lock()
	cs.retryNode = node
	cs.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *ConnectionManager) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		m.mu.Lock()
		n := m.retry.Min()
		var due *connState
		wait := time.Hour
		if n != nil {
			item := n.Item.(*retryItem)
			wait = time.Until(item.deadline)
			if wait <= 0 {
				m.retry.Delete(n)
				due = item.cs
			}
		}
		m.mu.Unlock()

		if due != nil {
			due.mu.Lock()
			due.retryNode = nil
			decommisioned := due.decommisioned
			due.mu.Unlock()
			if !decommisioned {
				m.connect(due)
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-m.wake:
		case <-m.shutdown:
			return
		}
	}
}

// Shutdown stops the manager's background retry goroutine.
func (m *ConnectionManager) Shutdown() { close(m.shutdown) }
