package coord

import (
	"fmt"
	"sync"
	"time"

	"github.com/ridgewayio/commcore/pkg/comm"
)

// SessionState tracks the coordination client's TCP link through its
// connect/handshake lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// ObservedState is the liveness view a Client reports to its Callback:
// SAFE while the lease is fresh, JEOPARDY once contact is lost, EXPIRED
// once the lease runs out.
type ObservedState int32

const (
	ObservedSafe ObservedState = iota
	ObservedJeopardy
	ObservedExpired
)

func (s ObservedState) String() string {
	switch s {
	case ObservedJeopardy:
		return "JEOPARDY"
	case ObservedExpired:
		return "EXPIRED"
	default:
		return "SAFE"
	}
}

// Callback is the session-level callback a Client reports lease-liveness
// transitions to.
type Callback interface {
	StateTransition(state ObservedState)
	Expired()
}

// Handle is the client-side record of one open node handle: the
// coordination service's assigned 64-bit ID, the path and flags it was
// opened with, and the event mask/callback governing which node events
// get delivered to OnEvent.
type Handle struct {
	ID      uint64
	Path    string
	Flags   OpenFlags
	Mask    EventMask
	OnEvent func(Notification)
}

// groupIDForHandle derives an application-queue group ID from a handle
// by XORing its two halves, so that all requests against one handle
// serialize on the server even when issued from multiple client
// goroutines.
func groupIDForHandle(handle uint64) uint32 {
	return uint32(handle) ^ uint32(handle>>32)
}

// Client is a coordination service session maintained over one TCP
// connection (via a ConnectionManager, for reconnect) plus one UDP
// socket for keep-alives, exposing both synchronous and asynchronous
// operation pairs.
type Client struct {
	comm      *comm.Comm
	mgr       *comm.ConnectionManager
	coordAddr comm.Address
	udpLocal  comm.Address
	exeName   string
	cfg       cfg
	callback  Callback

	mu           sync.Mutex
	state        SessionState
	observed     ObservedState
	sessionID    uint64
	delivered    uint64
	lastContact  time.Time
	handles      map[uint64]*Handle
	replay       []pendingOp
	shuttingDown bool
}

// pendingOp is a request whose connection died before its response was
// seen, parked for re-issue once the session re-handshakes.
type pendingOp struct {
	op      string
	cmd     Command
	groupID uint32
	payload []byte
	cb      func([]byte, error)
}

// NewClient dials coordAddr and begins a coordination session, invoking
// callback on every observed liveness transition. exeName is sent in the
// HANDSHAKE request, identifying this process to the coordination
// service.
func NewClient(c *comm.Comm, coordAddr comm.Address, exeName string, callback Callback, opts ...Opt) (*Client, error) {
	cc := defaultCfg()
	for _, o := range opts {
		o.apply(&cc)
	}

	cl := &Client{
		comm:      c,
		coordAddr: coordAddr,
		exeName:   exeName,
		cfg:       cc,
		callback:  callback,
		handles:   make(map[uint64]*Handle),
	}

	udpHandler := comm.DispatchHandlerFunc(cl.handleUDP)
	local, err := c.CreateDatagramReceiveSocket(comm.HostPort("0.0.0.0", 0), udpHandler)
	if err != nil {
		return nil, err
	}
	cl.udpLocal = local

	cl.state = StateConnecting
	cl.mgr = comm.NewConnectionManager(c)
	tcpHandler := comm.DispatchHandlerFunc(cl.handleTCP)
	cl.mgr.AddWithInitializer(coordAddr, comm.Address{}, cl.cfg.retryInterval, "coordination", tcpHandler, &handshakeInitializer{cl: cl})

	cl.scheduleKeepalive()
	return cl, nil
}

// State returns the client's current connection state machine value.
func (cl *Client) State() SessionState {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.state
}

// Observed returns the client's current liveness view.
func (cl *Client) Observed() ObservedState {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.observed
}

// SessionID returns the session ID assigned by the coordination service,
// or 0 before the first successful handshake.
func (cl *Client) SessionID() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.sessionID
}

// Stop tears down the session locally: no further keep-alives are sent,
// the managed connection is removed, and every open handle is discarded.
// It does not notify the coordination service (use Shutdown for that).
func (cl *Client) Stop() {
	cl.mu.Lock()
	if cl.shuttingDown {
		cl.mu.Unlock()
		return
	}
	cl.shuttingDown = true
	cl.handles = make(map[uint64]*Handle)
	parked := cl.replay
	cl.replay = nil
	cl.mu.Unlock()

	cl.mgr.Remove(cl.coordAddr)
	cl.mgr.Shutdown()
	for _, p := range parked {
		p.cb(nil, ErrShuttingDown)
	}
}

func (cl *Client) isExpired() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.observed == ObservedExpired || cl.shuttingDown
}

func (cl *Client) setObserved(state ObservedState) {
	cl.mu.Lock()
	changed := cl.observed != state
	cl.observed = state
	cl.mu.Unlock()
	if changed && cl.callback != nil {
		cl.callback.StateTransition(state)
	}
}

// handshakeInitializer drives HANDSHAKE as the ConnectionManager's
// per-connection initializer. It runs off the reactor thread (see
// ConnectionManager.handle), so blocking on the synchronous response
// here is safe.
type handshakeInitializer struct {
	cl *Client
}

func (hi *handshakeInitializer) Initialize(c *comm.Comm, addr comm.Address) error {
	cl := hi.cl
	cl.mu.Lock()
	cl.state = StateHandshaking
	sid := cl.sessionID
	cl.mu.Unlock()

	payload := EncodeHandshake(sid, cl.exeName)
	syncer, ch := comm.NewSynchronizer()
	if err := c.SendRequest(addr, 0, uint64(CmdHandshake), true, cl.cfg.requestTimeout, payload, syncer); err != nil {
		return err
	}
	ev := <-ch
	resp, err := cl.resolveEvent("handshake", ev)
	if err != nil {
		return err
	}
	newSID, code, err := DecodeHandshakeResponse(resp)
	if err != nil {
		return err
	}
	if se := serviceErr("handshake", code); se != nil {
		return se
	}

	cl.mu.Lock()
	cl.sessionID = newSID
	cl.state = StateConnected
	cl.lastContact = time.Now()
	cl.mu.Unlock()
	cl.setObserved(ObservedSafe)
	cl.replayPending()
	return nil
}

// replayPending re-issues every request parked when the previous
// connection died. Responses already seen are not re-requested; only
// calls still awaiting an answer are replayed.
func (cl *Client) replayPending() {
	cl.mu.Lock()
	ops := cl.replay
	cl.replay = nil
	cl.mu.Unlock()
	for _, p := range ops {
		cl.callAsync(p.op, p.cmd, p.groupID, p.payload, p.cb)
	}
}

func (cl *Client) handleTCP(ev comm.Event) {
	switch ev.Type {
	case comm.EventDisconnect, comm.EventError:
		cl.mu.Lock()
		wasExpired := cl.observed == ObservedExpired
		cl.state = StateDisconnected
		cl.mu.Unlock()
		if !wasExpired {
			cl.setObserved(ObservedJeopardy)
		}
	case comm.EventMessage:
		// Unsolicited server-pushed messages (none defined in the base
		// protocol today; node events arrive bundled on keep-alive
		// datagrams instead). Logged and dropped.
		cl.cfg.logger.Log(comm.LogLevelDebug, "coord: unexpected unsolicited message", "command", ev.Header.Command)
	}
}

// scheduleKeepalive arms the next keep-alive tick on Comm's dedicated
// timer reactor.
func (cl *Client) scheduleKeepalive() {
	cl.comm.SetTimer(cl.cfg.keepaliveInterval, comm.DispatchHandlerFunc(cl.onKeepaliveTick))
}

func (cl *Client) onKeepaliveTick(comm.Event) {
	if cl.isExpired() {
		return
	}
	cl.checkLease()
	cl.sendKeepalive()
	cl.scheduleKeepalive()
}

// checkLease applies the grace and lease timers: JEOPARDY once
// gracePeriod elapses without contact, EXPIRED once leaseDuration does.
func (cl *Client) checkLease() {
	cl.mu.Lock()
	last := cl.lastContact
	observed := cl.observed
	cl.mu.Unlock()

	if last.IsZero() {
		return // never connected yet; the initializer hasn't completed
	}
	elapsed := time.Since(last)
	if elapsed >= cl.cfg.leaseDuration && observed != ObservedExpired {
		cl.expire()
		return
	}
	if elapsed >= cl.cfg.gracePeriod && observed == ObservedSafe {
		cl.setObserved(ObservedJeopardy)
	}
}

// expire declares the session EXPIRED, terminally: every handle is
// discarded, the managed connection stops retrying, and the session
// callback's Expired is invoked exactly once.
func (cl *Client) expire() {
	cl.mu.Lock()
	if cl.observed == ObservedExpired {
		cl.mu.Unlock()
		return
	}
	cl.observed = ObservedExpired
	cl.state = StateDisconnected
	cl.handles = make(map[uint64]*Handle)
	parked := cl.replay
	cl.replay = nil
	cl.mu.Unlock()

	cl.mgr.Remove(cl.coordAddr)
	for _, p := range parked {
		p.cb(nil, ErrSessionExpired)
	}
	if cl.callback != nil {
		cl.callback.Expired()
	}
}

func (cl *Client) sendKeepalive() {
	cl.mu.Lock()
	sid := cl.sessionID
	last := cl.delivered
	cl.mu.Unlock()

	payload := EncodeKeepalive(sid, last, false)
	if err := cl.comm.SendDatagram(cl.udpLocal, cl.coordAddr, uint64(CmdKeepalive), true, payload); err != nil {
		cl.cfg.logger.Log(comm.LogLevelWarn, "coord: keepalive send failed", "err", err.Error())
	}
}

// handleUDP processes one coord->client keep-alive datagram: refreshes
// the lease, reconciles the session ID on first contact, and delivers
// any bundled node event notifications to their handle's callback, all
// from the UDP reactor thread.
func (cl *Client) handleUDP(ev comm.Event) {
	if ev.Type != comm.EventMessage {
		return
	}
	resp, err := DecodeKeepaliveResponse(ev.Payload)
	if err != nil {
		cl.cfg.logger.Log(comm.LogLevelWarn, "coord: malformed keepalive response", "err", err.Error())
		return
	}
	if resp.ErrCode != 0 {
		cl.cfg.logger.Log(comm.LogLevelWarn, "coord: keepalive service error", "code", resp.ErrCode)
		return
	}

	cl.mu.Lock()
	if cl.observed == ObservedExpired {
		cl.mu.Unlock()
		return
	}
	cl.sessionID = resp.SessionID
	cl.lastContact = time.Now()
	cl.delivered += uint64(len(resp.Notifications))
	wasSafe := cl.observed == ObservedSafe
	handlesSnapshot := make(map[uint64]*Handle, len(cl.handles))
	for k, v := range cl.handles {
		handlesSnapshot[k] = v
	}
	cl.mu.Unlock()

	if !wasSafe {
		cl.setObserved(ObservedSafe)
	}

	for _, n := range resp.Notifications {
		if h, ok := handlesSnapshot[n.Handle]; ok && h.OnEvent != nil {
			h.OnEvent(n)
		}
	}
}

// resolveEvent turns a completed request's Event into (payload, error),
// covering the MESSAGE/REQUEST_TIMEOUT/BROKEN_CONNECTION cases a
// Synchronizer or async response handler can observe.
func (cl *Client) resolveEvent(op string, ev comm.Event) ([]byte, error) {
	if ev.Error != comm.ErrCodeOK {
		// A request aborted because the session died (the expiry teardown
		// closes the managed connection out from under every outstanding
		// call) surfaces as SESSION_EXPIRED, not as the transport error.
		if cl.isExpired() {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("coord: %s: %s", op, ev.Error)
	}
	return ev.Payload, nil
}

// call issues a synchronous request and returns its decoded response
// payload, rejecting outright, with no network attempt, if the session
// is already known EXPIRED.
func (cl *Client) call(op string, cmd Command, groupID uint32, payload []byte) ([]byte, error) {
	type result struct {
		resp []byte
		err  error
	}
	ch := make(chan result, 1)
	cl.callAsync(op, cmd, groupID, payload, func(resp []byte, err error) { ch <- result{resp, err} })
	r := <-ch
	return r.resp, r.err
}

// callAsync is call's callback-driven sibling, underlying every *Async
// method. A request whose connection dies before its response is seen is
// parked and re-issued after the next successful re-handshake rather
// than failed back to the caller; it only fails if the session expires
// first (ErrSessionExpired) or the client is stopped first
// (ErrShuttingDown).
func (cl *Client) callAsync(op string, cmd Command, groupID uint32, payload []byte, cb func([]byte, error)) {
	if cl.isExpired() {
		cb(nil, ErrSessionExpired)
		return
	}
	handler := comm.DispatchHandlerFunc(func(ev comm.Event) {
		if ev.Error == comm.ErrCodeBrokenConnection && !cl.isExpired() {
			cl.mu.Lock()
			cl.replay = append(cl.replay, pendingOp{op: op, cmd: cmd, groupID: groupID, payload: payload, cb: cb})
			cl.mu.Unlock()
			return
		}
		cb(cl.resolveEvent(op, ev))
	})
	if err := cl.comm.SendRequest(cl.coordAddr, groupID, uint64(cmd), false, cl.cfg.requestTimeout, payload, handler); err != nil {
		cb(nil, err)
	}
}
