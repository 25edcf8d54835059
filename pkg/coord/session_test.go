package coord

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ridgewayio/commcore/pkg/comm"
	"github.com/ridgewayio/commcore/pkg/wire"
)

// testNode is one entry in testServer's in-memory hierarchy. This
// duplicates cmd/coordtestserver's node/server logic rather than
// importing it, since a cmd package isn't importable and the server
// here exists only to drive Client end to end.
type testNode struct {
	attrs  map[string][]byte
	locked bool
}

type testServer struct {
	mu    sync.Mutex
	nodes map[string]*testNode
	next  uint64
	hdl   map[uint64]string

	c        *comm.Comm
	addr     comm.Address
	dropUDP  bool // when set, KEEPALIVE datagrams are silently ignored
	sessions map[uint64]bool
}

func newTestServer(c *comm.Comm, addr comm.Address) *testServer {
	return &testServer{
		c:        c,
		addr:     addr,
		nodes:    map[string]*testNode{},
		hdl:      map[uint64]string{},
		sessions: map[uint64]bool{},
	}
}

func (s *testServer) respond() wire.ResponseCallback { return wire.ResponseCallback{} }

func (s *testServer) handleTCP(ev comm.Event) {
	if ev.Type != comm.EventMessage {
		return
	}
	var resp []byte
	switch Command(ev.Header.Command) {
	case CmdHandshake:
		resp = s.onHandshake(ev.Payload)
	case CmdOpen:
		resp = s.onOpen(ev.Payload)
	case CmdClose:
		resp = s.onClose(ev.Payload)
	case CmdMkdir:
		resp = s.onMkdir(ev.Payload)
	case CmdExists:
		resp = s.onExists(ev.Payload)
	case CmdAttrSet:
		resp = s.onAttrSet(ev.Payload)
	case CmdAttrGet:
		resp = s.onAttrGet(ev.Payload)
	case CmdLock:
		resp = s.onLock(ev.Payload)
	case CmdRelease:
		resp = s.onRelease(ev.Payload)
	case CmdStatus:
		resp = s.respond().Success(nil)
	default:
		resp = s.respond().Error(1)
	}
	_ = s.c.SendResponse(ev.Addr, ev.Header.ID, ev.Header.Command, resp)
}

func (s *testServer) onHandshake(payload []byte) []byte {
	r := wire.NewReader(payload)
	sessionID := r.Uint64()
	_ = r.String()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	if sessionID == 0 {
		s.next++
		sessionID = s.next
	}
	s.sessions[sessionID] = true
	s.mu.Unlock()
	return s.respond().Success(wire.AppendFixed64(nil, sessionID))
}

func (s *testServer) onOpen(payload []byte) []byte {
	r := wire.NewReader(payload)
	name := r.String()
	flags := OpenFlags(r.Uint32())
	_ = r.Uint32()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[name]; !ok {
		if flags&OpenCreate == 0 {
			return s.respond().Error(2)
		}
		s.nodes[name] = &testNode{attrs: map[string][]byte{}}
	}
	s.next++
	h := s.next
	s.hdl[h] = name
	return s.respond().Success(wire.AppendFixed64(nil, h))
}

func (s *testServer) onClose(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	delete(s.hdl, handle)
	s.mu.Unlock()
	return s.respond().Success(nil)
}

func (s *testServer) onMkdir(payload []byte) []byte {
	r := wire.NewReader(payload)
	name := r.String()
	_ = r.Bool()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	if _, ok := s.nodes[name]; !ok {
		s.nodes[name] = &testNode{attrs: map[string][]byte{}}
	}
	s.mu.Unlock()
	return s.respond().Success(nil)
}

func (s *testServer) onExists(payload []byte) []byte {
	r := wire.NewReader(payload)
	name := r.String()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	_, ok := s.nodes[name]
	s.mu.Unlock()
	return s.respond().Success(wire.AppendBool(nil, ok))
}

func (s *testServer) onAttrSet(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	attr := r.String()
	value := r.Bytes()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.hdl[handle]
	if !ok {
		return s.respond().Error(3)
	}
	s.nodes[path].attrs[attr] = value
	return s.respond().Success(nil)
}

func (s *testServer) onAttrGet(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	attr := r.String()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.hdl[handle]
	if !ok {
		return s.respond().Error(3)
	}
	value, ok := s.nodes[path].attrs[attr]
	if !ok {
		return s.respond().Error(4)
	}
	return s.respond().Success(wire.AppendBytes(nil, value))
}

func (s *testServer) onLock(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	_ = LockMode(r.Uint32())
	tryLock := r.Bool()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.hdl[handle]
	if !ok {
		return s.respond().Error(3)
	}
	n := s.nodes[path]
	if n.locked {
		if tryLock {
			return s.respond().Error(5)
		}
		return s.respond().Error(5)
	}
	n.locked = true
	out := []byte{byte(LockGranted)}
	out = wire.AppendFixed64(out, 1)
	return s.respond().Success(out)
}

func (s *testServer) onRelease(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	if r.Complete() != nil {
		return s.respond().Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.hdl[handle]
	if !ok {
		return s.respond().Error(3)
	}
	s.nodes[path].locked = false
	return s.respond().Success(nil)
}

func (s *testServer) handleUDP(ev comm.Event) {
	if ev.Type != comm.EventMessage {
		return
	}
	if Command(ev.Header.Command) != CmdKeepalive {
		return
	}
	s.mu.Lock()
	drop := s.dropUDP
	s.mu.Unlock()
	if drop {
		return
	}

	r := wire.NewReader(ev.Payload)
	sessionID := r.Uint64()
	_ = r.Uint64()
	_ = r.Bool()
	if r.Complete() != nil {
		return
	}
	s.mu.Lock()
	if sessionID == 0 {
		s.next++
		sessionID = s.next
	}
	s.mu.Unlock()

	buf := wire.AppendFixed64(nil, sessionID)
	buf = wire.AppendFixed32(buf, 0)
	buf = wire.AppendFixed32(buf, 0)
	_ = s.c.SendDatagram(s.addr, ev.Addr, uint64(CmdKeepalive), true, buf)
}

// noopCallback discards every liveness transition.
type noopCallback struct{}

func (noopCallback) StateTransition(ObservedState) {}
func (noopCallback) Expired()                      {}

// recordingCallback records liveness transitions and expirations for
// assertions.
type recordingCallback struct {
	mu        sync.Mutex
	states    []ObservedState
	expired   chan struct{}
	expiredCh sync.Once
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{expired: make(chan struct{})}
}

func (r *recordingCallback) StateTransition(s ObservedState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingCallback) Expired() {
	r.expiredCh.Do(func() { close(r.expired) })
}

func (r *recordingCallback) snapshot() []ObservedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ObservedState, len(r.states))
	copy(out, r.states)
	return out
}

var sharedCommOnce sync.Once
var sharedComm *comm.Comm

// testComm returns the process-wide Comm instance, initializing it on
// first use. comm.Initialize is idempotent, so every test in this
// package shares one Comm and is free to Listen/Connect on whatever
// addresses it picks.
func testComm(t *testing.T) *comm.Comm {
	t.Helper()
	sharedCommOnce.Do(func() {
		sharedComm = comm.Initialize(comm.WithLogger(comm.NewBasicLogger(comm.LogLevelNone)), comm.ReactorCount(2))
	})
	return sharedComm
}

func loopbackAddr(t *testing.T) comm.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind loopback: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return comm.HostPort("127.0.0.1", port)
}

func waitForState(t *testing.T, cl *Client, want SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cl.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, cl.State())
}

// TestHandshakeAndOps exercises handshake plus the core node operations
// against a real loopback server: session establishment, node creation,
// attribute round trip, lock/release.
func TestHandshakeAndOps(t *testing.T) {
	c := testComm(t)
	addr := loopbackAddr(t)

	srv := newTestServer(c, addr)
	if err := c.Listen(addr, comm.DispatchHandlerFunc(srv.handleTCP)); err != nil {
		t.Fatalf("listen: %v", err)
	}
	udpLocal, err := c.CreateDatagramReceiveSocket(addr, comm.DispatchHandlerFunc(srv.handleUDP))
	if err != nil {
		t.Fatalf("create_datagram_receive_socket: %v", err)
	}
	srv.addr = udpLocal

	cl, err := NewClient(c, addr, "session_test", noopCallback{}, RequestTimeout(2*time.Second), RetryInterval(200*time.Millisecond))
	if err != nil {
		t.Fatalf("new_client: %v", err)
	}
	defer cl.Stop()

	waitForState(t, cl, StateConnected, 2*time.Second)

	if err := cl.Mkdir("/a", true); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	exists, err := cl.Exists("/a")
	if err != nil || !exists {
		t.Fatalf("exists(/a) = %v, %v; want true, nil", exists, err)
	}

	h, err := cl.Open("/a", OpenRead|OpenWrite|OpenCreate, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Path != "/a" {
		t.Fatalf("handle path = %q, want /a", h.Path)
	}

	if err := cl.AttrSet(h, "color", []byte("blue")); err != nil {
		t.Fatalf("attrset: %v", err)
	}
	val, err := cl.AttrGet(h, "color")
	if err != nil {
		t.Fatalf("attrget: %v", err)
	}
	if string(val) != "blue" {
		t.Fatalf("attrget = %q, want %q", val, "blue")
	}

	status, gen, err := cl.Lock(h, LockExclusive, true)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if status != LockGranted {
		t.Fatalf("lock status = %v, want LockGranted", status)
	}
	if gen == 0 {
		t.Fatalf("lock generation = 0, want nonzero")
	}
	if err := cl.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := cl.Close(h); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := cl.Status(); err != nil {
		t.Fatalf("status: %v", err)
	}
}

// TestSessionExpiry drives the lease state machine: once keep-alive
// datagrams go unanswered, the client observes JEOPARDY then EXPIRED,
// and a subsequent call fails immediately with ErrSessionExpired rather
// than attempting the network.
func TestSessionExpiry(t *testing.T) {
	c := testComm(t)
	addr := loopbackAddr(t)

	srv := newTestServer(c, addr)
	if err := c.Listen(addr, comm.DispatchHandlerFunc(srv.handleTCP)); err != nil {
		t.Fatalf("listen: %v", err)
	}
	udpLocal, err := c.CreateDatagramReceiveSocket(addr, comm.DispatchHandlerFunc(srv.handleUDP))
	if err != nil {
		t.Fatalf("create_datagram_receive_socket: %v", err)
	}
	srv.addr = udpLocal

	cb := newRecordingCallback()
	cl, err := NewClient(c, addr, "session_test", cb,
		RequestTimeout(time.Second),
		KeepaliveInterval(50*time.Millisecond),
		GracePeriod(150*time.Millisecond),
		LeaseDuration(300*time.Millisecond),
		RetryInterval(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new_client: %v", err)
	}
	defer cl.Stop()

	waitForState(t, cl, StateConnected, 2*time.Second)

	srv.mu.Lock()
	srv.dropUDP = true
	srv.mu.Unlock()

	select {
	case <-cb.expired:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never observed EXPIRED; transitions so far: %v", cb.snapshot())
	}

	if cl.Observed() != ObservedExpired {
		t.Fatalf("observed = %s, want EXPIRED", cl.Observed())
	}

	if _, err := cl.Open("/never", OpenRead, 0, nil); err != ErrSessionExpired {
		t.Fatalf("open after expiry = %v, want ErrSessionExpired", err)
	}

	states := cb.snapshot()
	sawJeopardy := false
	for _, s := range states {
		if s == ObservedJeopardy {
			sawJeopardy = true
		}
	}
	if !sawJeopardy {
		t.Fatalf("never observed JEOPARDY before EXPIRED; transitions: %v", states)
	}
}
