package comm

import (
	"net"
	"testing"
	"time"
)

func newTestComm(t *testing.T) *Comm {
	t.Helper()
	resetForTest()
	c := Initialize(WithLogger(nopLogger{}), ReactorCount(2), AppQueueWorkers(4))
	t.Cleanup(func() { resetForTest() })
	return c
}

func bindLoopback(t *testing.T) Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind loopback: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return HostPort("127.0.0.1", port)
}

// TestEchoRoundTrip sends one request through a live loopback echo
// server and checks the matched response arrives intact.
func TestEchoRoundTrip(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	echo := DispatchHandlerFunc(func(ev Event) {
		if ev.Type != EventMessage {
			return
		}
		if err := c.SendResponse(ev.Addr, ev.Header.ID, ev.Header.Command, ev.Payload); err != nil {
			t.Errorf("send_response: %v", err)
		}
	})
	if err := c.Listen(addr, echo); err != nil {
		t.Fatalf("listen: %v", err)
	}

	connSync, connCh := NewSynchronizer()
	if err := c.Connect(addr, connSync); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ev := <-connCh; ev.Type != EventConnectionEstablished {
		t.Fatalf("got %s, want CONNECTION_ESTABLISHED", ev.Type)
	}

	respSync, respCh := NewSynchronizer()
	if err := c.SendRequest(addr, 0, 1, false, 2*time.Second, []byte("hello"), respSync); err != nil {
		t.Fatalf("send_request: %v", err)
	}

	select {
	case ev := <-respCh:
		if ev.Error != ErrCodeOK {
			t.Fatalf("event error = %s, want OK", ev.Error)
		}
		if string(ev.Payload) != "hello" {
			t.Fatalf("payload = %q, want %q", ev.Payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo response")
	}
}

// TestRequestTimeout checks that a handler that never responds
// drives the request to REQUEST_TIMEOUT within its configured window, and a
// late response for the same id is dropped silently rather than delivered
// a second time.
func TestRequestTimeout(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	lateCh := make(chan struct {
		addr Address
		id   uint32
		cmd  uint64
	}, 1)

	stall := DispatchHandlerFunc(func(ev Event) {
		if ev.Type != EventMessage {
			return
		}
		lateCh <- struct {
			addr Address
			id   uint32
			cmd  uint64
		}{ev.Addr, ev.Header.ID, ev.Header.Command}
	})
	if err := c.Listen(addr, stall); err != nil {
		t.Fatalf("listen: %v", err)
	}

	connSync, connCh := NewSynchronizer()
	if err := c.Connect(addr, connSync); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connCh

	respSync, respCh := NewSynchronizer()
	start := time.Now()
	if err := c.SendRequest(addr, 0, 1, false, 500*time.Millisecond, []byte("x"), respSync); err != nil {
		t.Fatalf("send_request: %v", err)
	}

	var ev Event
	select {
	case ev = <-respCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for REQUEST_TIMEOUT")
	}
	elapsed := time.Since(start)
	if ev.Error != ErrCodeRequestTimeout {
		t.Fatalf("event error = %s, want REQUEST_TIMEOUT", ev.Error)
	}
	if elapsed < 500*time.Millisecond || elapsed > 700*time.Millisecond {
		t.Fatalf("timeout fired after %v, want 500-700ms", elapsed)
	}

	// A late response for the now-expired id must be dropped silently: it
	// must not reach respSync a second time.
	req := <-lateCh
	if err := c.SendResponse(req.addr, req.id, req.cmd, []byte("late")); err != nil {
		t.Fatalf("send_response: %v", err)
	}
	select {
	case <-respCh:
		t.Fatal("late response should not have been delivered a second time")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestClosePurgesRequests checks that closing a socket fails every
// outstanding request exactly once and delivers exactly one DISCONNECT
// to the default handler.
func TestClosePurgesRequests(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	hold := DispatchHandlerFunc(func(Event) {}) // server never responds
	if err := c.Listen(addr, hold); err != nil {
		t.Fatalf("listen: %v", err)
	}

	defaultCh := make(chan Event, 4)
	connSync, connCh := NewSynchronizer()
	if err := c.Connect(addr, DispatchHandlerFunc(func(ev Event) {
		if ev.Type == EventConnectionEstablished {
			connSync.Handle(ev)
			return
		}
		defaultCh <- ev
	})); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connCh

	results := make(chan Event, 3)
	handler := DispatchHandlerFunc(func(ev Event) { results <- ev })
	for i := 0; i < 3; i++ {
		if err := c.SendRequest(addr, 0, 1, false, 10*time.Second, []byte("x"), handler); err != nil {
			t.Fatalf("send_request %d: %v", i, err)
		}
	}

	if err := c.CloseSocket(addr); err != nil {
		t.Fatalf("close_socket: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-results:
			if ev.Error != ErrCodeBrokenConnection {
				t.Fatalf("request %d error = %s, want BROKEN_CONNECTION", i, ev.Error)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("request %d: timed out waiting for BROKEN_CONNECTION", i)
		}
	}

	select {
	case ev := <-defaultCh:
		if ev.Type != EventDisconnect {
			t.Fatalf("default handler got %s, want DISCONNECT", ev.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for DISCONNECT on default handler")
	}

	select {
	case ev := <-defaultCh:
		t.Fatalf("unexpected extra event on default handler: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestPerGroupFIFO checks that requests sharing a gid serialize
// against each other while different groups proceed concurrently.
func TestPerGroupFIFO(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	server := DispatchHandlerFunc(func(ev Event) {
		if ev.Type != EventMessage {
			return
		}
		time.Sleep(100 * time.Millisecond)
		c.SendResponse(ev.Addr, ev.Header.ID, ev.Header.Command, nil)
	})
	if err := c.Listen(addr, server); err != nil {
		t.Fatalf("listen: %v", err)
	}

	connSync, connCh := NewSynchronizer()
	if err := c.Connect(addr, connSync); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connCh

	const perGroup = 5
	done := make(chan struct{}, perGroup*2)
	handler := DispatchHandlerFunc(func(Event) { done <- struct{}{} })

	start := time.Now()
	for _, gid := range []uint32{7, 8} {
		for i := 0; i < perGroup; i++ {
			if err := c.SendRequest(addr, gid, 1, false, 5*time.Second, nil, handler); err != nil {
				t.Fatalf("send_request: %v", err)
			}
		}
	}

	for i := 0; i < perGroup*2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d requests completed", i, perGroup*2)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 500*time.Millisecond {
		t.Fatalf("completed in %v, want >= 500ms (groups must serialize)", elapsed)
	}
	if elapsed > 900*time.Millisecond {
		t.Fatalf("completed in %v, want groups to overlap across gids", elapsed)
	}
}

// TestConnectionManagerReconnect checks that a managed address
// with no server running stays disconnected, connects within the retry
// interval once a server appears, and goes back to blocking after the
// server dies.
func TestConnectionManagerReconnect(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	events := make(chan Event, 8)
	mgr := NewConnectionManager(c)
	defer mgr.Shutdown()
	mgr.Add(addr, 200*time.Millisecond, "svc", DispatchHandlerFunc(func(ev Event) { events <- ev }))

	if mgr.WaitForConnection(addr, 300*time.Millisecond) {
		t.Fatal("wait_for_connection succeeded with no server running")
	}

	ln, err := net.Listen("tcp", addr.Key())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	if !mgr.WaitForConnection(addr, 2*time.Second) {
		t.Fatal("wait_for_connection never succeeded after server start")
	}
	select {
	case ev := <-events:
		if ev.Type != EventConnectionEstablished {
			t.Fatalf("user handler got %s, want CONNECTION_ESTABLISHED", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CONNECTION_ESTABLISHED on user handler")
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the managed connection")
	}
	ln.Close()
	conn.Close()

	select {
	case ev := <-events:
		if ev.Type != EventDisconnect {
			t.Fatalf("user handler got %s, want DISCONNECT", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DISCONNECT on user handler")
	}

	if mgr.WaitForConnection(addr, 300*time.Millisecond) {
		t.Fatal("wait_for_connection should block again after the server died")
	}
}

// TestConnectionManagerAddIsIdempotent checks that a second Add
// for the same address neither opens a new socket nor perturbs the first.
func TestConnectionManagerAddIsIdempotent(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	ln, err := net.Listen("tcp", addr.Key())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	mgr := NewConnectionManager(c)
	defer mgr.Shutdown()
	mgr.Add(addr, 200*time.Millisecond, "svc", DispatchHandlerFunc(func(Event) {}))
	if !mgr.WaitForConnection(addr, 2*time.Second) {
		t.Fatal("initial connection never established")
	}
	<-conns

	mgr.Add(addr, 200*time.Millisecond, "svc", DispatchHandlerFunc(func(Event) {}))
	if !mgr.WaitForConnection(addr, 100*time.Millisecond) {
		t.Fatal("duplicate add perturbed the existing connection")
	}
	select {
	case <-conns:
		t.Fatal("duplicate add opened a second socket")
	case <-time.After(300 * time.Millisecond):
	}
}

// TestProxyMapBroadcast drives the PROXY_MAP_UPDATE path end to end: the
// authoritative side broadcasts its bindings, every connected peer folds
// them into its proxy map, and WaitForProxyLoad callers wake.
func TestProxyMapBroadcast(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	if err := c.Listen(addr, DispatchHandlerFunc(func(Event) {})); err != nil {
		t.Fatalf("listen: %v", err)
	}
	connSync, connCh := NewSynchronizer()
	if err := c.Connect(addr, connSync); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connCh

	c.AddProxy("rs1", HostPort("10.0.0.7", 38060))
	if err := c.BroadcastProxyMap(); err != nil {
		t.Fatalf("broadcast_proxy_map: %v", err)
	}
	if !c.WaitForProxyLoad(time.Second) {
		t.Fatal("wait_for_proxy_load never observed the broadcast")
	}

	m := c.GetProxyMap()
	got, ok := m["rs1"]
	if !ok {
		t.Fatal("proxy rs1 missing after broadcast")
	}
	if got.Host != "10.0.0.7" || got.Port != 38060 {
		t.Fatalf("proxy rs1 = %s, want 10.0.0.7:38060", got)
	}
}

// TestWaitForProxyLoadTimesOut pins the open-question decision: expiry of
// the wait is a plain false return with no side effects.
func TestWaitForProxyLoadTimesOut(t *testing.T) {
	c := newTestComm(t)
	if c.WaitForProxyLoad(50 * time.Millisecond) {
		t.Fatal("wait_for_proxy_load returned true with no update ever received")
	}
}

// TestConnectDuplicateAddr checks that a second connect to a live
// address fails with ALREADY_CONNECTED and leaves the original untouched.
func TestConnectDuplicateAddr(t *testing.T) {
	c := newTestComm(t)
	addr := bindLoopback(t)

	if err := c.Listen(addr, DispatchHandlerFunc(func(Event) {})); err != nil {
		t.Fatalf("listen: %v", err)
	}
	connSync, connCh := NewSynchronizer()
	if err := c.Connect(addr, connSync); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connCh

	err := c.Connect(addr, DispatchHandlerFunc(func(Event) {}))
	if CodeOf(err) != ErrCodeAlreadyConnected {
		t.Fatalf("second connect = %v, want ALREADY_CONNECTED", err)
	}

	// The original connection still works.
	respSync, respCh := NewSynchronizer()
	if err := c.SendRequest(addr, 0, 1, false, time.Second, []byte("ping"), respSync); err != nil {
		t.Fatalf("send_request on original connection: %v", err)
	}
	select {
	case ev := <-respCh:
		if ev.Error != ErrCodeRequestTimeout {
			t.Fatalf("event error = %s, want REQUEST_TIMEOUT from the silent server", ev.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("original connection no longer delivers events")
	}
}

// TestFindAvailableTCPPortSkipsBusyPort drives the port search's success
// path: the probe starts at the given port and settles on the first
// bindable one in the 15-port window.
func TestFindAvailableTCPPortSkipsBusyPort(t *testing.T) {
	base := bindLoopback(t)

	busy, err := net.Listen("tcp", base.Key())
	if err != nil {
		t.Fatalf("occupy base port: %v", err)
	}
	defer busy.Close()

	addr := base
	FindAvailableTCPPort(&addr)
	if addr.Port == base.Port {
		t.Fatalf("search returned the occupied base port %d", base.Port)
	}
	if addr.Port < base.Port || addr.Port >= base.Port+15 {
		t.Fatalf("port %d outside search window [%d, %d]", addr.Port, base.Port, base.Port+14)
	}
}
