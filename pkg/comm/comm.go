package comm

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ridgewayio/commcore/pkg/wire"
)

var (
	initMu   sync.Mutex
	instance *Comm
)

// Initialize constructs the process-wide Comm singleton. It must be
// called before Get is used; calling it twice returns the existing
// instance unchanged.
func Initialize(opts ...Opt) *Comm {
	initMu.Lock()
	defer initMu.Unlock()
	if instance != nil {
		return instance
	}
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	instance = &Comm{
		cfg:      c,
		pool:     newReactorPool(c.reactorCount, 256, c.logger),
		handlers: newHandlerMap(),
		appQueue: newAppQueue(c.appQueueWorkers),
		udp:      make(map[string]*connUDP),
		ln:       make(map[string]*listenerTCP),
	}
	return instance
}

// Get returns the process singleton, or nil if Initialize has not run.
func Get() *Comm {
	initMu.Lock()
	defer initMu.Unlock()
	return instance
}

// resetForTest tears down and clears the singleton; it exists only for
// package tests that need a clean Comm per test case.
func resetForTest() {
	initMu.Lock()
	c := instance
	instance = nil
	initMu.Unlock()
	if c != nil {
		c.Shutdown()
	}
}

// Comm is the process-wide messaging facade: connection setup,
// request/response messaging, datagram sockets, and timers, all built on
// the reactor pool and handler map underneath.
type Comm struct {
	cfg      cfg
	pool     *reactorPool
	handlers *handlerMap
	appQueue *appQueue

	udpMu sync.Mutex
	udp   map[string]*connUDP

	lnMu sync.Mutex
	ln   map[string]*listenerTCP
}

// Shutdown closes every connection and listener and stops the reactor
// pool. It is not safe to use the Comm after Shutdown returns.
func (c *Comm) Shutdown() {
	c.lnMu.Lock()
	for _, l := range c.ln {
		l.close()
	}
	c.lnMu.Unlock()

	c.udpMu.Lock()
	for _, u := range c.udp {
		u.close()
	}
	c.udpMu.Unlock()

	for _, h := range c.handlers.snapshot() {
		h.close()
	}

	c.appQueue.join()
	c.pool.stop()
}

// Connect dials addr over TCP and registers handler as the default
// handler for CONNECTION_ESTABLISHED/unsolicited-MESSAGE/DISCONNECT
// events on the resulting connection.
func (c *Comm) Connect(addr Address, handler DispatchHandler) error {
	return c.ConnectLocal(addr, Address{}, handler)
}

// ConnectLocal is Connect with an explicit local bind address. Proxy-name
// addresses are resolved through the proxy map before dialing; a name with
// no binding fails with INVALID_PROXY. A second connect to an address that
// already has a live handler fails with ALREADY_CONNECTED and leaves the
// original untouched.
func (c *Comm) ConnectLocal(addr, localAddr Address, handler DispatchHandler) error {
	dial := addr
	if addr.IsProxy() {
		concrete, ok := c.handlers.resolveProxyAddr(addr.Proxy)
		if !ok {
			return newErr(ErrCodeInvalidProxy, addr.Proxy)
		}
		dial = concrete
	}
	if _, exists := c.handlers.lookup(dial); exists {
		return newErr(ErrCodeAlreadyConnected, dial.String())
	}

	tcpAddr, err := dial.resolveTCP()
	if err != nil {
		return err
	}
	var localTCP *net.TCPAddr
	if !localAddr.IsZero() {
		localTCP, err = localAddr.resolveTCP()
		if err != nil {
			return err
		}
	}

	dialer := net.Dialer{Timeout: c.cfg.connectTimeout, LocalAddr: localTCP}
	conn, err := dialer.Dial("tcp", tcpAddr.String())
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return newErr(ErrCodeConnectTimeout, err.Error())
		}
		return newErr(ErrCodeConnectError, err.Error())
	}
	c.applyTCPBuffers(conn)

	local := tcpAddrToAddress(conn.LocalAddr().(*net.TCPAddr))
	remote := tcpAddrToAddress(conn.RemoteAddr().(*net.TCPAddr))
	reactor := c.pool.assign()

	h := newConnTCP(connTCPConfig{
		conn:           conn,
		local:          local,
		remote:         remote,
		reactor:        reactor,
		timers:         c.pool.timer,
		logger:         c.cfg.logger,
		handlers:       c.handlers,
		defaultHandler: handler,
		appQueue:       c.appQueue,
		onClose:        func() { c.handlers.remove(remote) },
	})
	c.handlers.insert(remote, h)
	if addr.IsProxy() {
		c.handlers.setAlias(addr.Proxy, remote)
	}

	reactor.submit(func() {
		handler.Handle(Event{Type: EventConnectionEstablished, Addr: remote, LocalAddr: local})
	})
	return nil
}

// applyTCPBuffers applies the TCPBufferSizes option to one socket. Zero
// values leave the platform defaults in place.
func (c *Comm) applyTCPBuffers(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if c.cfg.tcpSendBufBytes > 0 {
		tcp.SetWriteBuffer(c.cfg.tcpSendBufBytes)
	}
	if c.cfg.tcpRecvBufBytes > 0 {
		tcp.SetReadBuffer(c.cfg.tcpRecvBufBytes)
	}
}

// Listen opens a TCP listener on addr, delivering CONNECTION_ESTABLISHED
// and subsequent events for accepted connections to handler.
func (c *Comm) Listen(addr Address, handler DispatchHandler) error {
	tcpAddr, err := addr.resolveTCP()
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return newErr(ErrCodeBindError, err.Error())
	}
	local := tcpAddrToAddress(ln.Addr().(*net.TCPAddr))

	l := newListenerTCP(listenerTCPConfig{
		ln:             ln,
		local:          local,
		pool:           c.pool,
		handlers:       c.handlers,
		logger:         c.cfg.logger,
		defaultHandler: handler,
		appQueue:       c.appQueue,
		sendBufBytes:   c.cfg.tcpSendBufBytes,
		recvBufBytes:   c.cfg.tcpRecvBufBytes,
	})
	c.lnMu.Lock()
	c.ln[local.Key()] = l
	c.lnMu.Unlock()
	return nil
}

// SendRequest writes msg to addr as a REQUEST frame carrying the given
// service-defined command opcode, and arranges for responseHandler to
// receive exactly one of: the matching response, a REQUEST_TIMEOUT
// error, or a BROKEN_CONNECTION error if the connection dies first (both
// errors arrive as MESSAGE events with Error set); exactly one of the
// three reaches it, exactly once. A zero timeout means no timeout: the
// request stays pending until a response or disconnect, however long that
// takes. urgent sets the URGENT flag, a scheduling hint for the
// application queue on the peer with no effect on wire ordering.
func (c *Comm) SendRequest(addr Address, groupID uint32, command uint64, urgent bool, timeout time.Duration, msg []byte, responseHandler DispatchHandler) error {
	h, ok := c.handlers.lookup(addr)
	if !ok {
		return newErr(ErrCodeNotConnected, addr.String())
	}
	cxn, ok := h.(*connTCP)
	if !ok {
		return newErr(ErrCodeNotConnected, "address is not a TCP connection")
	}

	id := cxn.reqs.allocID()
	flags := wire.FlagRequest
	if urgent {
		flags |= wire.FlagUrgent
	}
	hdr := wire.Header{
		Version:   wire.ProtocolVersion,
		HeaderLen: wire.HeaderLen,
		Flags:     flags,
		ID:        id,
		GroupID:   groupID,
		TimeoutMs: uint32(timeout / time.Millisecond),
		Command:   command,
	}
	frame := wire.NewBuilder(hdr, len(msg)).AppendRaw(msg).Finalize(true)
	return cxn.sendRequest(id, frame, responseHandler, timeout)
}

// SendResponse writes msg back to addr carrying the same request ID as
// the REQUEST event being answered. command is normally the same opcode
// the request carried; callers typically pass ev.Header.Command straight
// through.
func (c *Comm) SendResponse(addr Address, requestID uint32, command uint64, msg []byte) error {
	h, ok := c.handlers.lookup(addr)
	if !ok {
		return newErr(ErrCodeNotConnected, addr.String())
	}
	hdr := wire.Header{
		Version:   wire.ProtocolVersion,
		HeaderLen: wire.HeaderLen,
		ID:        requestID,
		Command:   command,
	}
	frame := wire.NewBuilder(hdr, len(msg)).AppendRaw(msg).Finalize(true)
	return h.send(frame)
}

// CloseSocket tears down the connection registered at addr, if any.
func (c *Comm) CloseSocket(addr Address) error {
	h, ok := c.handlers.lookup(addr)
	if !ok {
		return newErr(ErrCodeNotConnected, addr.String())
	}
	if cxn, ok := h.(*connTCP); ok {
		cxn.close()
		return nil
	}
	return newErr(ErrCodeNotConnected, "address is not a closable TCP connection")
}

// SetTimer arranges for handler to receive exactly one TIMER event after
// d elapses.
func (c *Comm) SetTimer(d time.Duration, handler DispatchHandler) {
	c.pool.timer.set(d, handler)
}

// SetTimerAbsolute is SetTimer with an absolute deadline.
func (c *Comm) SetTimerAbsolute(deadline time.Time, handler DispatchHandler) {
	c.pool.timer.setAbsolute(deadline, handler)
}

// CancelTimer cancels every timer registered against handler that has
// not yet fired. Timers already mid-dispatch run to completion. Only
// handlers whose dynamic type is comparable are indexed by handler; for
// any other handler (such as a DispatchHandlerFunc) CancelTimer does
// nothing and its timers still fire.
func (c *Comm) CancelTimer(handler DispatchHandler) {
	c.pool.timer.cancelAll(handler)
}

// SetAlias binds proxy to the connection currently registered at addr
// — for servers that bind one address but are reached via another.
func (c *Comm) SetAlias(proxy string, addr Address) bool {
	return c.handlers.setAlias(proxy, addr)
}

// AddProxy records a logical-name -> concrete-address mapping, as learned
// from a PROXY_MAP_UPDATE broadcast.
func (c *Comm) AddProxy(name string, addr Address) {
	c.handlers.addProxy(name, addr)
}

// GetProxyMap returns a snapshot of the current proxy map.
func (c *Comm) GetProxyMap() map[string]Address {
	return c.handlers.getProxyMap()
}

// MarkProxyMapLoaded flips the proxy map into its loaded state, waking
// every blocked WaitForProxyLoad caller.
func (c *Comm) MarkProxyMapLoaded() {
	c.handlers.markProxyMapLoaded()
}

// WaitForProxyLoad blocks until the proxy map is loaded or timeout
// elapses. A timeout simply returns false with no other side effect.
func (c *Comm) WaitForProxyLoad(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	return c.handlers.waitForProxyLoad(t.C)
}

// CreateDatagramReceiveSocket opens a UDP socket bound to addr, delivering
// every received datagram to handler as a MESSAGE event.
// The returned Address is the concrete bound local address, useful when
// addr.Port is 0.
func (c *Comm) CreateDatagramReceiveSocket(addr Address, handler DispatchHandler) (Address, error) {
	udpAddr, err := addr.resolveUDP()
	if err != nil {
		return Address{}, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return Address{}, newErr(ErrCodeBindError, err.Error())
	}
	local := Address{Host: conn.LocalAddr().(*net.UDPAddr).IP.String(), Port: uint16(conn.LocalAddr().(*net.UDPAddr).Port)}

	u := newConnUDP(connUDPConfig{
		conn:           conn,
		local:          local,
		reactor:        c.pool.assign(),
		logger:         c.cfg.logger,
		defaultHandler: handler,
	})
	c.udpMu.Lock()
	c.udp[local.Key()] = u
	c.udpMu.Unlock()
	return local, nil
}

// SendDatagram writes msg as a single UDP datagram from the socket bound
// at localAddr to dest, carrying the given
// service-defined command opcode. urgent sets FLAGS_BIT_URGENT (the
// coordination client's keep-alive datagrams always do).
func (c *Comm) SendDatagram(localAddr, dest Address, command uint64, urgent bool, msg []byte) error {
	c.udpMu.Lock()
	u, ok := c.udp[localAddr.Key()]
	c.udpMu.Unlock()
	if !ok {
		return newErr(ErrCodeNotConnected, "no datagram socket bound at "+localAddr.String())
	}
	flags := wire.Flags(0)
	if urgent {
		flags |= wire.FlagUrgent
	}
	hdr := wire.Header{Version: wire.ProtocolVersion, HeaderLen: wire.HeaderLen, Flags: flags, Command: command}
	frame := wire.NewBuilder(hdr, len(msg)).AppendRaw(msg).Finalize(true)
	return u.sendTo(dest, frame)
}

// portSearchWindow is how many consecutive ports the FindAvailable*Port
// helpers probe before giving up.
const portSearchWindow = 15

// FindAvailableTCPPort probes ports addr.Port through addr.Port+14
// inclusive, updating addr.Port to the first one that binds. Exhausting
// the whole window is treated as a programmer error and panics. There is
// an inherent TOCTOU race between
// the probe and the caller's own bind.
func FindAvailableTCPPort(addr *Address) {
	for i := 0; i < portSearchWindow; i++ {
		port := addr.Port + uint16(i)
		ln, err := net.Listen("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(int(port))))
		if err != nil {
			continue
		}
		ln.Close()
		addr.Port = port
		return
	}
	panic(fmt.Sprintf("comm: no available TCP port in [%d, %d] on %s",
		addr.Port, addr.Port+portSearchWindow-1, addr.Host))
}

// FindAvailableUDPPort is FindAvailableTCPPort for UDP sockets.
func FindAvailableUDPPort(addr *Address) {
	for i := 0; i < portSearchWindow; i++ {
		port := addr.Port + uint16(i)
		conn, err := net.ListenPacket("udp", net.JoinHostPort(addr.Host, strconv.Itoa(int(port))))
		if err != nil {
			continue
		}
		conn.Close()
		addr.Port = port
		return
	}
	panic(fmt.Sprintf("comm: no available UDP port in [%d, %d] on %s",
		addr.Port, addr.Port+portSearchWindow-1, addr.Host))
}

// DefaultRequestTimeout returns the timeout configured via
// DefaultRequestTimeout at Initialize time, for callers (such as the
// coordination client) that want a non-zero default without hardcoding
// one of their own.
func (c *Comm) DefaultRequestTimeout() time.Duration { return c.cfg.defaultReqTimeout }

func tcpAddrToAddress(a *net.TCPAddr) Address {
	return Address{Host: a.IP.String(), Port: uint16(a.Port)}
}
