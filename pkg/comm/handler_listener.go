package comm

import (
	"net"
	"sync/atomic"
)

// listenerTCP runs a TCP accept loop. Each accepted
// connection gets its own connTCP wired to a reactor chosen round-robin
// from the shared pool, and is registered in the handler map under its
// remote address before any data it sent during the handshake window can
// be dispatched.
type listenerTCP struct {
	ln       net.Listener
	local    Address
	pool     *reactorPool
	handlers *handlerMap
	logger   Logger
	appQueue *appQueue

	defaultHandler DispatchHandler
	onAccept       func(remote Address)

	sendBufBytes int
	recvBufBytes int

	deadFlag int32
}

type listenerTCPConfig struct {
	ln             net.Listener
	local          Address
	pool           *reactorPool
	handlers       *handlerMap
	logger         Logger
	appQueue       *appQueue
	defaultHandler DispatchHandler
	onAccept       func(remote Address)
	sendBufBytes   int
	recvBufBytes   int
}

func newListenerTCP(c listenerTCPConfig) *listenerTCP {
	l := &listenerTCP{
		ln:             c.ln,
		local:          c.local,
		pool:           c.pool,
		handlers:       c.handlers,
		logger:         c.logger,
		appQueue:       c.appQueue,
		defaultHandler: c.defaultHandler,
		onAccept:       c.onAccept,
		sendBufBytes:   c.sendBufBytes,
		recvBufBytes:   c.recvBufBytes,
	}
	go l.acceptLoop()
	return l
}

func (l *listenerTCP) close() {
	if atomic.CompareAndSwapInt32(&l.deadFlag, 0, 1) {
		l.ln.Close()
	}
}

func (l *listenerTCP) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&l.deadFlag) == 1 {
				return
			}
			l.logger.Log(LogLevelWarn, "accept failed", "err", err.Error())
			return
		}

		remoteTCP := conn.RemoteAddr().(*net.TCPAddr)
		remote := Address{Host: remoteTCP.IP.String(), Port: uint16(remoteTCP.Port)}
		if tcp, ok := conn.(*net.TCPConn); ok {
			if l.sendBufBytes > 0 {
				tcp.SetWriteBuffer(l.sendBufBytes)
			}
			if l.recvBufBytes > 0 {
				tcp.SetReadBuffer(l.recvBufBytes)
			}
		}
		reactor := l.pool.assign()

		handler := newConnTCP(connTCPConfig{
			conn:           conn,
			local:          l.local,
			remote:         remote,
			reactor:        reactor,
			timers:         l.pool.timer,
			logger:         l.logger,
			handlers:       l.handlers,
			defaultHandler: l.defaultHandler,
			appQueue:       l.appQueue,
			onClose:        func() { l.handlers.remove(remote) },
		})
		l.handlers.insert(remote, handler)

		if l.onAccept != nil {
			l.onAccept(remote)
		}
		reactor.submit(func() {
			l.defaultHandler.Handle(Event{Type: EventConnectionEstablished, Addr: remote, LocalAddr: l.local})
		})
	}
}
