package comm

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ridgewayio/commcore/pkg/wire"
	"github.com/twmb/go-rbtree"
)

// connTCP is the data handler for one established TCP connection. Reads
// happen on a dedicated per-connection goroutine; inbound REQUEST frames
// go to the application queue, and every other callback into user code
// is handed off to the connection's assigned reactor so those handlers
// for a given connection never run concurrently with each other.
type connTCP struct {
	conn   net.Conn
	local  Address
	remote Address

	reactor *reactor
	timers  *timerReactor
	logger  Logger

	// handlers is the process handler map, consulted only to fold inbound
	// PROXY_MAP_UPDATE frames into the shared proxy map.
	handlers *handlerMap

	// appQueue is where inbound REQUEST frames are dispatched, so a
	// blocking request handler cannot stall this connection's reactor.
	// Responses to our own outbound requests still complete on the
	// owning reactor directly.
	appQueue *appQueue

	// defaultHandler receives CONNECTION_ESTABLISHED, unsolicited/request
	// MESSAGE events, and DISCONNECT. It is the handler passed to
	// Connect/Listen.
	defaultHandler DispatchHandler

	reqs *requestTable

	writeCh chan []byte

	// deadFlag is flipped exactly once by close(); dieMu guards sends to
	// writeCh racing against that close.
	deadFlag int32
	dieMu    sync.RWMutex

	closeOnce sync.Once
	onClose   func()
}

type connTCPConfig struct {
	conn           net.Conn
	local, remote  Address
	reactor        *reactor
	timers         *timerReactor
	logger         Logger
	handlers       *handlerMap
	appQueue       *appQueue
	defaultHandler DispatchHandler
	sendQueueDepth int
	onClose        func()
}

func newConnTCP(c connTCPConfig) *connTCP {
	depth := c.sendQueueDepth
	if depth <= 0 {
		depth = 64
	}
	h := &connTCP{
		conn:           c.conn,
		local:          c.local,
		remote:         c.remote,
		reactor:        c.reactor,
		timers:         c.timers,
		logger:         c.logger,
		handlers:       c.handlers,
		appQueue:       c.appQueue,
		defaultHandler: c.defaultHandler,
		reqs:           newRequestTable(),
		writeCh:        make(chan []byte, depth),
		onClose:        c.onClose,
	}
	go h.writeLoop()
	go h.readLoop()
	return h
}

func (h *connTCP) LocalAddr() Address  { return h.local }
func (h *connTCP) RemoteAddr() Address { return h.remote }
func (h *connTCP) dead() bool { return atomic.LoadInt32(&h.deadFlag) == 1 }

// send enqueues frame for the write goroutine. Frames are delivered in
// the order send is called, serialized through writeCh.
func (h *connTCP) send(frame []byte) error {
	h.dieMu.RLock()
	defer h.dieMu.RUnlock()
	if h.dead() {
		return newErr(ErrCodeBrokenConnection, "connection closed")
	}
	select {
	case h.writeCh <- frame:
		return nil
	default:
		return newErr(ErrCodeBrokenConnection, "send queue full")
	}
}

// sendRequest arms timeout (unless timeout is zero, which means no
// timeout: the request stays pending until response or disconnect) and
// registers handler before the frame for id is written, so a response
// racing the write can never be missed.
func (h *connTCP) sendRequest(id uint32, frame []byte, handler DispatchHandler, timeout time.Duration) error {
	var timerNode *rbtree.Node
	if timeout > 0 {
		timerNode = h.timers.set(timeout, DispatchHandlerFunc(func(ev Event) {
			h.expireRequest(id)
		}))
	}
	h.reqs.add(id, handler, timerNode)
	if err := h.send(frame); err != nil {
		if pr, ok := h.reqs.take(id); ok {
			h.timers.cancelOne(pr.timerNode)
		}
		return err
	}
	return nil
}

func (h *connTCP) expireRequest(id uint32) {
	pr, ok := h.reqs.take(id)
	if !ok {
		return
	}
	// The timeout is surfaced as a synthetic MESSAGE event carrying the
	// error code, arriving exactly where a matched response would.
	h.reactor.submit(func() {
		pr.handler.Handle(Event{Type: EventMessage, Addr: h.remote, Error: ErrCodeRequestTimeout})
	})
}

func (h *connTCP) writeLoop() {
	for frame := range h.writeCh {
		if _, err := h.conn.Write(frame); err != nil {
			h.close()
			return
		}
	}
}

func (h *connTCP) readLoop() {
	defer h.close()

	hdrBuf := make([]byte, wire.HeaderLen)
	for {
		if _, err := io.ReadFull(h.conn, hdrBuf); err != nil {
			return
		}
		hdr, checksumOK := wire.Decode(hdrBuf)
		if !checksumOK || !hdr.Valid() {
			h.logger.Log(LogLevelWarn, "malformed header, closing connection", "addr", h.remote.String())
			return
		}

		payloadLen := hdr.PayloadLen()
		var payload []byte
		if payloadLen > 0 {
			payload = make([]byte, payloadLen)
			if _, err := io.ReadFull(h.conn, payload); err != nil {
				return
			}
		}

		if hdr.Flags.Has(wire.FlagPayloadChecksum) && payloadLen > 0 {
			if wire.Fletcher32(payload) != hdr.PayloadChecksum {
				h.logger.Log(LogLevelWarn, "payload checksum mismatch, closing connection", "addr", h.remote.String())
				return
			}
		}

		if hdr.Flags.Has(wire.FlagPayloadCompressed) {
			decoded, err := wire.Decompress(payload)
			if err != nil {
				h.logger.Log(LogLevelWarn, "payload decompress failed, closing connection", "addr", h.remote.String())
				return
			}
			payload = decoded
		}

		h.dispatchInbound(hdr, payload)
	}
}

func (h *connTCP) dispatchInbound(hdr wire.Header, payload []byte) {
	if hdr.Flags.Has(wire.FlagProxyMapUpdate) {
		if h.handlers != nil {
			if err := h.handlers.applyProxyMapUpdate(payload); err != nil {
				h.logger.Log(LogLevelWarn, "malformed proxy map update", "addr", h.remote.String(), "err", err.Error())
			}
		}
		return
	}

	if hdr.Flags.Has(wire.FlagRequest) {
		// A server-bound request: pushed onto the application queue so a
		// handler that blocks cannot stall this connection's reactor, with
		// per-group FIFO and the urgent lane applied.
		ev := Event{Type: EventMessage, Addr: h.remote, LocalAddr: h.local, Header: hdr, Payload: payload}
		job := AppHandlerFunc(func() { h.defaultHandler.Handle(ev) })
		var err error
		if hdr.Flags.Has(wire.FlagUrgent) {
			err = h.appQueue.addUrgent(hdr.GroupID, job)
		} else {
			err = h.appQueue.add(hdr.GroupID, job)
		}
		if err != nil {
			h.logger.Log(LogLevelWarn, "application queue rejected request", "addr", h.remote.String(), "err", err.Error())
		}
		return
	}

	// A response: match it to the pending request by ID.
	pr, ok := h.reqs.take(hdr.ID)
	if !ok {
		// Already timed out, or a response to a request this process
		// never made; dropped silently.
		return
	}
	h.timers.cancelOne(pr.timerNode)
	ev := Event{Type: EventMessage, Addr: h.remote, LocalAddr: h.local, Header: hdr, Payload: payload}
	h.reactor.submit(func() { pr.handler.Handle(ev) })
}

func (h *connTCP) close() {
	h.closeOnce.Do(func() {
		atomic.StoreInt32(&h.deadFlag, 1)
		h.conn.Close()

		h.dieMu.Lock()
		close(h.writeCh)
		h.dieMu.Unlock()

		pending := h.reqs.drain()
		for _, pr := range pending {
			h.timers.cancelOne(pr.timerNode)
			pr := pr
			h.reactor.submit(func() {
				pr.handler.Handle(Event{Type: EventMessage, Addr: h.remote, Error: ErrCodeBrokenConnection})
			})
		}
		h.reactor.submit(func() {
			h.defaultHandler.Handle(Event{Type: EventDisconnect, Addr: h.remote, LocalAddr: h.local})
		})

		if h.onClose != nil {
			h.onClose()
		}
	})
}
