package comm

import (
	"net"
	"sync/atomic"

	"github.com/ridgewayio/commcore/pkg/wire"
)

// connUDP is the data handler for a UDP socket. Unlike TCP,
// there is no framing loop: each datagram is exactly one message, with no
// ordering or delivery guarantee beyond what the kernel gives us.
type connUDP struct {
	conn   *net.UDPConn
	local  Address
	reactor *reactor
	logger Logger

	defaultHandler DispatchHandler

	deadFlag int32
}

type connUDPConfig struct {
	conn           *net.UDPConn
	local          Address
	reactor        *reactor
	logger         Logger
	defaultHandler DispatchHandler
}

func newConnUDP(c connUDPConfig) *connUDP {
	h := &connUDP{
		conn:           c.conn,
		local:          c.local,
		reactor:        c.reactor,
		logger:         c.logger,
		defaultHandler: c.defaultHandler,
	}
	go h.readLoop()
	return h
}

func (h *connUDP) LocalAddr() Address  { return h.local }
func (h *connUDP) RemoteAddr() Address { return Address{} }
func (h *connUDP) dead() bool          { return atomic.LoadInt32(&h.deadFlag) == 1 }

// sendTo issues a single sendto to addr. There is no send queue: the kernel
// either buffers the datagram or returns an error immediately.
func (h *connUDP) sendTo(addr Address, frame []byte) error {
	udpAddr, err := addr.resolveUDP()
	if err != nil {
		return newErr(ErrCodeInvalidAddress, err.Error())
	}
	if _, err := h.conn.WriteToUDP(frame, udpAddr); err != nil {
		return newErr(ErrCodeSocketError, err.Error())
	}
	return nil
}

func (h *connUDP) send(frame []byte) error {
	return newErr(ErrCodeInvalidAddress, "udp handler requires a destination address")
}

func (h *connUDP) close() {
	if atomic.CompareAndSwapInt32(&h.deadFlag, 0, 1) {
		h.conn.Close()
	}
}

func (h *connUDP) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, peer, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			h.close()
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		h.dispatchInbound(peer, datagram)
	}
}

func (h *connUDP) dispatchInbound(peer *net.UDPAddr, datagram []byte) {
	if len(datagram) < wire.HeaderLen {
		h.logger.Log(LogLevelWarn, "short datagram dropped", "from", peer.String())
		return
	}
	hdr, ok := wire.Decode(datagram[:wire.HeaderLen])
	if !ok || !hdr.Valid() {
		h.logger.Log(LogLevelWarn, "malformed datagram header dropped", "from", peer.String())
		return
	}
	payload := datagram[wire.HeaderLen:]
	if hdr.Flags.Has(wire.FlagPayloadCompressed) {
		decoded, err := wire.Decompress(payload)
		if err != nil {
			h.logger.Log(LogLevelWarn, "datagram decompress failed", "from", peer.String())
			return
		}
		payload = decoded
	}

	ev := Event{
		Type:      EventMessage,
		Addr:      Address{Host: peer.IP.String(), Port: uint16(peer.Port)},
		LocalAddr: h.local,
		Header:    hdr,
		Payload:   payload,
	}
	h.reactor.submit(func() { h.defaultHandler.Handle(ev) })
}
