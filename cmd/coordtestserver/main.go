// Command coordtestserver is a minimal server for the coordination wire
// protocol, implementing just enough of the opcode set (HANDSHAKE,
// KEEPALIVE, OPEN, CLOSE, MKDIR, EXISTS, ATTRSET, ATTRGET, LOCK, RELEASE)
// to exercise pkg/coord's Client end to end against a real peer rather
// than a mock.
package main

import (
	"flag"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ridgewayio/commcore/pkg/comm"
	"github.com/ridgewayio/commcore/pkg/coord"
	"github.com/ridgewayio/commcore/pkg/wire"
)

var respond wire.ResponseCallback

// node is one entry in the server's in-memory hierarchy.
type node struct {
	attrs    map[string][]byte
	children map[string]bool

	locked     bool
	lockMode   coord.LockMode
	generation uint64
}

type server struct {
	mu       sync.Mutex
	nodes    map[string]*node
	handles  map[uint64]string // handle -> path
	nextH    uint64
	sessions map[uint64]time.Time
	nextSess uint64

	comm     *comm.Comm
	tcpLocal comm.Address
}

func newServer(c *comm.Comm) *server {
	s := &server{
		comm:     c,
		nodes:    map[string]*node{"/": {attrs: map[string][]byte{}, children: map[string]bool{}}},
		handles:  make(map[uint64]string),
		sessions: make(map[uint64]time.Time),
	}
	s.nextSess = 1
	s.nextH = 1
	return s
}

func (s *server) handleTCP(ev comm.Event) {
	if ev.Type != comm.EventMessage {
		return
	}
	cmd := coord.Command(ev.Header.Command)
	var resp []byte
	switch cmd {
	case coord.CmdHandshake:
		resp = s.onHandshake(ev.Payload)
	case coord.CmdOpen:
		resp = s.onOpen(ev.Payload)
	case coord.CmdClose:
		resp = s.onClose(ev.Payload)
	case coord.CmdMkdir:
		resp = s.onMkdir(ev.Payload)
	case coord.CmdExists:
		resp = s.onExists(ev.Payload)
	case coord.CmdAttrSet:
		resp = s.onAttrSet(ev.Payload)
	case coord.CmdAttrGet:
		resp = s.onAttrGet(ev.Payload)
	case coord.CmdLock:
		resp = s.onLock(ev.Payload)
	case coord.CmdRelease:
		resp = s.onRelease(ev.Payload)
	case coord.CmdStatus:
		resp = respond.Success(nil)
	default:
		resp = respond.Error(1)
	}
	if err := s.comm.SendResponse(ev.Addr, ev.Header.ID, ev.Header.Command, resp); err != nil {
		log.Printf("send_response: %v", err)
	}
}

func (s *server) onHandshake(payload []byte) []byte {
	r := wire.NewReader(payload)
	sessionID := r.Uint64()
	_ = r.String() // exe_name, unused by this minimal server
	if r.Complete() != nil {
		return respond.Error(1)
	}

	s.mu.Lock()
	if sessionID == 0 {
		sessionID = s.nextSess
		s.nextSess++
	}
	s.sessions[sessionID] = time.Now()
	s.mu.Unlock()

	return respond.Success(wire.AppendFixed64(nil, sessionID))
}

func (s *server) onOpen(payload []byte) []byte {
	r := wire.NewReader(payload)
	name := r.String()
	flags := coord.OpenFlags(r.Uint32())
	_ = r.Uint32() // event mask, not modeled by this minimal server
	if r.Complete() != nil {
		return respond.Error(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[name]; !ok {
		if flags&coord.OpenCreate == 0 {
			return respond.Error(2) // not found
		}
		s.nodes[name] = &node{attrs: map[string][]byte{}, children: map[string]bool{}}
	}
	h := s.nextH
	s.nextH++
	s.handles[h] = name
	return respond.Success(wire.AppendFixed64(nil, h))
}

func (s *server) onClose(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	delete(s.handles, handle)
	s.mu.Unlock()
	return respond.Success(nil)
}

func (s *server) onMkdir(payload []byte) []byte {
	r := wire.NewReader(payload)
	name := r.String()
	_ = r.Bool() // create_intermediate, this server always behaves as if true
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	if _, exists := s.nodes[name]; !exists {
		s.nodes[name] = &node{attrs: map[string][]byte{}, children: map[string]bool{}}
	}
	s.mu.Unlock()
	return respond.Success(nil)
}

func (s *server) onExists(payload []byte) []byte {
	r := wire.NewReader(payload)
	name := r.String()
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	_, ok := s.nodes[name]
	s.mu.Unlock()
	return respond.Success(wire.AppendBool(nil, ok))
}

func (s *server) onAttrSet(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	attr := r.String()
	value := r.Bytes()
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.handles[handle]
	if !ok {
		return respond.Error(3) // bad handle
	}
	s.nodes[path].attrs[attr] = value
	return respond.Success(nil)
}

func (s *server) onAttrGet(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	attr := r.String()
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.handles[handle]
	if !ok {
		return respond.Error(3)
	}
	value, ok := s.nodes[path].attrs[attr]
	if !ok {
		return respond.Error(4) // attr not found
	}
	return respond.Success(wire.AppendBytes(nil, value))
}

func (s *server) onLock(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	mode := coord.LockMode(r.Uint32())
	tryLock := r.Bool()
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.handles[handle]
	if !ok {
		return respond.Error(3)
	}
	n := s.nodes[path]
	if n.locked {
		if tryLock {
			return respond.Error(5) // conflict
		}
		// The minimal server has no blocking queue; a non-try conflicting
		// lock is reported as a conflict rather than blocking the caller.
		return respond.Error(5)
	}
	n.locked = true
	n.lockMode = mode
	n.generation++
	out := []byte{byte(coord.LockGranted)}
	out = wire.AppendFixed64(out, n.generation)
	return respond.Success(out)
}

func (s *server) onRelease(payload []byte) []byte {
	r := wire.NewReader(payload)
	handle := r.Uint64()
	if r.Complete() != nil {
		return respond.Error(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.handles[handle]
	if !ok {
		return respond.Error(3)
	}
	s.nodes[path].locked = false
	return respond.Success(nil)
}

func (s *server) handleUDP(ev comm.Event) {
	if ev.Type != comm.EventMessage {
		return
	}
	if coord.Command(ev.Header.Command) != coord.CmdKeepalive {
		return
	}
	r := wire.NewReader(ev.Payload)
	sessionID := r.Uint64()
	_ = r.Uint64() // last_delivered_event_id, no pending events in this server
	_ = r.Bool()   // destroy_session
	if r.Complete() != nil {
		return
	}

	s.mu.Lock()
	if sessionID == 0 {
		sessionID = s.nextSess
		s.nextSess++
	}
	s.sessions[sessionID] = time.Now()
	s.mu.Unlock()

	buf := wire.AppendFixed64(nil, sessionID)
	buf = wire.AppendFixed32(buf, 0) // error
	buf = wire.AppendFixed32(buf, 0) // notification_count
	if err := s.comm.SendDatagram(s.tcpLocal, ev.Addr, uint64(coord.CmdKeepalive), true, buf); err != nil {
		log.Printf("keepalive send_datagram: %v", err)
	}
}

func main() {
	host := flag.String("host", "127.0.0.1", "listen host")
	port := flag.Uint("port", 38601, "listen port")
	flag.Parse()

	c := comm.Initialize(comm.WithLogger(comm.NewBasicLogger(comm.LogLevelWarn)))
	defer c.Shutdown()

	s := newServer(c)

	addr := comm.HostPort(*host, uint16(*port))
	if err := c.Listen(addr, comm.DispatchHandlerFunc(s.handleTCP)); err != nil {
		log.Fatalf("listen: %v", err)
	}

	udpLocal, err := c.CreateDatagramReceiveSocket(addr, comm.DispatchHandlerFunc(s.handleUDP))
	if err != nil {
		log.Fatalf("create_datagram_receive_socket: %v", err)
	}
	s.tcpLocal = udpLocal

	log.Printf("coordtestserver listening on %s", net.JoinHostPort(*host, strconv.Itoa(int(*port))))
	select {}
}
