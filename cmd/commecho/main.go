// Command commecho demos the core request/response machinery against a
// live loopback server: an echo round trip, a request timeout with a
// dropped late response, and close-socket purging every outstanding
// request, run back to back.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ridgewayio/commcore/pkg/comm"
	"github.com/ridgewayio/commcore/pkg/wire"
)

const cmdEcho uint64 = 1

var respond wire.ResponseCallback

func main() {
	host := flag.String("host", "127.0.0.1", "listen/dial host")
	port := flag.Uint("port", 38600, "listen/dial port")
	flag.Parse()

	logger := comm.NewBasicLogger(comm.LogLevelInfo)
	c := comm.Initialize(comm.WithLogger(logger), comm.ReactorCount(2))
	defer c.Shutdown()

	addr := comm.HostPort(*host, uint16(*port))
	if err := c.Listen(addr, comm.DispatchHandlerFunc(func(ev comm.Event) {
		if ev.Type != comm.EventMessage {
			return
		}
		// Echo server: REQUEST frames land here via the application
		// queue; answer with the same payload and command. The stall-me
		// payload is special-cased to respond late, well after the
		// client's own timeout, to exercise the late-response-dropped
		// path.
		respondTo := ev.Addr
		id := ev.Header.ID
		cmd := ev.Header.Command
		payload := append([]byte(nil), ev.Payload...)
		switch string(payload) {
		case "stall-me":
			go func() {
				time.Sleep(700 * time.Millisecond)
				c.SendResponse(respondTo, id, cmd, respond.Success(payload))
			}()
			return
		case "hold":
			// Simulates a server that holds the request indefinitely;
			// never responds at all.
			return
		}
		if err := c.SendResponse(respondTo, id, cmd, respond.Success(payload)); err != nil {
			logger.Log(comm.LogLevelWarn, "send_response failed", "err", err.Error())
		}
	})); err != nil {
		log.Fatalf("listen: %v", err)
	}

	if err := runEchoRoundTrip(c, addr); err != nil {
		log.Fatalf("S1 echo round-trip: %v", err)
	}
	fmt.Println("S1 echo round-trip: ok")

	if err := runTimeoutDemo(c, addr); err != nil {
		log.Fatalf("S2 request timeout: %v", err)
	}
	fmt.Println("S2 request timeout: ok")

	if err := runCloseDemo(c, addr); err != nil {
		log.Fatalf("S3 close purges requests: %v", err)
	}
	fmt.Println("S3 close purges requests: ok")
}

// runEchoRoundTrip is scenario S1: one request, one matching response.
func runEchoRoundTrip(c *comm.Comm, addr comm.Address) error {
	sync, ch := comm.NewSynchronizer()
	connected, connCh := comm.NewSynchronizer()
	if err := c.Connect(addr, comm.DispatchHandlerFunc(func(ev comm.Event) { connected.Handle(ev) })); err != nil {
		return err
	}
	<-connCh // CONNECTION_ESTABLISHED

	if err := c.SendRequest(addr, 0, cmdEcho, false, 2*time.Second, []byte("hello"), sync); err != nil {
		return err
	}
	ev := <-ch
	if ev.Error != comm.ErrCodeOK {
		return fmt.Errorf("unexpected error %s", ev.Error)
	}
	// The server replies with respond.Success, so the echoed bytes follow
	// the 4-byte error code.
	if len(ev.Payload) < 4 || string(ev.Payload[4:]) != "hello" {
		return fmt.Errorf("echoed %q, want %q", ev.Payload, "hello")
	}
	return c.CloseSocket(addr)
}

// runTimeoutDemo is scenario S2: a handler that responds only after 700ms
// drives the 500ms request to REQUEST_TIMEOUT, and the late response is
// dropped silently by the request table.
func runTimeoutDemo(c *comm.Comm, addr comm.Address) error {
	connected, connCh := comm.NewSynchronizer()
	if err := c.Connect(addr, comm.DispatchHandlerFunc(func(ev comm.Event) { connected.Handle(ev) })); err != nil {
		return err
	}
	<-connCh

	sync, ch := comm.NewSynchronizer()
	if err := c.SendRequest(addr, 0, cmdEcho, false, 500*time.Millisecond, []byte("stall-me"), sync); err != nil {
		return err
	}
	ev := <-ch
	if ev.Error != comm.ErrCodeRequestTimeout {
		return fmt.Errorf("got error %s, want REQUEST_TIMEOUT", ev.Error)
	}
	// Leave the connection up long enough for the server's late response
	// to arrive and be dropped by the request table.
	time.Sleep(400 * time.Millisecond)
	return c.CloseSocket(addr)
}

// runCloseDemo is scenario S3: three outstanding requests all observe
// BROKEN_CONNECTION when the socket is closed out from under them.
func runCloseDemo(c *comm.Comm, addr comm.Address) error {
	connected, connCh := comm.NewSynchronizer()
	if err := c.Connect(addr, comm.DispatchHandlerFunc(func(ev comm.Event) { connected.Handle(ev) })); err != nil {
		return err
	}
	<-connCh

	results := make(chan comm.Event, 3)
	handler := comm.DispatchHandlerFunc(func(ev comm.Event) { results <- ev })
	for i := 0; i < 3; i++ {
		if err := c.SendRequest(addr, 0, cmdEcho, false, 10*time.Second, []byte("hold"), handler); err != nil {
			return err
		}
	}

	if err := c.CloseSocket(addr); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-results:
			if ev.Error != comm.ErrCodeBrokenConnection {
				return fmt.Errorf("got error %s, want BROKEN_CONNECTION", ev.Error)
			}
		case <-time.After(time.Second):
			return fmt.Errorf("timed out waiting for BROKEN_CONNECTION")
		}
	}
	return nil
}
