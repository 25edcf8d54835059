package comm

import (
	"sync"

	"github.com/twmb/go-rbtree"
)

// pendingRequest is one outstanding request awaiting exactly one of a
// matching response, a timeout, or the connection dying.
type pendingRequest struct {
	handler   DispatchHandler
	timerNode *rbtree.Node
}

// requestTable is the per-connection map from request ID to the handler
// waiting on its response, keyed for out-of-order completion since the
// protocol allows concurrent in-flight requests per connection and the
// peer may answer them in any order.
type requestTable struct {
	mu     sync.Mutex
	byID   map[uint32]*pendingRequest
	nextID uint32
}

func newRequestTable() *requestTable {
	return &requestTable{byID: make(map[uint32]*pendingRequest)}
}

// allocID returns the next request ID for this connection. IDs are scoped
// per-connection, matching the header's 32-bit ID field.
func (rt *requestTable) allocID() uint32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	return rt.nextID
}

func (rt *requestTable) add(id uint32, handler DispatchHandler, timerNode *rbtree.Node) {
	rt.mu.Lock()
	rt.byID[id] = &pendingRequest{handler: handler, timerNode: timerNode}
	rt.mu.Unlock()
}

// take removes and returns the pending request for id, or ok=false if no
// request with that ID is outstanding (already completed, timed out, or
// never existed — e.g. an unsolicited or duplicate response).
func (rt *requestTable) take(id uint32) (*pendingRequest, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	pr, ok := rt.byID[id]
	if ok {
		delete(rt.byID, id)
	}
	return pr, ok
}

// drain empties the table and returns every still-pending request, for
// delivering BROKEN_CONNECTION to each exactly once when the connection
// dies.
func (rt *requestTable) drain() []*pendingRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*pendingRequest, 0, len(rt.byID))
	for id, pr := range rt.byID {
		out = append(out, pr)
		delete(rt.byID, id)
	}
	return out
}
