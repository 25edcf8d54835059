package comm

import (
	"time"

	"github.com/twmb/go-rbtree"
)

// timerItem is one pending deadline in a timerHeap. seq breaks ties
// between equal deadlines so the heap has a total order even when two
// timers expire at the same instant. A red-black tree gives ordered
// expiry plus O(log n) arbitrary-entry removal, which a slice-backed
// heap does not.
type timerItem struct {
	deadline time.Time
	seq      uint64
	value    any
}

func (t *timerItem) Less(other rbtree.Item) bool {
	o := other.(*timerItem)
	if t.deadline.Equal(o.deadline) {
		return t.seq < o.seq
	}
	return t.deadline.Before(o.deadline)
}

// timerHeap is the ordered-by-deadline index behind the timer reactor,
// which hosts TIMER events and request timeouts. The connection manager
// keeps its own rbtree of retry deadlines, and a connection's request
// table holds only the node of each request's timeout in this heap.
type timerHeap struct {
	tree   rbtree.Tree
	nextSeq uint64
}

// insert adds value at deadline and returns an opaque handle that remove
// can later use to cancel it before it fires.
func (h *timerHeap) insert(deadline time.Time, value any) *rbtree.Node {
	item := &timerItem{deadline: deadline, seq: h.nextSeq, value: value}
	h.nextSeq++
	return h.tree.Insert(item)
}

// remove cancels a pending entry. It is a no-op if n is nil or already
// removed; a node's Item is cleared on removal so a late cancel racing an
// expiry sweep cannot delete the same node twice.
func (h *timerHeap) remove(n *rbtree.Node) {
	if n == nil || n.Item == nil {
		return
	}
	h.tree.Delete(n)
	n.Item = nil
}

// peek returns the earliest deadline and its value without removing it,
// or ok=false if the heap is empty.
func (h *timerHeap) peek() (deadline time.Time, value any, ok bool) {
	n := h.tree.Min()
	if n == nil {
		return time.Time{}, nil, false
	}
	item := n.Item.(*timerItem)
	return item.deadline, item.value, true
}

// popExpired removes and returns, in deadline order, every entry whose
// deadline is not after now.
func (h *timerHeap) popExpired(now time.Time) []any {
	var out []any
	for {
		n := h.tree.Min()
		if n == nil {
			return out
		}
		item := n.Item.(*timerItem)
		if item.deadline.After(now) {
			return out
		}
		h.tree.Delete(n)
		n.Item = nil
		out = append(out, item.value)
	}
}

func (h *timerHeap) len() int { return h.tree.Len() }
