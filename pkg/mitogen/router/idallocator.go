package router

import (
	"sync"
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// IDAllocator is the master's monotonic id source (spec.md §4.10, C10). It
// installs itself as the ALLOCATE_ID handler and, on each allocation,
// publishes a route so every ancestor (trivially just itself, at the root)
// can already route to the new id before replying.
type IDAllocator struct {
	router *Router
	mu     sync.Mutex
	next   uint32
}

// NewIDAllocator registers the ALLOCATE_ID handler on r. next starts at 1
// since 0 is reserved for the master.
func NewIDAllocator(r *Router) *IDAllocator {
	a := &IDAllocator{router: r, next: 1}
	r.AddHandler(a.handle, HandleAllocateID, true, nil)
	return a
}

func (a *IDAllocator) handle(msg wire.Message) {
	allocated := a.allocate()
	requestee := ID(msg.SrcID)
	a.router.AddRoute(allocated, requestee)
	a.router.PropagateRoute(allocated, requestee)
	payload, _ := wire.Encode(int64(allocated))
	reply := wire.Message{DstID: msg.SrcID, Handle: msg.ReplyTo, Payload: payload}
	a.router.Route(reply)
}

// AllocateLocal hands out a fresh id without a wire round-trip, for the
// master process itself assigning ids to peers it is directly spawning.
func (a *IDAllocator) AllocateLocal() ID {
	return a.allocate()
}

func (a *IDAllocator) allocate() ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return ID(id)
}

// ChildIdAllocator is the stub every non-root peer runs: it asks the master
// (id 0) for a fresh id via ALLOCATE_ID (spec.md §4.10).
type ChildIdAllocator struct {
	master *Context
}

// NewChildIdAllocator builds an allocator that asks masterCtx for ids.
func NewChildIdAllocator(masterCtx *Context) *ChildIdAllocator {
	return &ChildIdAllocator{master: masterCtx}
}

// Allocate performs a synchronous ALLOCATE_ID round-trip.
func (c *ChildIdAllocator) Allocate(deadline time.Time) (ID, error) {
	v, err := c.master.SendAwait(wire.Message{Handle: uint32(HandleAllocateID)}, deadline)
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return ID(n), nil
}
