package router

import (
	"fmt"
	"sync/atomic"

	"github.com/innovationfleet/mitogen/pkg/mitogen/broker"
	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

type handlerEntry struct {
	fn         func(wire.Message)
	persist    bool
	respondent *Context
}

// Router owns the handler table and route table of a single peer, and is
// the only thing allowed to mutate either — all mutations run via
// Broker.Defer so they execute on the broker goroutine (spec.md §3, §4.3).
type Router struct {
	ContextID ID
	ParentID  ID
	ParentIDs []ID
	IsMaster  bool

	Broker *broker.Broker
	Log    definition.Logger

	nextHandle  uint32
	handlers    map[Handle]*handlerEntry
	streamByID  map[ID]*wire.Stream
	parentStrm  *wire.Stream
	contexts    map[ID]*Context
}

// New builds a Router bound to brk. ContextID/ParentID/ParentIDs/IsMaster
// should be set by the caller immediately afterward (they are the
// process-wide peer identity, set once per spec.md §6 and never mutated).
func New(brk *broker.Broker, log definition.Logger) *Router {
	r := &Router{
		Broker:     brk,
		Log:        log,
		nextHandle: uint32(firstAllocatedHandle),
		handlers:   make(map[Handle]*handlerEntry),
		streamByID: make(map[ID]*wire.Stream),
		contexts:   make(map[ID]*Context),
	}
	r.AddHandler(r.handleAddRoute, HandleAddRoute, true, nil)
	return r
}

// handleAddRoute applies an ADD_ROUTE control message: the sender is
// propagating reachability for target up the parent chain (spec.md §4.3,
// §6). The sender of the control message is itself the next hop for target.
func (r *Router) handleAddRoute(msg wire.Message) {
	var target, via uint64
	if _, err := fmt.Sscanf(string(msg.Payload), "%d\x00%d", &target, &via); err != nil {
		if r.Log != nil {
			r.Log.Warnf("router: malformed ADD_ROUTE payload: %v", err)
		}
		return
	}
	r.AddRoute(ID(target), ID(msg.SrcID))
}

// AddHandler registers fn at handle (or a freshly allocated one if handle is
// 0) per spec.md §4.3. If respondent is non-nil, the handler is torn down
// (delivered Dead, then removed) when respondent disconnects.
func (r *Router) AddHandler(fn func(wire.Message), handle Handle, persist bool, respondent *Context) Handle {
	if handle == 0 {
		handle = Handle(atomic.AddUint32(&r.nextHandle, 1) - 1)
	}
	entry := &handlerEntry{fn: fn, persist: persist, respondent: respondent}
	r.Broker.Defer(func() {
		r.handlers[handle] = entry
	})
	if respondent != nil {
		respondent.onDisconnect(func() {
			r.Broker.Defer(func() {
				if e, ok := r.handlers[handle]; ok {
					delete(r.handlers, handle)
					e.fn(deadMessage(handle))
				}
			})
		})
	}
	return handle
}

// RemoveHandler unregisters handle, e.g. once a one-shot receiver fired.
func (r *Router) RemoveHandler(handle Handle) {
	r.Broker.Defer(func() {
		delete(r.handlers, handle)
	})
}

func deadMessage(handle Handle) wire.Message {
	payload, _ := wire.Encode(wire.Dead{})
	return wire.Message{Handle: uint32(handle), Payload: payload}
}

// Register binds peerCtx's id to stream, installs the stream's dispatch
// callbacks, and registers it with the broker. stream's reader/writer pumps
// start immediately.
func (r *Router) Register(peerCtx *Context, stream *wire.Stream) {
	id := peerCtx.ID
	stream.OnMessage = func(msg wire.Message) {
		r.Broker.Defer(func() {
			r.asyncRoute(msg, stream)
		})
	}
	stream.OnDisconnect = func(err error) {
		r.Broker.Defer(func() {
			r.onStreamDisconnect(id, stream)
			peerCtx.fireDisconnect()
		})
	}

	r.Broker.Defer(func() {
		r.streamByID[id] = stream
		r.contexts[id] = peerCtx
	})

	side := &broker.Side{Name: fmt.Sprintf("peer-%d", id), Stream: stream, KeepAlive: true}
	if id == r.ParentID {
		side.KeepAlive = false
		side.OnShutdown = func() {
			r.sendShutdown(id)
		}
	}
	r.Broker.AddSide(side)
}

// SetParentStream marks stream as the upstream default route: frames for
// unknown destinations are forwarded here (spec.md §3, "Route table").
func (r *Router) SetParentStream(stream *wire.Stream) {
	r.Broker.Defer(func() {
		r.parentStrm = stream
	})
}

func (r *Router) onStreamDisconnect(id ID, stream *wire.Stream) {
	if cur, ok := r.streamByID[id]; ok && cur == stream {
		delete(r.streamByID, id)
	}
	delete(r.contexts, id)
	if r.parentStrm == stream {
		r.parentStrm = nil
	}
}

// Route is the thread-safe entry point any caller goroutine uses to send a
// message; it stamps msg.SrcID with this router's ContextID and defers the
// actual table lookups onto the broker goroutine (spec.md §4.3,
// "route(msg) — thread-safe; defers _async_route").
func (r *Router) Route(msg wire.Message) {
	msg.SrcID = uint32(r.ContextID)
	r.Broker.Defer(func() {
		r.asyncRoute(msg, nil)
	})
}

// asyncRoute implements spec.md §4.3's dispatch algorithm. It must only run
// on the broker goroutine.
func (r *Router) asyncRoute(msg wire.Message, fromStream *wire.Stream) {
	if fromStream != nil {
		expected, known := r.streamByID[ID(msg.SrcID)]
		if known {
			if expected != fromStream {
				if r.Log != nil {
					r.Log.Warnf("router: dropping frame claiming src %d from unexpected stream", msg.SrcID)
				}
				return
			}
		} else if fromStream != r.parentStrm {
			if r.Log != nil {
				r.Log.Warnf("router: dropping frame from unknown src %d on non-parent stream", msg.SrcID)
			}
			return
		}
	}

	if ID(msg.DstID) == r.ContextID {
		r.invoke(msg)
		return
	}

	if stream, ok := r.streamByID[ID(msg.DstID)]; ok {
		stream.Send(msg)
		return
	}
	if r.parentStrm != nil {
		r.parentStrm.Send(msg)
		return
	}
	if r.Log != nil {
		r.Log.Warnf("router: no route for dst %d, dropping", msg.DstID)
	}
}

func (r *Router) invoke(msg wire.Message) {
	entry, ok := r.handlers[Handle(msg.Handle)]
	if !ok {
		if r.Log != nil {
			r.Log.Warnf("router: no handler for handle %d, dropping", msg.Handle)
		}
		return
	}
	if !entry.persist {
		delete(r.handlers, Handle(msg.Handle))
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil && r.Log != nil {
				r.Log.Errorf("router: handler for handle %d panicked: %v", msg.Handle, rec)
			}
		}()
		entry.fn(msg)
	}()
}

// AddRoute installs a static route so frames addressed to target are sent
// via the stream that owns via (spec.md §4.3).
func (r *Router) AddRoute(target, via ID) {
	r.Broker.Defer(func() {
		if stream, ok := r.streamByID[via]; ok {
			r.streamByID[target] = stream
		}
	})
}

// PropagateRoute walks the via chain sending ADD_ROUTE to each ancestor, so
// a newly created grandchild becomes routable from the whole parent chain
// (spec.md §4.3).
func (r *Router) PropagateRoute(target, via ID) {
	for _, ancestor := range r.ParentIDs {
		payload := []byte(fmt.Sprintf("%d\x00%d", target, via))
		r.Route(wire.Message{DstID: uint32(ancestor), Handle: uint32(HandleAddRoute), Payload: payload})
	}
}

func (r *Router) sendShutdown(parentID ID) {
	r.Route(wire.Message{DstID: uint32(parentID), SrcID: uint32(r.ContextID), Handle: uint32(HandleShutdown)})
}

// ContextByID returns the locally registered Context for id, if any.
func (r *Router) ContextByID(id ID) (*Context, bool) {
	c, ok := r.contexts[id]
	return c, ok
}
