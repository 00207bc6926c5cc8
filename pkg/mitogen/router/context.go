package router

import (
	"context"
	"sync"
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/broker"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// Context is the local proxy for a remote peer (spec.md §3, §4.4).
type Context struct {
	router *Router
	ID     ID
	Name   string
	Via    *Context

	mu                   sync.Mutex
	disconnected         bool
	disconnectListeners  []func()
}

// NewContext builds a Context handle to a peer id without registering a
// stream for it — used both for the router's own local identity and for
// proxies reached only through a parent.
func NewContext(r *Router, id ID, name string, via *Context) *Context {
	return &Context{router: r, ID: id, Name: name, Via: via}
}

func (c *Context) onDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		c.mu.Unlock()
		fn()
		c.mu.Lock()
		return
	}
	c.disconnectListeners = append(c.disconnectListeners, fn)
}

func (c *Context) fireDisconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	listeners := c.disconnectListeners
	c.disconnectListeners = nil
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Send addresses msg to this context and routes it.
func (c *Context) Send(msg wire.Message) {
	msg.DstID = uint32(c.ID)
	c.router.Route(msg)
}

// SendAsync sends msg after wiring a fresh Receiver as its reply address:
// the receiver's handle is written into msg.ReplyTo, and the receiver is
// owned by this context so the context's disconnection delivers Dead to it
// (spec.md §4.4).
func (c *Context) SendAsync(msg wire.Message, persist bool) *Receiver {
	recv := NewReceiver(c.router, persist, c)
	msg.ReplyTo = uint32(recv.Handle)
	c.Send(msg)
	return recv
}

// SendAwait sends msg asynchronously and blocks for exactly one reply.
func (c *Context) SendAwait(msg wire.Message, deadline time.Time) (interface{}, error) {
	recv := c.SendAsync(msg, false)
	return recv.Get(deadline)
}

// CallAsync encodes a (module, class, func, args, kwargs) tuple as the
// payload of a CALL_FUNCTION request and returns the Receiver that will
// carry the reply (spec.md §4.4, §6).
func (c *Context) CallAsync(ctx context.Context, module string, class, fn string, args []interface{}, kwargs map[string]interface{}) (*Receiver, error) {
	if broker.OnBrokerGoroutine(ctx) {
		return nil, errCallFromBroker
	}
	var classVal interface{}
	if class != "" {
		classVal = class
	}
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	tuple := []interface{}{module, classVal, fn, toInterfaceSlice(args), toInterfaceMap(kwargs)}
	payload, err := wire.Encode(tuple)
	if err != nil {
		return nil, err
	}
	msg := wire.Message{Handle: uint32(HandleCallFunction), Payload: payload}
	return c.SendAsync(msg, false), nil
}

// Call is synchronous sugar over CallAsync.
func (c *Context) Call(ctx context.Context, module, class, fn string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	recv, err := c.CallAsync(ctx, module, class, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	return recv.Get(time.Time{})
}

func toInterfaceSlice(v []interface{}) []interface{} { return v }
func toInterfaceMap(v map[string]interface{}) map[string]interface{} { return v }

// Sender wraps a (context, handle) pair as a one-way outbound endpoint
// (spec.md §4.4).
type Sender struct {
	ctx    *Context
	handle Handle
}

// NewSender builds a Sender addressing handle on ctx.
func NewSender(ctx *Context, handle Handle) *Sender {
	return &Sender{ctx: ctx, handle: handle}
}

// Put encodes obj and routes it to the sender's (context, handle).
func (s *Sender) Put(obj interface{}) error {
	payload, err := wire.Encode(obj)
	if err != nil {
		return err
	}
	s.ctx.Send(wire.Message{Handle: uint32(s.handle), Payload: payload})
	return nil
}

// Close sends Dead to the sender's handle, signalling the receiving end to
// stop.
func (s *Sender) Close() error {
	return s.Put(wire.Dead{})
}
