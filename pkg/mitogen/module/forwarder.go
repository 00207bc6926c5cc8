package module

import (
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// ModuleForwarder is what an intermediate peer runs instead of a
// ModuleResponder (spec.md §4.8, "Intermediate peers run a ModuleForwarder
// instead of a responder"): on GET_MODULE, serve from the local cache if
// present, otherwise relay to the parent and memoize the reply before
// relaying it back to the original requester. This turns N children asking
// for the same module into one parent round-trip, amortized.
//
// cache and waiters are only ever touched from the broker goroutine: handle
// runs there directly, and the goroutine that waits on the parent's reply
// re-enters via Broker.Defer before touching either.
type ModuleForwarder struct {
	log    definition.Logger
	router *router.Router
	parent *router.Context
	cache  *cache

	waiters map[string][]pendingForward

	// FetchTimeout bounds a single upstream round-trip.
	FetchTimeout time.Duration
}

type pendingForward struct {
	dstID  uint32
	handle uint32
}

// NewModuleForwarder registers the GET_MODULE handler on r.
func NewModuleForwarder(log definition.Logger, r *router.Router, parent *router.Context) *ModuleForwarder {
	f := &ModuleForwarder{
		log:          log,
		router:       r,
		parent:       parent,
		cache:        newCache(),
		waiters:      make(map[string][]pendingForward),
		FetchTimeout: 30 * time.Second,
	}
	r.AddHandler(f.handle, router.HandleGetModule, true, nil)
	return f
}

func (f *ModuleForwarder) handle(msg wire.Message) {
	fullname := decodeRequest(msg.Payload)
	requester := pendingForward{dstID: msg.SrcID, handle: msg.ReplyTo}

	if e, ok := f.cache.get(fullname); ok {
		f.reply(requester, e)
		return
	}

	first := len(f.waiters[fullname]) == 0
	f.waiters[fullname] = append(f.waiters[fullname], requester)
	if !first {
		return
	}

	deadline := time.Now().Add(f.FetchTimeout)
	go func() {
		decoded, err := f.parent.SendAwait(wire.Message{Handle: uint32(router.HandleGetModule), Payload: encodeRequest(fullname)}, deadline)
		f.router.Broker.Defer(func() {
			f.resolveWaiters(fullname, decoded, err)
		})
	}()
}

// resolveWaiters runs on the broker goroutine: it turns the parent's answer
// into an entry, memoizes it when the answer is definitive (found or
// genuinely not-found), and replies to everyone who piggy-backed on this
// fetch.
func (f *ModuleForwarder) resolveWaiters(fullname string, decoded interface{}, fetchErr error) {
	var e *entry
	switch {
	case fetchErr != nil:
		// Transient failure: reply with not-found so waiters aren't stuck
		// forever, but don't cache it — a retry later might succeed.
		e = &entry{notFound: true}
		if f.log != nil {
			f.log.Warnf("module: forwarding GET_MODULE %s: %v", fullname, fetchErr)
		}
	default:
		r, perr := parseReply(decoded)
		switch {
		case perr != nil:
			e = &entry{notFound: true}
			if f.log != nil {
				f.log.Warnf("module: malformed GET_MODULE reply for %s: %v", fullname, perr)
			}
		case r == nil:
			e = &entry{notFound: true}
			f.cache.put(fullname, e)
		default:
			e = &entry{pkgPresent: r.pkgPresent, path: r.path, source: r.source, related: r.related}
			f.cache.put(fullname, e)
		}
	}
	for _, w := range f.waiters[fullname] {
		f.reply(w, e)
	}
	delete(f.waiters, fullname)
}

func (f *ModuleForwarder) reply(to pendingForward, e *entry) {
	var r *reply
	if !e.notFound {
		r = &reply{pkgPresent: e.pkgPresent, path: e.path, source: e.source, related: e.related}
	}
	payload, err := wire.Encode(replyPayload(r))
	if err != nil {
		if f.log != nil {
			f.log.Errorf("module: encode forwarded GET_MODULE reply: %v", err)
		}
		return
	}
	f.router.Route(wire.Message{DstID: to.dstID, Handle: to.handle, Payload: payload})
}
