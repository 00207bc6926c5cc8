// Package peerctx is the peer-side bring-up and dispatch loop: the
// equivalent of spec.md §4.7's ExternalContext.main, and the master-side
// LogForwarder that attributes forwarded log records by peer name
// (spec.md §4.9).
package peerctx

import (
	"context"
	"fmt"
	"io"

	"github.com/innovationfleet/mitogen/pkg/mitogen/broker"
	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/module"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/script"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// Config carries the preamble values ExternalContext.main receives at
// bootstrap (spec.md §4.7 step 4): context identity and logging verbosity.
type Config struct {
	ParentIDs []router.ID
	ContextID router.ID
	Debug     bool
	LogLevel  string

	// Stdout/Stderr, when set, are the read ends of the socket pairs the
	// caller has already spliced onto the peer process's own fd 1/fd 2
	// (spec.md §4.7 step 5): each is fed to its own IoLogger so the peer's
	// own writes to stdout/stderr are forwarded as FORWARD_LOG records
	// instead of corrupting the stdio-framed stream back to the parent.
	Stdout io.Reader
	Stderr io.Reader
}

// Peer is the running peer-side fabric: broker, router, script engine,
// importer, and the CALL_FUNCTION dispatch loop, all wired together per
// spec.md §4.7 steps 1-6.
type Peer struct {
	Broker   *broker.Broker
	Router   *router.Router
	Engine   *script.Engine
	Importer *module.Importer
	Parent   *router.Context

	log          definition.Logger
	callsCh      chan callRequest
	stdoutLogger *IoLogger
	stderrLogger *IoLogger
}

// Main brings a peer up against parentConn (the framed duplex the
// bootstrap handshake produced) — spec.md §4.7's six bring-up steps plus its
// dispatch loop, steps 1 and 6. It returns as soon as the broker and the
// dispatch loop are started in their own goroutines; they run until the
// broker shuts down or ctx is cancelled.
func Main(ctx context.Context, log definition.Logger, parentConn io.ReadWriteCloser, cfg Config) (*Peer, error) {
	brk := broker.New(log, nil)

	r := router.New(brk, log)
	r.ContextID = cfg.ContextID
	if len(cfg.ParentIDs) > 0 {
		r.ParentID = cfg.ParentIDs[0]
	}
	r.ParentIDs = cfg.ParentIDs
	r.IsMaster = false

	parentStream := wire.NewStream("parent", parentConn, log)
	parentCtx := router.NewContext(r, r.ParentID, "parent", nil)
	r.SetParentStream(parentStream)
	r.Register(parentCtx, parentStream)

	// SHUTDOWN is only honored from the parent (spec.md §4.7 step 1).
	r.AddHandler(func(msg wire.Message) {
		if router.ID(msg.SrcID) != r.ParentID {
			if log != nil {
				log.Warnf("peerctx: ignoring SHUTDOWN from non-parent %d", msg.SrcID)
			}
			return
		}
		brk.Shutdown()
	}, router.HandleShutdown, true, nil)

	engine := script.NewEngine(log)
	importer := module.NewImporter(log, parentCtx, engine)

	p := &Peer{
		Broker:   brk,
		Router:   r,
		Engine:   engine,
		Importer: importer,
		Parent:   parentCtx,
		log:      log,
		callsCh:  make(chan callRequest, 64),
	}
	r.AddHandler(p.enqueueCall, router.HandleCallFunction, true, nil)

	if cfg.Stdout != nil {
		p.stdoutLogger = NewIoLogger("stdout", cfg.Stdout, parentCtx, log)
	}
	if cfg.Stderr != nil {
		p.stderrLogger = NewIoLogger("stderr", cfg.Stderr, parentCtx, log)
	}

	go brk.Run()
	go p.dispatchLoop(ctx)

	return p, nil
}

// callRequest is a decoded CALL_FUNCTION request awaiting dispatch.
type callRequest struct {
	replyDst uint32
	replyTo  uint32
	module   string
	class    string
	fn       string
	args     []interface{}
	kwargs   map[string]interface{}
}

// enqueueCall runs on the broker goroutine (as every router handler does):
// it only decodes and queues, so the actual dispatch below never blocks
// the broker.
func (p *Peer) enqueueCall(msg wire.Message) {
	req, err := decodeCallRequest(msg)
	if err != nil {
		if p.log != nil {
			p.log.Warnf("peerctx: malformed CALL_FUNCTION: %v", err)
		}
		return
	}
	select {
	case p.callsCh <- req:
	default:
		if p.log != nil {
			p.log.Errorf("peerctx: CALL_FUNCTION queue full, dropping request for %s", req.module)
		}
	}
}

func decodeCallRequest(msg wire.Message) (callRequest, error) {
	v, err := wire.Decode(msg.Payload)
	if err != nil {
		return callRequest{}, err
	}
	tuple, ok := v.([]interface{})
	if !ok || len(tuple) != 5 {
		return callRequest{}, fmt.Errorf("peerctx: CALL_FUNCTION payload is not a 5-tuple")
	}
	req := callRequest{replyDst: msg.SrcID, replyTo: msg.ReplyTo}
	req.module, _ = tuple[0].(string)
	if tuple[1] != nil {
		req.class, _ = tuple[1].(string)
	}
	req.fn, _ = tuple[2].(string)
	req.args, _ = tuple[3].([]interface{})
	req.kwargs, _ = tuple[4].(map[string]interface{})
	return req, nil
}

// dispatchLoop is spec.md §4.7 step 6 and §5's "dedicated dispatch
// thread": it pulls CALL_FUNCTION requests one at a time, so concurrent
// remote calls against this peer serialize by design.
func (p *Peer) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Broker.Done():
			return
		case req := <-p.callsCh:
			p.handleCall(ctx, req)
		}
	}
}

func (p *Peer) handleCall(ctx context.Context, req callRequest) {
	result, err := p.dispatch(ctx, req)
	var payload []byte
	var encErr error
	if err != nil {
		ce, ok := err.(*definition.CallError)
		if !ok {
			ce = definition.NewCallError("Error", err.Error(), "")
		}
		payload, encErr = wire.Encode(ce)
	} else {
		payload, encErr = wire.Encode(result)
	}
	if encErr != nil {
		if p.log != nil {
			p.log.Errorf("peerctx: encode CALL_FUNCTION reply: %v", encErr)
		}
		return
	}
	p.Router.Route(wire.Message{DstID: req.replyDst, Handle: req.replyTo, Payload: payload})
}

func (p *Peer) dispatch(ctx context.Context, req callRequest) (interface{}, error) {
	if err := p.Importer.Ensure(req.module); err != nil {
		return nil, fmt.Errorf("%w: %v", definition.ErrImport, err)
	}
	return p.Engine.Call(ctx, req.module, req.class, req.fn, req.args, req.kwargs)
}
