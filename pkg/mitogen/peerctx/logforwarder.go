package peerctx

import (
	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/router"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

// LogForwarder is the master-side FORWARD_LOG handler (spec.md §4.9): it
// attributes each record to the peer it came from by name, then re-emits
// it through log at the record's own level.
type LogForwarder struct {
	router *router.Router
	log    definition.Logger
}

// NewLogForwarder registers a persistent FORWARD_LOG handler on r.
func NewLogForwarder(r *router.Router, log definition.Logger) *LogForwarder {
	f := &LogForwarder{router: r, log: log}
	r.AddHandler(f.handle, router.HandleForwardLog, true, nil)
	return f
}

func (f *LogForwarder) handle(msg wire.Message) {
	decoded, err := wire.Decode(msg.Payload)
	if err != nil {
		if f.log != nil {
			f.log.Warnf("peerctx: decoding FORWARD_LOG from %d: %v", msg.SrcID, err)
		}
		return
	}
	raw, ok := decoded.([]byte)
	if !ok {
		if f.log != nil {
			f.log.Warnf("peerctx: FORWARD_LOG from %d is not a byte payload", msg.SrcID)
		}
		return
	}

	name, level, message, ok := decodeLogRecord(raw)
	if !ok {
		if f.log != nil {
			f.log.Warnf("peerctx: malformed FORWARD_LOG from %d", msg.SrcID)
		}
		return
	}

	peer := router.ID(msg.SrcID).String()
	if ctx, ok := f.router.ContextByID(router.ID(msg.SrcID)); ok && ctx.Name != "" {
		peer = ctx.Name
	}

	if f.log == nil {
		return
	}
	entry := f.log.WithField("peer", peer).WithField("logger", name)
	switch level {
	case "DEBUG":
		entry.Debug(message)
	case "WARNING", "WARN":
		entry.Warn(message)
	case "ERROR":
		entry.Error(message)
	default:
		entry.Info(message)
	}
}
