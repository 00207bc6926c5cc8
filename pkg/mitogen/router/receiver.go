package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
)

var notifiableIDSeq uint64

func nextNotifiableID() uintptr { return uintptr(atomic.AddUint64(&notifiableIDSeq, 1)) }

// pollInterval bounds how long Receiver.Get/Select.Get block between checks
// of the deadline, so process-signal-style interruption stays observable
// (spec.md §4.4: "polls at least every 500 ms").
const pollInterval = 500 * time.Millisecond

// Receiver is a local mailbox bound to one handle (spec.md §3, §4.4).
type Receiver struct {
	router     *Router
	Handle     Handle
	persist    bool
	respondent *Context

	mu     sync.Mutex
	queue  []wire.Message
	wake   chan struct{}
	notify func()
	closed bool
	id     uintptr
}

// NewReceiver registers a fresh Receiver with router, optionally owned by
// respondent (whose disconnection delivers Dead to it).
func NewReceiver(r *Router, persist bool, respondent *Context) *Receiver {
	recv := &Receiver{
		router:     r,
		persist:    persist,
		respondent: respondent,
		wake:       make(chan struct{}, 1),
		id:         nextNotifiableID(),
	}
	recv.Handle = r.AddHandler(recv.deliver, 0, persist, respondent)
	return recv
}

func (recv *Receiver) deliver(msg wire.Message) {
	recv.mu.Lock()
	recv.queue = append(recv.queue, msg)
	notify := recv.notify
	recv.mu.Unlock()
	recv.wakeOne()
	if notify != nil {
		notify()
	}
}

func (recv *Receiver) wakeOne() {
	select {
	case recv.wake <- struct{}{}:
	default:
	}
}

// Get blocks until a message is available, the deadline passes, or the
// channel closes, and decodes it per spec.md §4.4: Dead surfaces as
// ErrChannelClosed, a CallError is re-raised as an error, and anything else
// is returned as the decoded value. A zero deadline blocks forever.
func (recv *Receiver) Get(deadline time.Time) (interface{}, error) {
	for {
		v, ok, err := recv.popOne()
		if ok || err != nil {
			return v, err
		}
		var wait time.Duration = pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, definition.ErrTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-recv.wake:
		case <-time.After(wait):
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return nil, definition.ErrTimeout
			}
		}
	}
}

// popOne pops and decodes a single queued message without blocking; ok is
// false when the queue was empty.
func (recv *Receiver) popOne() (interface{}, bool, error) {
	recv.mu.Lock()
	if len(recv.queue) == 0 {
		recv.mu.Unlock()
		return nil, false, nil
	}
	msg := recv.queue[0]
	recv.queue = recv.queue[1:]
	recv.mu.Unlock()

	v, err := wire.Decode(msg.Payload)
	if err != nil {
		return nil, true, err
	}
	switch x := v.(type) {
	case wire.Dead:
		return nil, true, definition.ErrChannelClosed
	case *definition.CallError:
		return nil, true, x
	default:
		return v, true, nil
	}
}

// Close unregisters the receiver's handle; pending queued messages are
// discarded.
func (recv *Receiver) Close() {
	recv.mu.Lock()
	if recv.closed {
		recv.mu.Unlock()
		return
	}
	recv.closed = true
	recv.queue = nil
	recv.mu.Unlock()
	recv.router.RemoveHandler(recv.Handle)
}

// --- notifiable interface, used by Select ---

func (recv *Receiver) attachNotify(fn func()) error {
	recv.mu.Lock()
	defer recv.mu.Unlock()
	if recv.notify != nil {
		return errReceiverAlreadyOwned
	}
	recv.notify = fn
	return nil
}

func (recv *Receiver) detachNotify() {
	recv.mu.Lock()
	recv.notify = nil
	recv.mu.Unlock()
}

func (recv *Receiver) hasPending() bool {
	recv.mu.Lock()
	defer recv.mu.Unlock()
	return len(recv.queue) > 0
}

func (recv *Receiver) selfID() uintptr { return recv.id }
