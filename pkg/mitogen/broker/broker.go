// Package broker implements the single-threaded I/O multiplexer described
// in spec.md §4.2: every fd a peer touches is registered as a Side, and the
// Broker is the sole owner of the route/handler tables, with mutations
// flowing through a deferred-work channel instead of locks.
//
// The reference implementation drives one OS thread through select/poll.
// Idiomatic Go instead gives every Side its own reader/writer goroutine
// blocked on the actual syscall, and keeps a single "broker goroutine" that
// owns the route/handler tables by only ever touching them inside closures
// drained from one channel — the channel send/receive pair plays the role
// of the self-pipe trick, per the design note in spec.md §9 ("a single
// channel feeding the broker loop" is called out as an equivalent design).
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
	"github.com/innovationfleet/mitogen/pkg/mitogen/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultShutdownTimeout is the grace period the broker waits for keep-alive
// sides to drain before force-disconnecting them (spec.md §4.2: "3-5s").
const DefaultShutdownTimeout = 4 * time.Second

type brokerCtxKey struct{}

// OnBrokerGoroutine reports whether ctx was seeded by the broker loop
// itself (BrokerContext), i.e. whether code running under ctx is already
// executing on the broker goroutine.
func OnBrokerGoroutine(ctx context.Context) bool {
	v, _ := ctx.Value(brokerCtxKey{}).(bool)
	return v
}

// Side pairs a Stream with the broker-level bookkeeping spec.md §4.2
// describes: a keep-alive flag (sides that should not by themselves hold
// the broker open during a shutdown drain clear it) and an optional
// shutdown hook the Router installs to emit a SHUTDOWN control message.
type Side struct {
	Name       string
	Stream     *wire.Stream
	KeepAlive  bool
	OnShutdown func()

	stopReader chan struct{}
	stopWriter chan struct{}
	writeWake  chan struct{}
}

// Broker is the per-peer I/O multiplexer. Exactly one Broker exists per
// process.
type Broker struct {
	log             definition.Logger
	shutdownTimeout time.Duration

	mu    sync.Mutex
	sides map[string]*Side

	workCh      chan func()
	pendingWork int32

	alive   int32
	doneCh  chan struct{}
	started int32

	metrics *metrics
}

type metrics struct {
	framesIn    prometheus.Counter
	framesOut   prometheus.Counter
	sidesActive prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitogen_broker_frames_received_total",
			Help: "Frames received across all sides registered with this broker.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mitogen_broker_frames_sent_total",
			Help: "Frames transmitted across all sides registered with this broker.",
		}),
		sidesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mitogen_broker_sides_active",
			Help: "Sides (fds/streams) currently registered with this broker.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.framesIn, m.framesOut, m.sidesActive)
	}
	return m
}

// New builds a Broker. registerer may be nil, in which case metrics are
// tracked in-process but not exported.
func New(log definition.Logger, registerer prometheus.Registerer) *Broker {
	return &Broker{
		log:             log,
		shutdownTimeout: DefaultShutdownTimeout,
		sides:           make(map[string]*Side),
		workCh:          make(chan func(), 64),
		doneCh:          make(chan struct{}),
		metrics:         newMetrics(registerer),
	}
}

// SetShutdownTimeout overrides DefaultShutdownTimeout.
func (b *Broker) SetShutdownTimeout(d time.Duration) { b.shutdownTimeout = d }

// BrokerContext returns a context.Context marked so OnBrokerGoroutine reports
// true for it. A context.Value can't identify which goroutine is running —
// it's only ever correct to pass one of these down a call chain that is
// itself already executing on the broker goroutine. The router's CallAsync
// uses it as a deadlock guard (a blocking call issued from inside a handler
// would starve the very loop it's waiting on); Defer does not consult it.
func (b *Broker) BrokerContext() context.Context {
	return context.WithValue(context.Background(), brokerCtxKey{}, true)
}

// Defer enqueues fn onto the work channel the Run goroutine drains. Every
// caller — readPump/writePump, application code, or a handler reentering the
// router from inside invoke — goes through the same queue, so route/handler
// table mutations only ever happen on the single Run goroutine (spec.md §3,
// §4.2). Reentrant calls made from within a closure Run is already executing
// just requeue behind it; FIFO ordering keeps the effect visible before any
// later Defer from that same call stack runs.
func (b *Broker) Defer(fn func()) {
	atomic.AddInt32(&b.pendingWork, 1)
	select {
	case b.workCh <- fn:
	case <-b.doneCh:
		atomic.AddInt32(&b.pendingWork, -1)
	}
}

// Run starts the broker goroutine and blocks until Shutdown completes the
// two-phase drain. Callers typically invoke Run in its own goroutine.
func (b *Broker) Run() {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return
	}
	atomic.StoreInt32(&b.alive, 1)
	for atomic.LoadInt32(&b.alive) == 1 {
		fn := <-b.workCh
		atomic.AddInt32(&b.pendingWork, -1)
		b.safely(fn)
	}
	b.drainShutdown()
	close(b.doneCh)
}

func (b *Broker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Errorf("broker: deferred work panicked: %v", r)
		}
	}()
	fn()
}

// AddSide registers a Side and starts its reader/writer pumps. Safe to call
// from any goroutine; the side table is mutex-guarded independently of the
// route/handler tables Router owns.
func (b *Broker) AddSide(side *Side) {
	side.stopReader = make(chan struct{})
	side.stopWriter = make(chan struct{})
	side.writeWake = make(chan struct{}, 1)
	side.Stream.OnWritable = func() {
		select {
		case side.writeWake <- struct{}{}:
		default:
		}
	}

	b.mu.Lock()
	b.sides[side.Name] = side
	b.mu.Unlock()
	b.metrics.sidesActive.Inc()

	go b.readPump(side)
	go b.writePump(side)
}

// RemoveSide unregisters a side, e.g. once its stream has disconnected.
func (b *Broker) RemoveSide(name string) {
	b.mu.Lock()
	side, ok := b.sides[name]
	if ok {
		delete(b.sides, name)
	}
	b.mu.Unlock()
	if ok {
		b.stopSide(side)
		b.metrics.sidesActive.Dec()
	}
}

func (b *Broker) stopSide(side *Side) {
	select {
	case <-side.stopReader:
	default:
		close(side.stopReader)
	}
	select {
	case <-side.stopWriter:
	default:
		close(side.stopWriter)
	}
}

func (b *Broker) readPump(side *Side) {
	for {
		select {
		case <-side.stopReader:
			return
		default:
		}
		if err := side.Stream.Receive(); err != nil {
			b.RemoveSide(side.Name)
			return
		}
		b.metrics.framesIn.Inc()
	}
}

func (b *Broker) writePump(side *Side) {
	for {
		select {
		case <-side.stopWriter:
			return
		case <-side.writeWake:
		}
		for side.Stream.HasPending() {
			if err := side.Stream.Transmit(); err != nil {
				b.RemoveSide(side.Name)
				return
			}
			b.metrics.framesOut.Inc()
		}
	}
}

// Shutdown marks the broker as stopping and wakes Run, which then performs
// the cooperative drain: it invokes each still-registered side's OnShutdown
// hook, then waits up to shutdownTimeout for keepAlive() to go false before
// force-disconnecting survivors (spec.md §4.2, §5). Shutdown itself returns
// without waiting; Done reports when the drain has finished.
func (b *Broker) Shutdown() {
	atomic.StoreInt32(&b.alive, 0)
	// Wake the loop in case it is blocked on an empty workCh; the empty func
	// does nothing when run.
	select {
	case b.workCh <- func() {}:
	default:
	}
}

// Done returns a channel closed once the shutdown drain completes.
func (b *Broker) Done() <-chan struct{} { return b.doneCh }

func (b *Broker) drainShutdown() {
	b.mu.Lock()
	snapshot := make([]*Side, 0, len(b.sides))
	for _, s := range b.sides {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		if s.OnShutdown != nil {
			s.OnShutdown()
		}
	}

	deadline := time.Now().Add(b.shutdownTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) && b.keepAlive() {
		select {
		case fn := <-b.workCh:
			atomic.AddInt32(&b.pendingWork, -1)
			b.safely(fn)
		case <-ticker.C:
		}
	}

	b.mu.Lock()
	remaining := make([]*Side, 0, len(b.sides))
	for _, s := range b.sides {
		remaining = append(remaining, s)
	}
	b.sides = make(map[string]*Side)
	b.mu.Unlock()

	for _, s := range remaining {
		b.stopSide(s)
		s.Stream.Close()
		b.metrics.sidesActive.Dec()
	}
}

// keepAlive mirrors the teacher's "keep_alive counts registered sides whose
// keep_alive flag is set plus deferred work pending" rule.
func (b *Broker) keepAlive() bool {
	if atomic.LoadInt32(&b.pendingWork) > 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sides {
		if s.KeepAlive {
			return true
		}
	}
	return false
}
