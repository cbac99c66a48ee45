package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"

	"github.com/btachinardi/lemon-todo-sub000/pkg/logger"
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "audit_events_dropped_total",
	Help: "Audit events dropped because the dispatch buffer was full",
})

// DispatcherConfig controls the async dispatcher.
type DispatcherConfig struct {
	BufferSize int
	// DropIfFull drops events instead of blocking the caller when the
	// buffer is full.
	DropIfFull bool
	// RecordTimeout bounds a single downstream Record call.
	RecordTimeout time.Duration
}

// DefaultDispatcherConfig returns the production settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:    1024,
		DropIfFull:    true,
		RecordTimeout: 5 * time.Second,
	}
}

type queued struct {
	ev     Event
	span   trace.SpanContext
	corrID string
}

// Dispatcher hands events to a slower sink on a background goroutine so the
// request path never waits on a broker.
type Dispatcher struct {
	cfg       DispatcherConfig
	sink      Sink
	ch        chan queued
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher forwarding to sink.
func NewDispatcher(cfg DispatcherConfig, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan queued, cfg.BufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case q := <-d.ch:
			d.forward(q)
		case <-d.done:
			for {
				select {
				case q := <-d.ch:
					d.forward(q)
				default:
					return
				}
			}
		}
	}
}

// forward detaches from the request context but keeps its trace and
// correlation id so the published event links back to the request.
func (d *Dispatcher) forward(q queued) {
	ctx := context.Background()
	if q.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, q.span)
	}
	if q.corrID != "" {
		ctx = logger.WithCorrelationID(ctx, q.corrID)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RecordTimeout)
	defer cancel()
	d.sink.Record(ctx, q.ev)
}

// Record enqueues ev. With DropIfFull it never blocks; otherwise it waits
// for buffer space or ctx cancellation.
func (d *Dispatcher) Record(ctx context.Context, ev Event) {
	if d.closed.Load() {
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = logger.CorrelationIDFromContext(ctx)
	}
	q := queued{
		ev:     ev,
		span:   trace.SpanContextFromContext(ctx),
		corrID: ev.CorrelationID,
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- q:
		case <-d.done:
		default:
			d.dropped.Add(1)
			droppedTotal.Inc()
		}
		return
	}

	select {
	case d.ch <- q:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops accepting events and drains the buffer.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many events were dropped on a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
