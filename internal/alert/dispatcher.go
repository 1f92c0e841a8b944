// Package alert hands monitor alerts off the probing goroutine and delivers
// them to one or more sinks.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pingsantohq/pingwatch/internal/events"
	"github.com/pingsantohq/pingwatch/internal/metrics"
	"github.com/pingsantohq/pingwatch/pkg/types"
)

var (
	// ErrDropped marks a delivery the sink refused permanently. It is not retried.
	ErrDropped = errors.New("alert dropped by sink")
	// ErrRateLimited marks a delivery the sink asked to retry later.
	ErrRateLimited = errors.New("alert sink rate limited")
)

// Sink delivers a single alert.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert types.Alert) error
}

type Option func(*Dispatcher)

// WithQueueSize bounds the number of alerts waiting for delivery.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// WithAttempts sets how many times each sink is tried per alert.
func WithAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithRetrySleep customises the pause between attempts. Rate-limited
// attempts wait twice as long.
func WithRetrySleep(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.retrySleep = delay
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithRecorder(rec events.Recorder) Option {
	return func(d *Dispatcher) {
		if rec != nil {
			d.recorder = rec
		}
	}
}

// WithQueueRecorder reports queue depth and drops.
func WithQueueRecorder(rec metrics.QueueRecorder) Option {
	return func(d *Dispatcher) {
		if rec != nil {
			d.queueMetrics = rec
		}
	}
}

// Dispatcher is a bounded queue between monitoring sessions and alert sinks.
// Notify never blocks; Run performs delivery.
type Dispatcher struct {
	sinks        []Sink
	queue        chan types.Alert
	queueSize    int
	attempts     int
	retrySleep   time.Duration
	logger       *slog.Logger
	recorder     events.Recorder
	queueMetrics metrics.QueueRecorder
	dropped      atomic.Int64
	delivered    atomic.Int64
}

func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:        sinks,
		queueSize:    64,
		attempts:     3,
		retrySleep:   500 * time.Millisecond,
		logger:       slog.New(slog.DiscardHandler),
		recorder:     events.NoopRecorder{},
		queueMetrics: metrics.NoopQueueRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan types.Alert, d.queueSize)
	return d
}

// Notify enqueues alert for delivery, dropping it when the queue is full.
// Its signature matches monitor.AlertFunc.
func (d *Dispatcher) Notify(alert types.Alert) {
	select {
	case d.queue <- alert:
		d.queueMetrics.ObserveQueueDepth(len(d.queue))
	default:
		d.dropped.Add(1)
		d.queueMetrics.IncQueueDrops()
		d.logger.Warn("alert queue full; dropping alert", "host", alert.Host, "severity", alert.Severity)
		d.recorder.Record(types.Event{
			Type:      types.EventAlertDropped,
			Timestamp: time.Now().UTC(),
			Host:      alert.Host,
			Labels:    map[string]string{"severity": string(alert.Severity)},
		})
	}
}

// Dropped reports alerts discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Delivered reports alerts accepted by at least one sink.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Pending reports alerts waiting for delivery.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.sinks) == 0 {
		return errors.New("alert dispatcher has no sinks")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case alert := <-d.queue:
			d.queueMetrics.ObserveQueueDepth(len(d.queue))
			if d.deliver(ctx, alert) {
				d.delivered.Add(1)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert types.Alert) bool {
	ok := false
	for _, sink := range d.sinks {
		if err := d.sendWithRetry(ctx, sink, alert); err != nil {
			d.logger.Error("alert delivery failed",
				"sink", sink.Name(), "host", alert.Host, "severity", alert.Severity, "error", err)
			continue
		}
		ok = true
	}
	return ok
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sink Sink, alert types.Alert) error {
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		err = sink.Send(ctx, alert)
		if err == nil || errors.Is(err, ErrDropped) || ctx.Err() != nil {
			return err
		}
		if attempt == d.attempts {
			break
		}
		d.logger.Debug("alert delivery attempt failed", "sink", sink.Name(), "attempt", attempt, "error", err)
		delay := d.retrySleep
		if errors.Is(err, ErrRateLimited) {
			delay *= 2
		}
		d.sleep(ctx, delay)
	}
	return err
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
