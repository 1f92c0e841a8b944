// Package monitor runs one probing loop per monitored host, tracks its
// failure streaks and rolling statistics, and raises alerts on transitions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingsantohq/pingwatch/internal/events"
	"github.com/pingsantohq/pingwatch/internal/probe"
	"github.com/pingsantohq/pingwatch/pkg/types"
)

const (
	MinInterval        = 6 * time.Second
	DefaultInterval    = 10 * time.Second
	DefaultStopTimeout = 5 * time.Second
	maxErrorBackoff    = 30 * time.Second
	alertQueueSize     = 16
)

var (
	ErrStopTimeout    = errors.New("monitor session did not stop in time")
	ErrAlreadyStarted = errors.New("monitor session already started")
	ErrSessionStopped = errors.New("monitor session stopped")
)

// Prober is satisfied by *probe.Executor.
type Prober interface {
	Check(ctx context.Context, host string) (string, error)
	Probe(ctx context.Context, host string) (types.ProbeResult, error)
}

// Publisher is satisfied by *publisher.Publisher.
type Publisher interface {
	Connect(ctx context.Context) bool
	Publish(ctx context.Context, payload map[string]any) bool
	Disconnect()
}

// AlertFunc receives alerts in order on a delivery goroutine separate from
// the loop. A slow callback delays later alerts; once alertQueueSize alerts
// are pending, newer ones are dropped.
type AlertFunc func(types.Alert)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome classifies one probe cycle.
type Outcome int

const (
	OutcomeReachable Outcome = iota
	OutcomeUnreachable
	// OutcomeTransient is a probe whose every attempt timed out or produced no output.
	OutcomeTransient
	// OutcomeFatal is a validation or resolution failure for this cycle.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReachable:
		return "reachable"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}

func classifyOutcome(result types.ProbeResult, err error) Outcome {
	switch {
	case err == nil && result.Reachable:
		return OutcomeReachable
	case err == nil:
		return OutcomeUnreachable
	case errors.Is(err, probe.ErrRetriesExhausted):
		return OutcomeTransient
	default:
		return OutcomeFatal
	}
}

type Config struct {
	Owner       string
	Host        string
	Interval    time.Duration
	StopTimeout time.Duration
}

// Dependencies wires collaborators. Prober is required; a nil Publisher
// disables telemetry publishing.
type Dependencies struct {
	Prober    Prober
	Publisher Publisher
	Alert     AlertFunc
	Recorder  events.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	Sleep     func(context.Context, time.Duration) error
}

// Session is the monitoring loop for a single host.
type Session struct {
	owner       string
	host        string
	interval    time.Duration
	stopTimeout time.Duration

	prober    Prober
	publisher Publisher
	alert     AlertFunc
	recorder  events.Recorder
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	started   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
	doneOnce  sync.Once
	done      chan struct{}
	alerts    chan types.Alert
	drainOnce sync.Once
	drained   chan struct{}

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
	stats     RollingStats
}

func NewSession(cfg Config, deps Dependencies) (*Session, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if deps.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	s := &Session{
		owner:       cfg.Owner,
		host:        cfg.Host,
		interval:    interval,
		stopTimeout: stopTimeout,
		prober:      deps.Prober,
		publisher:   deps.Publisher,
		alert:       deps.Alert,
		recorder:    deps.Recorder,
		logger:      deps.Logger,
		now:         deps.Now,
		sleep:       deps.Sleep,
		done:        make(chan struct{}),
		alerts:      make(chan types.Alert, alertQueueSize),
		drained:     make(chan struct{}),
	}
	if s.recorder == nil {
		s.recorder = events.NoopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	s.logger = s.logger.With("host", cfg.Host, "owner", cfg.Owner)
	return s, nil
}

func (s *Session) Host() string  { return s.host }
func (s *Session) Owner() string { return s.owner }

// Done is closed once the loop has exited and the session is stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start validates and resolves the host, then launches the loop. Validation
// and resolution errors are returned to the caller and leave the session
// stopped. The loop outlives ctx; only Stop ends it.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if _, err := s.prober.Check(ctx, s.host); err != nil {
		s.finish()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		cancel()
		return ErrSessionStopped
	}
	s.state = StateRunning
	s.startedAt = s.now()
	s.cancel = cancel
	s.mu.Unlock()

	s.recorder.Record(types.Event{
		Type:      types.EventSessionStarted,
		Timestamp: s.startedAt.UTC(),
		Host:      s.host,
		Labels:    map[string]string{"owner": s.owner},
	})
	s.logger.Info("monitoring started", "interval", s.interval)
	go s.deliver()
	go s.run(loopCtx)
	return nil
}

// Stop cancels the loop, disconnects the publisher and waits up to the stop
// timeout for the loop to exit. Repeated calls return the first result.
// Alerts already queued are still delivered after Stop returns.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Session) stop() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateStopped
		s.stoppedAt = s.now()
		s.mu.Unlock()
		if s.publisher != nil {
			s.publisher.Disconnect()
		}
		s.closeDone()
		s.closeDrained()
		return nil
	case StateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if s.publisher != nil {
		s.publisher.Disconnect()
	}
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		s.logger.Error("monitor loop did not exit before stop timeout", "timeout", s.stopTimeout)
		return ErrStopTimeout
	}
}

// finish marks a session that never ran as stopped.
func (s *Session) finish() {
	s.mu.Lock()
	s.state = StateStopped
	s.stoppedAt = s.now()
	s.mu.Unlock()
	s.closeDone()
	s.closeDrained()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) closeDrained() {
	s.drainOnce.Do(func() { close(s.drained) })
}

// Statistics returns a snapshot without waiting on an in-flight cycle.
func (s *Session) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.stats.snapshot()
	snap.Owner = s.owner
	snap.Host = s.host
	snap.State = s.state
	snap.Running = s.state == StateRunning
	snap.StartedAt = s.startedAt
	if !s.startedAt.IsZero() {
		end := s.now()
		if s.state == StateStopped && !s.stoppedAt.IsZero() {
			end = s.stoppedAt
		}
		snap.Duration = Duration(end.Sub(s.startedAt))
	}
	return snap
}

func (s *Session) run(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		// the loop is the only sender
		close(s.alerts)
		s.mu.Lock()
		s.state = StateStopped
		s.stoppedAt = s.now()
		s.mu.Unlock()
		s.recorder.Record(types.Event{
			Type:      types.EventSessionStopped,
			Timestamp: s.now().UTC(),
			Host:      s.host,
			Labels:    map[string]string{"owner": s.owner},
		})
		s.logger.Info("monitoring stopped")
		s.closeDone()
	}()

	if s.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.publisher.Connect(ctx) && ctx.Err() == nil {
				s.logger.Warn("telemetry publisher not connected; publishing will retry")
			}
		}()
	}

	for ctx.Err() == nil {
		wait := s.cycle(ctx)
		if err := s.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// cycle runs one probe and returns how long to wait before the next one.
func (s *Session) cycle(ctx context.Context) (wait time.Duration) {
	start := s.now()
	pingNumber := s.pingNumber()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor cycle failed", "ping_number", pingNumber, "error", fmt.Sprint(r))
			wait = min(s.interval, maxErrorBackoff)
		}
	}()

	s.runCycle(ctx, pingNumber)

	elapsed := s.now().Sub(start)
	if elapsed > s.interval {
		s.logger.Warn("monitor cycle overran interval", "ping_number", pingNumber, "elapsed", elapsed, "interval", s.interval)
		s.recorder.Record(types.Event{
			Type:      types.EventCycleOverrun,
			Timestamp: s.now().UTC(),
			Host:      s.host,
			Details:   map[string]any{"elapsed_ms": elapsed.Milliseconds()},
		})
		return 0
	}
	return s.interval - elapsed
}

func (s *Session) pingNumber() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.TotalPings + 1
}

func (s *Session) runCycle(ctx context.Context, pingNumber int64) {
	result, err := s.prober.Probe(ctx, s.host)
	if ctx.Err() != nil {
		return
	}
	outcome := classifyOutcome(result, err)
	if outcome == OutcomeReachable {
		s.handleSuccess(ctx, result, pingNumber)
		return
	}
	s.handleFailure(result, err, outcome, pingNumber)
}

func (s *Session) handleSuccess(ctx context.Context, result types.ProbeResult, pingNumber int64) {
	s.mu.Lock()
	prior := s.stats.recordSuccess(result.LatencyMs)
	snap := s.stats.snapshot()
	s.mu.Unlock()

	s.logger.Debug("host reachable", "ping_number", pingNumber, "latency_ms", result.LatencyMs.Float64)
	s.recorder.Record(types.Event{
		Type:      types.EventProbeSucceeded,
		Timestamp: s.now().UTC(),
		Host:      s.host,
		Details:   map[string]any{"latency_ms": result.LatencyMs.Float64},
	})

	if prior > 0 {
		s.logger.Info("host recovered", "consecutive_failures", prior)
		s.emit(types.Alert{
			Severity:            types.SeverityRecovery,
			Message:             recoveryMessage(s.host, prior, result.LatencyMs),
			ConsecutiveFailures: prior,
		})
	}

	if s.publisher == nil {
		return
	}
	ok := s.publisher.Publish(ctx, s.payload(result, pingNumber, snap))
	s.mu.Lock()
	s.stats.recordPublish(ok)
	s.mu.Unlock()
}

func (s *Session) handleFailure(result types.ProbeResult, err error, outcome Outcome, pingNumber int64) {
	s.mu.Lock()
	streak := s.stats.recordFailure()
	elapsed := s.now().Sub(s.startedAt)
	s.mu.Unlock()

	cause := result.ErrorDetail.String
	eventType := types.EventProbeFailed
	if err != nil {
		cause = probe.TruncateDetail(err.Error())
		eventType = types.EventProbeError
		s.logger.Warn("probe error", "ping_number", pingNumber, "outcome", outcome.String(), "error", err)
	} else {
		s.logger.Info("host unreachable", "ping_number", pingNumber, "consecutive_failures", streak, "detail", cause)
	}
	s.recorder.Record(types.Event{
		Type:      eventType,
		Timestamp: s.now().UTC(),
		Host:      s.host,
		Labels:    map[string]string{"outcome": outcome.String()},
		Details:   map[string]any{"detail": cause},
	})

	severity := SeverityFor(streak)
	s.emit(types.Alert{
		Severity:            severity,
		Message:             failureMessage(s.host, severity, streak, elapsed, cause),
		ConsecutiveFailures: streak,
	})
}

func (s *Session) payload(result types.ProbeResult, pingNumber int64, snap Statistics) map[string]any {
	ts := result.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	payload := map[string]any{
		types.TelemetryKeyHost:       s.host,
		types.TelemetryKeyLatency:    result.LatencyMs,
		types.TelemetryKeyTTL:        result.TTL,
		types.TelemetryKeyTimestamp:  ts.Unix(),
		types.TelemetryKeyPingNumber: pingNumber,
		types.TelemetryKeyStats: map[string]any{
			"total_pings":          snap.TotalPings,
			"successful_pings":     snap.SuccessfulPings,
			"failed_pings":         snap.FailedPings,
			"average_latency_ms":   snap.AverageLatencyMs,
			"min_latency_ms":       snap.MinLatencyMs,
			"max_latency_ms":       snap.MaxLatencyMs,
			"success_rate_percent": snap.SuccessRatePercent,
		},
	}
	if result.PacketLossPct.Valid {
		payload[types.TelemetryKeyPacketLoss] = result.PacketLossPct.Int64
	}
	return payload
}

func (s *Session) emit(alert types.Alert) {
	alert.Owner = s.owner
	alert.Host = s.host
	alert.At = s.now().UTC()

	eventType := types.EventAlert
	if alert.Severity == types.SeverityRecovery {
		eventType = types.EventRecovery
	}
	s.recorder.Record(types.Event{
		Type:      eventType,
		Timestamp: alert.At,
		Host:      s.host,
		Labels:    map[string]string{"severity": string(alert.Severity)},
		Details:   map[string]any{"consecutive_failures": alert.ConsecutiveFailures},
	})

	if s.alert == nil {
		return
	}
	select {
	case s.alerts <- alert:
	default:
		s.logger.Warn("alert queue full; dropping alert", "severity", alert.Severity, "consecutive_failures", alert.ConsecutiveFailures)
		s.recorder.Record(types.Event{
			Type:      types.EventAlertDropped,
			Timestamp: alert.At,
			Host:      s.host,
			Labels:    map[string]string{"severity": string(alert.Severity)},
		})
	}
}

// deliver hands queued alerts to the callback until the loop closes the queue.
func (s *Session) deliver() {
	defer s.closeDrained()
	for alert := range s.alerts {
		s.invoke(alert)
	}
}

func (s *Session) invoke(alert types.Alert) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("alert callback panicked", "severity", alert.Severity, "error", fmt.Sprint(r))
		}
	}()
	s.alert(alert)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
