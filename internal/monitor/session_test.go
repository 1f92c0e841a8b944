package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/pingwatch/internal/events"
	"github.com/pingsantohq/pingwatch/internal/probe"
	"github.com/pingsantohq/pingwatch/pkg/types"
)

type fixture struct {
	prober    *scriptedProber
	publisher *fakePublisher
	sleeper   *cycleSleeper
	alerts    *alertLog
	events    *eventLog
	session   *Session
}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Record(ev types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind types.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) detail(kind types.EventType) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == kind {
			s, _ := ev.Details["detail"].(string)
			return s
		}
	}
	return ""
}

func newFixture(t *testing.T, cycles int, steps ...probeStep) *fixture {
	t.Helper()
	f := &fixture{
		prober:    &scriptedProber{steps: steps},
		publisher: &fakePublisher{},
		sleeper:   &cycleSleeper{limit: cycles},
		alerts:    &alertLog{},
		events:    &eventLog{},
	}
	session, err := NewSession(Config{Owner: "chat-42", Host: "example.com", Interval: 6 * time.Second}, Dependencies{
		Prober:    f.prober,
		Publisher: f.publisher,
		Alert:     f.alerts.record,
		Recorder:  f.events,
		Sleep:     f.sleeper.sleep,
	})
	require.NoError(t, err)
	f.session = session
	return f
}

func (f *fixture) runCycles(t *testing.T, n int64) Statistics {
	t.Helper()
	require.NoError(t, f.session.Start(context.Background()))
	waitUntil(t, 2*time.Second, func() bool {
		return f.session.Statistics().TotalPings >= n
	})
	require.NoError(t, f.session.Stop())
	f.waitDrained(t)
	return f.session.Statistics()
}

// waitDrained blocks until every queued alert has reached the callback.
func (f *fixture) waitDrained(t *testing.T) {
	t.Helper()
	select {
	case <-f.session.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("alert queue was not drained")
	}
}

func severities(alerts []types.Alert) []types.Severity {
	out := make([]types.Severity, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Severity)
	}
	return out
}

func TestSessionFailuresThenRecovery(t *testing.T) {
	f := newFixture(t, 4, unreachable(), unreachable(), unreachable(), reachable(12.5))

	stats := f.runCycles(t, 4)

	alerts := f.alerts.all()
	require.Len(t, alerts, 4)
	assert.Equal(t, []types.Severity{
		types.SeverityFirst, types.SeverityPersistent, types.SeverityPersistent, types.SeverityRecovery,
	}, severities(alerts))
	assert.Contains(t, alerts[0].Message, "FIRST ALERT")
	assert.Contains(t, alerts[0].Message, "1 consecutive failure")
	assert.Contains(t, alerts[2].Message, "3 consecutive failures")
	assert.Contains(t, alerts[3].Message, "after 3 consecutive failures")
	assert.Equal(t, 3, alerts[3].ConsecutiveFailures)
	for _, a := range alerts {
		assert.Equal(t, "chat-42", a.Owner)
		assert.Equal(t, "example.com", a.Host)
	}

	assert.EqualValues(t, 4, stats.TotalPings)
	assert.EqualValues(t, 1, stats.SuccessfulPings)
	assert.EqualValues(t, 3, stats.FailedPings)
	assert.Equal(t, stats.TotalPings, stats.SuccessfulPings+stats.FailedPings)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 3, stats.MaxConsecutiveFailures)
	assert.Equal(t, 12.5, stats.AverageLatencyMs.Float64)
	assert.Equal(t, 25.0, stats.SuccessRatePercent)
	assert.Equal(t, 75.0, stats.FailureRatePercent)
	assert.EqualValues(t, 1, stats.PublishSuccessCount)
	assert.Equal(t, 100.0, stats.PublishSuccessRatePercent)
	assert.False(t, stats.Running)
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, 1, f.events.count(types.EventRecovery))
	assert.Equal(t, 3, f.events.count(types.EventAlert))
}

func TestSessionEscalatesToCritical(t *testing.T) {
	f := newFixture(t, 5, unreachable())

	f.runCycles(t, 5)

	assert.Equal(t, []types.Severity{
		types.SeverityFirst,
		types.SeverityPersistent,
		types.SeverityPersistent,
		types.SeverityCritical,
		types.SeverityCritical,
	}, severities(f.alerts.all()))
}

func TestSessionPublishesTelemetry(t *testing.T) {
	f := newFixture(t, 2, reachable(10), reachable(20))

	stats := f.runCycles(t, 2)

	require.Len(t, f.publisher.payloads, 2)
	payload := f.publisher.payloads[1]
	assert.Equal(t, "example.com", payload[types.TelemetryKeyHost])
	assert.EqualValues(t, 2, payload[types.TelemetryKeyPingNumber])
	assert.EqualValues(t, 1_700_000_000, payload[types.TelemetryKeyTimestamp])
	assert.EqualValues(t, 0, payload[types.TelemetryKeyPacketLoss])
	nested, ok := payload[types.TelemetryKeyStats].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, nested["total_pings"])

	assert.Equal(t, 15.0, stats.AverageLatencyMs.Float64)
	assert.Equal(t, 10.0, stats.MinLatencyMs.Float64)
	assert.Equal(t, 20.0, stats.MaxLatencyMs.Float64)
	assert.Empty(t, f.alerts.all())
}

func TestSessionPublishFailureDoesNotAffectProbeStats(t *testing.T) {
	f := newFixture(t, 2, reachable(10))
	f.publisher.fail = true

	stats := f.runCycles(t, 2)

	assert.EqualValues(t, 2, stats.SuccessfulPings)
	assert.EqualValues(t, 2, stats.PublishFailureCount)
	assert.Zero(t, stats.PublishSuccessRatePercent)
	assert.Empty(t, f.alerts.all())
}

func TestSessionProbeErrorsCountAsFailures(t *testing.T) {
	resolution := &probe.NetworkError{Kind: probe.ErrResolution, Host: "example.com", Err: errors.New("no such host")}
	exhausted := &probe.NetworkError{Kind: probe.ErrRetriesExhausted, Host: "example.com", Err: errors.New("killed")}
	f := newFixture(t, 2, probeStep{err: resolution}, probeStep{err: exhausted})

	stats := f.runCycles(t, 2)

	assert.EqualValues(t, 2, stats.FailedPings)
	assert.Equal(t, 2, f.events.count(types.EventProbeError))
	alerts := f.alerts.all()
	require.Len(t, alerts, 2)
	assert.Contains(t, alerts[0].Message, "no such host")
}

func TestSessionRecoversFromCyclePanic(t *testing.T) {
	f := newFixture(t, 2, probeStep{panic: true}, reachable(5))

	stats := f.runCycles(t, 1)

	assert.EqualValues(t, 1, stats.SuccessfulPings)
	waits := f.sleeper.recorded()
	require.NotEmpty(t, waits)
	assert.Equal(t, 6*time.Second, waits[0])
}

func TestSessionAlertCallbackPanicIsContained(t *testing.T) {
	f := newFixture(t, 2, unreachable())
	f.session.alert = func(types.Alert) { panic("chat backend down") }

	stats := f.runCycles(t, 2)

	assert.EqualValues(t, 2, stats.FailedPings)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
}

func TestSessionStopFromAlertCallback(t *testing.T) {
	f := newFixture(t, 1, unreachable())
	stopped := make(chan error, 1)
	f.session.alert = func(types.Alert) {
		stopped <- f.session.Stop()
	}

	require.NoError(t, f.session.Start(context.Background()))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop from callback deadlocked")
	}
	select {
	case <-f.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	assert.Equal(t, StateStopped, f.session.State())
	assert.EqualValues(t, 1, f.session.Statistics().TotalPings)
	f.waitDrained(t)
}

func TestSessionStopWaitsForLoopWhileCallbackBlocks(t *testing.T) {
	f := newFixture(t, 1, unreachable())
	entered := make(chan struct{})
	release := make(chan struct{})
	f.session.alert = func(types.Alert) {
		close(entered)
		<-release
	}

	require.NoError(t, f.session.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("alert callback never ran")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- f.session.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked behind the alert callback")
	}
	select {
	case <-f.session.Done():
	default:
		t.Fatal("stop returned before the loop exited")
	}
	assert.Equal(t, StateStopped, f.session.State())
	assert.Equal(t, 1, f.events.count(types.EventSessionStopped))

	select {
	case <-f.session.drained:
		t.Fatal("delivery finished while the callback was still running")
	default:
	}
	close(release)
	f.waitDrained(t)
}

func TestSessionDropsAlertsWhenQueueIsFull(t *testing.T) {
	const cycles = alertQueueSize * 3
	f := newFixture(t, cycles, unreachable())
	release := make(chan struct{})
	f.session.alert = func(a types.Alert) {
		<-release
		f.alerts.record(a)
	}

	require.NoError(t, f.session.Start(context.Background()))
	waitUntil(t, 2*time.Second, func() bool {
		return f.session.Statistics().TotalPings >= cycles
	})
	require.NoError(t, f.session.Stop())

	dropped := f.events.count(types.EventAlertDropped)
	assert.Positive(t, dropped)
	close(release)
	f.waitDrained(t)

	alerts := f.alerts.all()
	assert.LessOrEqual(t, len(alerts), alertQueueSize+1)
	assert.Equal(t, cycles, len(alerts)+dropped)
	assert.Equal(t, types.SeverityFirst, alerts[0].Severity)
}

func TestSessionBoundsErrorCauseInAlert(t *testing.T) {
	long := strings.Repeat("resolver returned garbage ", 40)
	f := newFixture(t, 1, probeStep{err: &probe.NetworkError{Kind: probe.ErrResolution, Host: "example.com", Err: errors.New(long)}})

	f.runCycles(t, 1)

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.NotContains(t, alerts[0].Message, long)
	assert.Contains(t, alerts[0].Message, "...")
	assert.Less(t, utf8.RuneCountInString(alerts[0].Message), 400)

	detail := f.events.detail(types.EventProbeError)
	assert.LessOrEqual(t, utf8.RuneCountInString(detail), 120)
	assert.True(t, strings.HasSuffix(detail, "..."))
}

func TestSessionStopIsIdempotent(t *testing.T) {
	f := newFixture(t, 1, reachable(1))
	require.NoError(t, f.session.Start(context.Background()))

	require.NoError(t, f.session.Stop())
	require.NoError(t, f.session.Stop())

	assert.Equal(t, 1, f.publisher.disconnectCount())
	assert.Equal(t, StateStopped, f.session.State())
}

func TestSessionStopBeforeStart(t *testing.T) {
	f := newFixture(t, 1, reachable(1))

	require.NoError(t, f.session.Stop())

	assert.Equal(t, StateStopped, f.session.State())
	assert.ErrorIs(t, f.session.Start(context.Background()), ErrSessionStopped)
}

func TestSessionStopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	session, err := NewSession(Config{Host: "example.com", StopTimeout: 20 * time.Millisecond}, Dependencies{
		Prober: blockingProber{release: block},
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, session.Stop(), ErrStopTimeout)
	assert.ErrorIs(t, session.Stop(), ErrStopTimeout)
}

type blockingProber struct {
	release chan struct{}
}

func (blockingProber) Check(context.Context, string) (string, error) { return "203.0.113.1", nil }

func (p blockingProber) Probe(context.Context, string) (types.ProbeResult, error) {
	<-p.release
	return types.ProbeResult{}, nil
}

func TestSessionStartRejectsInvalidHost(t *testing.T) {
	f := newFixture(t, 1)
	f.prober.checkErr = &probe.NetworkError{Kind: probe.ErrValidation, Host: "localhost"}

	err := f.session.Start(context.Background())

	assert.ErrorIs(t, err, probe.ErrValidation)
	assert.Equal(t, StateStopped, f.session.State())
	assert.Zero(t, f.prober.calls)
	assert.NoError(t, f.session.Stop())
}

func TestSessionStartTwice(t *testing.T) {
	f := newFixture(t, 1, reachable(1))
	require.NoError(t, f.session.Start(context.Background()))
	defer f.session.Stop()

	assert.ErrorIs(t, f.session.Start(context.Background()), ErrAlreadyStarted)
}

func TestSessionOverrunSkipsSleep(t *testing.T) {
	clock := &steppingClock{now: time.Unix(0, 0), step: 4 * time.Second}
	sleeper := &cycleSleeper{limit: 1}
	var overruns int
	var mu sync.Mutex
	rec := events.Func(func(ev types.Event) {
		if ev.Type == types.EventCycleOverrun {
			mu.Lock()
			overruns++
			mu.Unlock()
		}
	})
	session, err := NewSession(Config{Host: "example.com", Interval: 6 * time.Second}, Dependencies{
		Prober:   &scriptedProber{steps: []probeStep{reachable(1)}},
		Recorder: rec,
		Now:      clock.Now,
		Sleep:    sleeper.sleep,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	waitUntil(t, 2*time.Second, func() bool { return len(sleeper.recorded()) == 1 })
	require.NoError(t, session.Stop())

	assert.Equal(t, []time.Duration{0}, sleeper.recorded())
	mu.Lock()
	assert.Equal(t, 1, overruns)
	mu.Unlock()
}

func TestNewSessionFloorsInterval(t *testing.T) {
	session, err := NewSession(Config{Host: "example.com", Interval: time.Second}, Dependencies{Prober: &scriptedProber{}})
	require.NoError(t, err)
	assert.Equal(t, MinInterval, session.interval)

	_, err = NewSession(Config{}, Dependencies{Prober: &scriptedProber{}})
	assert.Error(t, err)
	_, err = NewSession(Config{Host: "example.com"}, Dependencies{})
	assert.Error(t, err)
}

func TestSeverityFor(t *testing.T) {
	cases := map[int]types.Severity{
		1: types.SeverityFirst,
		2: types.SeverityPersistent,
		3: types.SeverityPersistent,
		4: types.SeverityCritical,
		9: types.SeverityCritical,
	}
	for n, want := range cases {
		assert.Equal(t, want, SeverityFor(n), "streak %d", n)
	}
}

func TestClassifyOutcome(t *testing.T) {
	assert.Equal(t, OutcomeReachable, classifyOutcome(reachable(1).result, nil))
	assert.Equal(t, OutcomeUnreachable, classifyOutcome(unreachable().result, nil))
	assert.Equal(t, OutcomeTransient, classifyOutcome(types.ProbeResult{}, &probe.NetworkError{Kind: probe.ErrRetriesExhausted}))
	assert.Equal(t, OutcomeFatal, classifyOutcome(types.ProbeResult{}, &probe.NetworkError{Kind: probe.ErrResolution}))
}
