package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v5"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

type probeStep struct {
	result types.ProbeResult
	err    error
	panic  bool
}

func reachable(latency float64) probeStep {
	return probeStep{result: types.ProbeResult{
		Reachable:     true,
		LatencyMs:     null.FloatFrom(latency),
		TTL:           null.IntFrom(57),
		PacketLossPct: null.IntFrom(0),
		Timestamp:     time.Unix(1_700_000_000, 0),
	}}
}

func unreachable() probeStep {
	return probeStep{result: types.ProbeResult{
		Reachable:     false,
		PacketLossPct: null.IntFrom(100),
		ErrorDetail:   null.StringFrom("100% packet loss"),
	}}
}

// scriptedProber replays steps in order and repeats the last one.
type scriptedProber struct {
	mu       sync.Mutex
	checkErr error
	steps    []probeStep
	calls    int
}

func (p *scriptedProber) Check(context.Context, string) (string, error) {
	return "203.0.113.10", p.checkErr
}

func (p *scriptedProber) Probe(ctx context.Context, _ string) (types.ProbeResult, error) {
	p.mu.Lock()
	var step probeStep
	if len(p.steps) > 0 {
		idx := p.calls
		if idx >= len(p.steps) {
			idx = len(p.steps) - 1
		}
		step = p.steps[idx]
	}
	p.calls++
	p.mu.Unlock()
	if step.panic {
		panic("probe exploded")
	}
	return step.result, step.err
}

type fakePublisher struct {
	mu          sync.Mutex
	fail        bool
	connects    int
	disconnects int
	payloads    []map[string]any
}

func (p *fakePublisher) Connect(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return !p.fail
}

func (p *fakePublisher) Publish(_ context.Context, payload map[string]any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return !p.fail
}

func (p *fakePublisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
}

func (p *fakePublisher) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// cycleSleeper lets a fixed number of cycles through, then parks the loop
// until it is cancelled.
type cycleSleeper struct {
	mu    sync.Mutex
	limit int
	waits []time.Duration
}

func (c *cycleSleeper) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	n := len(c.waits)
	c.mu.Unlock()
	if n < c.limit {
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *cycleSleeper) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type alertLog struct {
	mu    sync.Mutex
	alerts []types.Alert
}

func (a *alertLog) record(alert types.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *alertLog) all() []types.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Alert(nil), a.alerts...)
}

// steppingClock advances by step on every read.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !fn() {
		t.Fatalf("condition not met within %s", timeout)
	}
}
