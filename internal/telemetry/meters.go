package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

const instrumentationName = "github.com/pingsantohq/pingwatch"

// Meters holds pre-created OTel instruments fed from monitor events.
// It implements events.Recorder.
type Meters struct {
	ProbeCount     metric.Int64Counter
	ProbeLatency   metric.Float64Histogram
	AlertCount     metric.Int64Counter
	RecoveryCount  metric.Int64Counter
	PublishCount   metric.Int64Counter
	SessionsActive metric.Int64UpDownCounter
	OverrunCount   metric.Int64Counter
	DroppedAlerts  metric.Int64Counter
}

// NewMeters creates all instruments on the global meter provider.
func NewMeters() (*Meters, error) {
	return NewMetersWith(otel.Meter(instrumentationName))
}

// NewMetersWith creates all instruments on the supplied meter.
func NewMetersWith(meter metric.Meter) (*Meters, error) {
	probeCount, err := meter.Int64Counter(
		"pingwatch.probe.count",
		metric.WithDescription("Probe cycles by outcome"),
	)
	if err != nil {
		return nil, err
	}

	probeLatency, err := meter.Float64Histogram(
		"pingwatch.probe.latency",
		metric.WithDescription("Average round-trip latency of successful probes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	alertCount, err := meter.Int64Counter(
		"pingwatch.alert.count",
		metric.WithDescription("Unreachability alerts emitted by severity"),
	)
	if err != nil {
		return nil, err
	}

	recoveryCount, err := meter.Int64Counter(
		"pingwatch.recovery.count",
		metric.WithDescription("Recovery notices emitted"),
	)
	if err != nil {
		return nil, err
	}

	publishCount, err := meter.Int64Counter(
		"pingwatch.publish.count",
		metric.WithDescription("Telemetry publishes by result"),
	)
	if err != nil {
		return nil, err
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"pingwatch.sessions.active",
		metric.WithDescription("Monitoring sessions currently running"),
	)
	if err != nil {
		return nil, err
	}

	overrunCount, err := meter.Int64Counter(
		"pingwatch.cycle.overrun.count",
		metric.WithDescription("Cycles that took longer than the monitor interval"),
	)
	if err != nil {
		return nil, err
	}

	droppedAlerts, err := meter.Int64Counter(
		"pingwatch.alert.dropped.count",
		metric.WithDescription("Alerts dropped because the delivery queue was full"),
	)
	if err != nil {
		return nil, err
	}

	return &Meters{
		ProbeCount:     probeCount,
		ProbeLatency:   probeLatency,
		AlertCount:     alertCount,
		RecoveryCount:  recoveryCount,
		PublishCount:   publishCount,
		SessionsActive: sessionsActive,
		OverrunCount:   overrunCount,
		DroppedAlerts:  droppedAlerts,
	}, nil
}

// WithAttrs returns a metric.MeasurementOption from attribute key-value pairs.
func WithAttrs(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}

// Record translates a monitor event into instrument updates.
func (m *Meters) Record(ev types.Event) {
	if m == nil {
		return
	}
	ctx := context.Background()
	host := attribute.String("host", ev.Host)

	switch ev.Type {
	case types.EventSessionStarted:
		m.SessionsActive.Add(ctx, 1)
	case types.EventSessionStopped:
		m.SessionsActive.Add(ctx, -1)
	case types.EventProbeSucceeded:
		m.ProbeCount.Add(ctx, 1, WithAttrs(host, attribute.String("outcome", "reachable")))
		if latency, ok := ev.Details["latency_ms"].(float64); ok && latency > 0 {
			m.ProbeLatency.Record(ctx, latency, WithAttrs(host))
		}
	case types.EventProbeFailed, types.EventProbeError:
		outcome := ev.Labels["outcome"]
		if outcome == "" {
			outcome = "unreachable"
		}
		m.ProbeCount.Add(ctx, 1, WithAttrs(host, attribute.String("outcome", outcome)))
	case types.EventAlert:
		m.AlertCount.Add(ctx, 1, WithAttrs(host, attribute.String("severity", ev.Labels["severity"])))
	case types.EventRecovery:
		m.RecoveryCount.Add(ctx, 1, WithAttrs(host))
	case types.EventPublishOK:
		m.PublishCount.Add(ctx, 1, WithAttrs(attribute.String("result", "ok")))
	case types.EventPublishFailed:
		m.PublishCount.Add(ctx, 1, WithAttrs(attribute.String("result", "failed")))
	case types.EventCycleOverrun:
		m.OverrunCount.Add(ctx, 1, WithAttrs(host))
	case types.EventAlertDropped:
		m.DroppedAlerts.Add(ctx, 1, WithAttrs(host))
	}
}
