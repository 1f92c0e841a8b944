package monitor

import (
	"math"
	"time"

	"github.com/guregu/null/v5"
)

// LatencyWindow is the number of trailing samples averaged by RollingStats.
const LatencyWindow = 100

// RollingStats accumulates per-session counters. It is not safe for
// concurrent use; Session guards it.
type RollingStats struct {
	TotalPings             int64
	SuccessfulPings        int64
	FailedPings            int64
	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	PublishSuccessCount    int64
	PublishFailureCount    int64

	window  [LatencyWindow]float64
	next    int
	filled  int
	sum     float64
	minimum null.Float
	maximum null.Float
}

// recordSuccess adds a reachable probe and returns the failure streak it ended.
func (r *RollingStats) recordSuccess(latencyMs null.Float) int {
	r.TotalPings++
	r.SuccessfulPings++
	ended := r.ConsecutiveFailures
	r.ConsecutiveFailures = 0
	if latencyMs.Valid {
		r.pushLatency(latencyMs.Float64)
	}
	return ended
}

// recordFailure adds an unreachable probe and returns the new streak length.
func (r *RollingStats) recordFailure() int {
	r.TotalPings++
	r.FailedPings++
	r.ConsecutiveFailures++
	if r.ConsecutiveFailures > r.MaxConsecutiveFailures {
		r.MaxConsecutiveFailures = r.ConsecutiveFailures
	}
	return r.ConsecutiveFailures
}

func (r *RollingStats) recordPublish(ok bool) {
	if ok {
		r.PublishSuccessCount++
	} else {
		r.PublishFailureCount++
	}
}

func (r *RollingStats) pushLatency(v float64) {
	if r.filled == LatencyWindow {
		r.sum -= r.window[r.next]
	} else {
		r.filled++
	}
	r.window[r.next] = v
	r.sum += v
	r.next = (r.next + 1) % LatencyWindow

	if !r.minimum.Valid || v < r.minimum.Float64 {
		r.minimum = null.FloatFrom(v)
	}
	if !r.maximum.Valid || v > r.maximum.Float64 {
		r.maximum = null.FloatFrom(v)
	}
}

func (r *RollingStats) averageLatency() null.Float {
	if r.filled == 0 {
		return null.Float{}
	}
	return null.FloatFrom(round2(r.sum / float64(r.filled)))
}

// Statistics is an immutable snapshot of a session.
type Statistics struct {
	Owner                     string     `json:"owner,omitempty"`
	Host                      string     `json:"host"`
	Running                   bool       `json:"running"`
	State                     State      `json:"state"`
	StartedAt                 time.Time  `json:"started_at"`
	Duration                  Duration   `json:"duration"`
	TotalPings                int64      `json:"total_pings"`
	SuccessfulPings           int64      `json:"successful_pings"`
	FailedPings               int64      `json:"failed_pings"`
	ConsecutiveFailures       int        `json:"consecutive_failures"`
	MaxConsecutiveFailures    int        `json:"max_consecutive_failures"`
	AverageLatencyMs          null.Float `json:"average_latency_ms"`
	MinLatencyMs              null.Float `json:"min_latency_ms"`
	MaxLatencyMs              null.Float `json:"max_latency_ms"`
	PublishSuccessCount       int64      `json:"publish_success_count"`
	PublishFailureCount       int64      `json:"publish_failure_count"`
	SuccessRatePercent        float64    `json:"success_rate_percent"`
	FailureRatePercent        float64    `json:"failure_rate_percent"`
	PublishSuccessRatePercent float64    `json:"publish_success_rate_percent"`
}

// Duration marshals as whole seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(formatSeconds(time.Duration(d))), nil
}

func (r *RollingStats) snapshot() Statistics {
	s := Statistics{
		TotalPings:             r.TotalPings,
		SuccessfulPings:        r.SuccessfulPings,
		FailedPings:            r.FailedPings,
		ConsecutiveFailures:    r.ConsecutiveFailures,
		MaxConsecutiveFailures: r.MaxConsecutiveFailures,
		AverageLatencyMs:       r.averageLatency(),
		MinLatencyMs:           r.minimum,
		MaxLatencyMs:           r.maximum,
		PublishSuccessCount:    r.PublishSuccessCount,
		PublishFailureCount:    r.PublishFailureCount,
	}
	s.SuccessRatePercent = percent(r.SuccessfulPings, r.TotalPings)
	s.FailureRatePercent = percent(r.FailedPings, r.TotalPings)
	s.PublishSuccessRatePercent = percent(r.PublishSuccessCount, r.PublishSuccessCount+r.PublishFailureCount)
	return s
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) * 100 / float64(total))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
