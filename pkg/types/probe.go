package types

import (
	"time"

	"github.com/guregu/null/v5"
)

// ProbeResult is the normalized outcome of one echo probe against a host.
// Optional fields stay invalid (JSON null) when the probe tool did not report them.
type ProbeResult struct {
	Host          string      `json:"host" yaml:"host"`
	Address       string      `json:"address" yaml:"address"`
	Timestamp     time.Time   `json:"ts" yaml:"ts"`
	LatencyMs     null.Float  `json:"latency_ms" yaml:"latency_ms"`
	MinLatencyMs  null.Float  `json:"min_latency_ms" yaml:"min_latency_ms"`
	MaxLatencyMs  null.Float  `json:"max_latency_ms" yaml:"max_latency_ms"`
	TTL           null.Int    `json:"ttl" yaml:"ttl"`
	PacketLossPct null.Int    `json:"packet_loss_pct" yaml:"packet_loss_pct"`
	Reachable     bool        `json:"reachable" yaml:"reachable"`
	ErrorDetail   null.String `json:"error_detail" yaml:"error_detail"`
	Attempts      int         `json:"attempts" yaml:"attempts"`
}

// Telemetry payload keys published to the bus.
const (
	TelemetryKeyHost       = "host"
	TelemetryKeyLatency    = "latency"
	TelemetryKeyTTL        = "ttl"
	TelemetryKeyTimestamp  = "timestamp"
	TelemetryKeyPingNumber = "ping_number"
	TelemetryKeyStats      = "stats"
	TelemetryKeyPacketLoss = "packet_loss"
	TelemetryKeyClientID   = "client_id"
)
