package types

import "time"

type Severity string

const (
	SeverityFirst      Severity = "first"
	SeverityPersistent Severity = "persistent"
	SeverityCritical   Severity = "critical"
	SeverityRecovery   Severity = "recovery"
)

// Alert is handed to the caller-owned alert callback on failure-state changes.
type Alert struct {
	Owner               string    `json:"owner,omitempty"`
	Host                string    `json:"host"`
	Severity            Severity  `json:"severity"`
	Message             string    `json:"message"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	At                  time.Time `json:"at"`
}
