package types

import "time"

type EventType string

const (
	EventSessionStarted EventType = "SessionStarted"
	EventSessionStopped EventType = "SessionStopped"
	EventProbeSucceeded EventType = "ProbeSucceeded"
	EventProbeFailed    EventType = "ProbeFailed"
	EventProbeError     EventType = "ProbeError"
	EventAlert          EventType = "Alert"
	EventRecovery       EventType = "Recovery"
	EventPublishOK      EventType = "PublishOK"
	EventPublishFailed  EventType = "PublishFailed"
	EventCycleOverrun   EventType = "CycleOverrun"
	EventAlertDropped   EventType = "AlertDropped"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	Host      string            `json:"host,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
