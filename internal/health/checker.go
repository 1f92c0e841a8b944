package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/pingwatch/internal/metrics"
)

const certExpiryWarningAhead = 24 * time.Hour

const (
	categoryNoSessions     = "NO_SESSIONS"
	categoryPublishFailing = "PUBLISH_FAILING"
	categoryAlertQueueFull = "ALERT_QUEUE_PRESSURE"
	categoryCertExpiring   = "CERT_EXPIRING"
	categoryCertExpired    = "CERT_EXPIRED"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness from the metrics store and the broker client
// certificate.
type Checker struct {
	metrics            *metrics.Store
	alertQueueCapacity int

	mu         sync.RWMutex
	certExpiry time.Time
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, alertQueueCapacity int) *Checker {
	return &Checker{
		metrics:            store,
		alertQueueCapacity: alertQueueCapacity,
	}
}

// SetCertExpiry records the expiry timestamp of the MQTT client certificate.
func (c *Checker) SetCertExpiry(expiry time.Time) {
	c.mu.Lock()
	c.certExpiry = expiry
	c.mu.Unlock()
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		if snap.SessionsActive <= 0 {
			reasons = append(reasons, "no monitoring sessions running")
			appendCategory(categoryNoSessions, severityInfo)
		}
		if snap.LastPublish == metrics.PublishFailed {
			reasons = append(reasons, "last telemetry publish failed")
			appendCategory(categoryPublishFailing, severityWarning)
		}
		if c.alertQueueCapacity > 0 && snap.AlertQueueDepth >= int64(c.alertQueueCapacity) {
			reasons = append(reasons, "alert queue capacity exceeded")
			appendCategory(categoryAlertQueueFull, severityWarning)
		}
	}

	c.mu.RLock()
	certExpiry := c.certExpiry
	c.mu.RUnlock()

	if !certExpiry.IsZero() {
		if !certExpiry.After(now) {
			reasons = append(reasons, "client certificate expired")
			appendCategory(categoryCertExpired, severityCritical)
		} else if left := certExpiry.Sub(now); left < certExpiryWarningAhead {
			reasons = append(reasons, fmt.Sprintf("client certificate expiring in %s", left.Round(time.Minute)))
			appendCategory(categoryCertExpiring, severityWarning)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
