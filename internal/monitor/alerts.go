package monitor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/guregu/null/v5"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

// SeverityFor maps the length of a failure streak to its alert tier.
func SeverityFor(consecutiveFailures int) types.Severity {
	switch {
	case consecutiveFailures >= 4:
		return types.SeverityCritical
	case consecutiveFailures >= 2:
		return types.SeverityPersistent
	default:
		return types.SeverityFirst
	}
}

var severityLabel = map[types.Severity]string{
	types.SeverityFirst:      "FIRST ALERT",
	types.SeverityPersistent: "PERSISTENT ALERT",
	types.SeverityCritical:   "CRITICAL ALERT",
	types.SeverityRecovery:   "RECOVERED",
}

func failureMessage(host string, severity types.Severity, consecutive int, elapsed time.Duration, cause string) string {
	msg := fmt.Sprintf("%s: host %s is unreachable (%d consecutive %s, monitoring for %s)",
		severityLabel[severity], host, consecutive, plural(consecutive, "failure"), elapsed.Truncate(time.Second))
	if cause != "" {
		msg += ": " + cause
	}
	return msg
}

func recoveryMessage(host string, priorFailures int, latency null.Float) string {
	msg := fmt.Sprintf("%s: host %s is reachable again after %d consecutive %s",
		severityLabel[types.SeverityRecovery], host, priorFailures, plural(priorFailures, "failure"))
	if latency.Valid {
		msg += fmt.Sprintf(" (latency %.2f ms)", latency.Float64)
	}
	return msg
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
