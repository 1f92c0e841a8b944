package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

// Publish states reported by Snapshot.LastPublish.
const (
	PublishUnknown = "unknown"
	PublishOK      = "ok"
	PublishFailed  = "failed"
)

// Store maintains in-memory gauges and counters for the monitor process.
// It implements events.Recorder.
type Store struct {
	sessionsActive      atomic.Int64
	sessionsStarted     atomic.Uint64
	probesSucceeded     atomic.Uint64
	probesFailed        atomic.Uint64
	probeErrors         atomic.Uint64
	recoveries          atomic.Uint64
	publishesOK         atomic.Uint64
	publishesFailed     atomic.Uint64
	lastPublish         atomic.Int64
	cycleOverruns       atomic.Uint64
	alertQueueDepth     atomic.Int64
	alertQueueDrops     atomic.Uint64
	alertsBySeverity    sync.Map // severity -> *atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
	readyAlerts         atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	SessionsActive      int64
	SessionsStarted     uint64
	ProbesSucceeded     uint64
	ProbesFailed        uint64
	ProbeErrors         uint64
	Recoveries          uint64
	PublishesOK         uint64
	PublishesFailed     uint64
	LastPublish         string
	CycleOverruns       uint64
	AlertQueueDepth     int64
	AlertQueueDrops     uint64
	AlertsBySeverity    map[string]uint64
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyAlerts         uint64
	ReadyCategories     []ReadinessCategory
	CategoryTransitions []CategoryCount
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

// Record updates counters from a monitor event.
func (s *Store) Record(ev types.Event) {
	switch ev.Type {
	case types.EventSessionStarted:
		s.sessionsStarted.Add(1)
		s.sessionsActive.Add(1)
	case types.EventSessionStopped:
		s.sessionsActive.Add(-1)
	case types.EventProbeSucceeded:
		s.probesSucceeded.Add(1)
	case types.EventProbeFailed:
		s.probesFailed.Add(1)
	case types.EventProbeError:
		s.probeErrors.Add(1)
	case types.EventAlert:
		s.counter(&s.alertsBySeverity, normalizeSeverity(ev.Labels["severity"])).Add(1)
	case types.EventRecovery:
		s.recoveries.Add(1)
	case types.EventPublishOK:
		s.publishesOK.Add(1)
		s.lastPublish.Store(1)
	case types.EventPublishFailed:
		s.publishesFailed.Add(1)
		s.lastPublish.Store(2)
	case types.EventCycleOverrun:
		s.cycleOverruns.Add(1)
	}
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)
	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})
	bySeverity := make(map[string]uint64)
	s.alertsBySeverity.Range(func(key, value any) bool {
		name, _ := key.(string)
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			bySeverity[name] = counter.Load()
		}
		return true
	})
	lastPublish := PublishUnknown
	switch s.lastPublish.Load() {
	case 1:
		lastPublish = PublishOK
	case 2:
		lastPublish = PublishFailed
	}
	return Snapshot{
		SessionsActive:      s.sessionsActive.Load(),
		SessionsStarted:     s.sessionsStarted.Load(),
		ProbesSucceeded:     s.probesSucceeded.Load(),
		ProbesFailed:        s.probesFailed.Load(),
		ProbeErrors:         s.probeErrors.Load(),
		Recoveries:          s.recoveries.Load(),
		PublishesOK:         s.publishesOK.Load(),
		PublishesFailed:     s.publishesFailed.Load(),
		LastPublish:         lastPublish,
		CycleOverruns:       s.cycleOverruns.Load(),
		AlertQueueDepth:     s.alertQueueDepth.Load(),
		AlertQueueDrops:     s.alertQueueDrops.Load(),
		AlertsBySeverity:    bySeverity,
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         readyReason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
		ReadyAlerts:         s.readyAlerts.Load(),
		ReadyCategories:     categories,
		CategoryTransitions: categoryCounts,
	}
}

// QueueRecorder returns an implementation of QueueRecorder backed by the store.
func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.alertQueueDepth.Store(int64(depth))
}

func (r queueRecorder) IncQueueDrops() {
	r.store.alertQueueDrops.Add(1)
}

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
		s.readyAlerts.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 && len(deduped) > 0 {
		for _, cat := range deduped {
			key := categoryKey{Name: cat.Name, Severity: cat.Severity}
			s.counter(&s.categoryTotals, key).Add(1)
		}
	}
}

func (s *Store) counter(m *sync.Map, key any) *atomic.Uint64 {
	if value, ok := m.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	actual, _ := m.LoadOrStore(key, &atomic.Uint64{})
	return actual.(*atomic.Uint64)
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		key := categoryKey{Name: strings.TrimSpace(c.Name), Severity: normalizeSeverity(c.Severity)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{Name: key.Name, Severity: key.Severity})
	}
	return result
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	switch severity {
	case "":
		return "unknown"
	case "warn", "warning":
		return "warning"
	case "crit":
		return "critical"
	default:
		return severity
	}
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	reason := snap.ReadyReason
	if snap.Ready {
		readyValue = 1
		reason = "ready"
	} else if reason == "" {
		reason = "unknown"
	}
	lines := []string{
		"# HELP pingwatch_sessions_active Number of monitoring sessions currently running.",
		"# TYPE pingwatch_sessions_active gauge",
		fmt.Sprintf("pingwatch_sessions_active %d", snap.SessionsActive),
		"# HELP pingwatch_sessions_started_total Monitoring sessions started since process start.",
		"# TYPE pingwatch_sessions_started_total counter",
		fmt.Sprintf("pingwatch_sessions_started_total %d", snap.SessionsStarted),
		"# HELP pingwatch_probes_total Probe cycles by outcome.",
		"# TYPE pingwatch_probes_total counter",
		fmt.Sprintf("pingwatch_probes_total{outcome=%q} %d", "reachable", snap.ProbesSucceeded),
		fmt.Sprintf("pingwatch_probes_total{outcome=%q} %d", "unreachable", snap.ProbesFailed),
		fmt.Sprintf("pingwatch_probes_total{outcome=%q} %d", "error", snap.ProbeErrors),
		"# HELP pingwatch_alerts_total Failure alerts raised by severity.",
		"# TYPE pingwatch_alerts_total counter",
	}
	severities := make([]string, 0, len(snap.AlertsBySeverity))
	for sev := range snap.AlertsBySeverity {
		severities = append(severities, sev)
	}
	sort.Strings(severities)
	if len(severities) == 0 {
		lines = append(lines, fmt.Sprintf("pingwatch_alerts_total{severity=%q} 0", "none"))
	}
	for _, sev := range severities {
		lines = append(lines, fmt.Sprintf("pingwatch_alerts_total{severity=%q} %d", sev, snap.AlertsBySeverity[sev]))
	}
	lines = append(lines,
		"# HELP pingwatch_recoveries_total Hosts that became reachable after a failure streak.",
		"# TYPE pingwatch_recoveries_total counter",
		fmt.Sprintf("pingwatch_recoveries_total %d", snap.Recoveries),
		"# HELP pingwatch_publishes_total Telemetry publishes by result.",
		"# TYPE pingwatch_publishes_total counter",
		fmt.Sprintf("pingwatch_publishes_total{result=%q} %d", "ok", snap.PublishesOK),
		fmt.Sprintf("pingwatch_publishes_total{result=%q} %d", "failed", snap.PublishesFailed),
		"# HELP pingwatch_cycle_overruns_total Probe cycles that took longer than the interval.",
		"# TYPE pingwatch_cycle_overruns_total counter",
		fmt.Sprintf("pingwatch_cycle_overruns_total %d", snap.CycleOverruns),
		"# HELP pingwatch_alert_queue_depth_number Alerts waiting for delivery.",
		"# TYPE pingwatch_alert_queue_depth_number gauge",
		fmt.Sprintf("pingwatch_alert_queue_depth_number %d", snap.AlertQueueDepth),
		"# HELP pingwatch_alert_queue_dropped_total Alerts dropped because the delivery queue was full.",
		"# TYPE pingwatch_alert_queue_dropped_total counter",
		fmt.Sprintf("pingwatch_alert_queue_dropped_total %d", snap.AlertQueueDrops),
		"# HELP pingwatch_ready Whether the process considers itself ready (1=ready).",
		"# TYPE pingwatch_ready gauge",
		fmt.Sprintf("pingwatch_ready %d", readyValue),
		"# HELP pingwatch_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE pingwatch_ready_info gauge",
		fmt.Sprintf("pingwatch_ready_info{reason=%q} 1", reason),
		"# HELP pingwatch_ready_transitions_total Count of readiness state transitions by resulting state.",
		"# TYPE pingwatch_ready_transitions_total counter",
		fmt.Sprintf("pingwatch_ready_transitions_total{state=%q} %d", "ready", snap.ReadyTransitions),
		fmt.Sprintf("pingwatch_ready_transitions_total{state=%q} %d", "not_ready", snap.NotReadyTransitions),
		"# HELP pingwatch_ready_categories_info Categories associated with the most recent readiness evaluation.",
		"# TYPE pingwatch_ready_categories_info gauge",
	)
	if len(snap.ReadyCategories) == 0 {
		lines = append(lines, fmt.Sprintf("pingwatch_ready_categories_info{category=%q,severity=%q} 1", "none", "none"))
	} else {
		cats := append([]ReadinessCategory(nil), snap.ReadyCategories...)
		sort.Slice(cats, func(i, j int) bool {
			if cats[i].Name == cats[j].Name {
				return cats[i].Severity < cats[j].Severity
			}
			return cats[i].Name < cats[j].Name
		})
		for _, cat := range cats {
			lines = append(lines, fmt.Sprintf("pingwatch_ready_categories_info{category=%q,severity=%q} 1", cat.Name, cat.Severity))
		}
	}
	lines = append(lines,
		"# HELP pingwatch_ready_category_transitions_total Count of readiness degradations annotated by category.",
		"# TYPE pingwatch_ready_category_transitions_total counter",
	)
	counts := append([]CategoryCount(nil), snap.CategoryTransitions...)
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Category == counts[j].Category {
			return counts[i].Severity < counts[j].Severity
		}
		return counts[i].Category < counts[j].Category
	})
	if len(counts) == 0 {
		lines = append(lines, fmt.Sprintf("pingwatch_ready_category_transitions_total{category=%q,severity=%q} 0", "none", "none"))
	}
	for _, cc := range counts {
		lines = append(lines, fmt.Sprintf("pingwatch_ready_category_transitions_total{category=%q,severity=%q} %d", cc.Category, cc.Severity, cc.Count))
	}
	lines = append(lines, "")
	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
