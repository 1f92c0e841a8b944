package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

func TestStoreRecordsEvents(t *testing.T) {
	store := NewStore()

	store.Record(types.Event{Type: types.EventSessionStarted})
	store.Record(types.Event{Type: types.EventSessionStarted})
	store.Record(types.Event{Type: types.EventSessionStopped})
	store.Record(types.Event{Type: types.EventProbeSucceeded})
	store.Record(types.Event{Type: types.EventProbeFailed})
	store.Record(types.Event{Type: types.EventProbeError})
	store.Record(types.Event{Type: types.EventAlert, Labels: map[string]string{"severity": "first"}})
	store.Record(types.Event{Type: types.EventAlert, Labels: map[string]string{"severity": "critical"}})
	store.Record(types.Event{Type: types.EventAlert, Labels: map[string]string{"severity": "critical"}})
	store.Record(types.Event{Type: types.EventRecovery})
	store.Record(types.Event{Type: types.EventCycleOverrun})

	snap := store.Snapshot()
	if snap.SessionsActive != 1 || snap.SessionsStarted != 2 {
		t.Fatalf("unexpected session counters: %+v", snap)
	}
	if snap.ProbesSucceeded != 1 || snap.ProbesFailed != 1 || snap.ProbeErrors != 1 {
		t.Fatalf("unexpected probe counters: %+v", snap)
	}
	if snap.AlertsBySeverity["critical"] != 2 || snap.AlertsBySeverity["first"] != 1 {
		t.Fatalf("unexpected alert counters: %+v", snap.AlertsBySeverity)
	}
	if snap.Recoveries != 1 || snap.CycleOverruns != 1 {
		t.Fatalf("unexpected recovery/overrun counters: %+v", snap)
	}
}

func TestStoreTracksLastPublish(t *testing.T) {
	store := NewStore()
	if got := store.Snapshot().LastPublish; got != PublishUnknown {
		t.Fatalf("expected unknown publish state, got %s", got)
	}

	store.Record(types.Event{Type: types.EventPublishFailed})
	if got := store.Snapshot().LastPublish; got != PublishFailed {
		t.Fatalf("expected failed publish state, got %s", got)
	}

	store.Record(types.Event{Type: types.EventPublishOK})
	snap := store.Snapshot()
	if snap.LastPublish != PublishOK {
		t.Fatalf("expected ok publish state, got %s", snap.LastPublish)
	}
	if snap.PublishesOK != 1 || snap.PublishesFailed != 1 {
		t.Fatalf("unexpected publish counters: %+v", snap)
	}
}

func TestStoreQueueRecorder(t *testing.T) {
	store := NewStore()
	rec := store.QueueRecorder()

	rec.ObserveQueueDepth(5)
	rec.IncQueueDrops()
	rec.IncQueueDrops()

	snap := store.Snapshot()
	if snap.AlertQueueDepth != 5 {
		t.Fatalf("expected depth 5 got %d", snap.AlertQueueDepth)
	}
	if snap.AlertQueueDrops != 2 {
		t.Fatalf("expected drops 2 got %d", snap.AlertQueueDrops)
	}
}

func TestStoreWritePrometheus(t *testing.T) {
	store := NewStore()
	store.QueueRecorder().ObserveQueueDepth(7)
	store.QueueRecorder().IncQueueDrops()
	store.Record(types.Event{Type: types.EventSessionStarted})
	store.Record(types.Event{Type: types.EventProbeSucceeded})
	store.Record(types.Event{Type: types.EventAlert, Labels: map[string]string{"severity": "persistent"}})
	store.Record(types.Event{Type: types.EventPublishOK})
	store.ObserveReadiness(true, "", nil)

	var sb strings.Builder
	if err := store.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	output := sb.String()
	expect := []string{
		"pingwatch_sessions_active 1",
		"pingwatch_probes_total{outcome=\"reachable\"} 1",
		"pingwatch_probes_total{outcome=\"unreachable\"} 0",
		"pingwatch_alerts_total{severity=\"persistent\"} 1",
		"pingwatch_publishes_total{result=\"ok\"} 1",
		"pingwatch_alert_queue_depth_number 7",
		"pingwatch_alert_queue_dropped_total 1",
		"pingwatch_ready 1",
		"pingwatch_ready_info{reason=\"ready\"} 1",
		"pingwatch_ready_transitions_total{state=\"ready\"} 1",
		"pingwatch_ready_categories_info{category=\"none\",severity=\"none\"} 1",
		"pingwatch_ready_category_transitions_total{category=\"none\",severity=\"none\"} 0",
	}
	for _, fragment := range expect {
		if !strings.Contains(output, fragment) {
			t.Fatalf("expected output to contain %q, got:\n%s", fragment, output)
		}
	}
}

func TestHTTPHandler(t *testing.T) {
	store := NewStore()
	h := NewHTTPHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("expected text/plain content-type got %s", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) == 0 {
		t.Fatalf("expected body content")
	}

	postReq := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, postReq)
	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", w.Result().StatusCode)
	}
}

func TestStoreObserveReadiness(t *testing.T) {
	store := NewStore()

	// an initial failure is not a transition: the process was never ready
	store.ObserveReadiness(false, "no monitoring sessions", []ReadinessCategory{
		{Name: "NO_SESSIONS", Severity: "info"},
	})
	snap := store.Snapshot()
	if snap.Ready || snap.ReadyReason != "no monitoring sessions" {
		t.Fatalf("unexpected readiness snapshot: %+v", snap)
	}
	if snap.ReadyTransitions != 0 || snap.NotReadyTransitions != 0 || snap.ReadyAlerts != 0 {
		t.Fatalf("unexpected counters after initial failure: %+v", snap)
	}
	if count := getTransitionCount(snap.CategoryTransitions, "NO_SESSIONS", "info"); count != 0 {
		t.Fatalf("expected zero NO_SESSIONS transitions, got %d", count)
	}

	store.ObserveReadiness(true, "", nil)
	store.ObserveReadiness(false, "last telemetry publish failed", []ReadinessCategory{
		{Name: "PUBLISH_FAILING", Severity: "warn"},
	})
	snap = store.Snapshot()
	if snap.ReadyTransitions != 1 || snap.NotReadyTransitions != 1 || snap.ReadyAlerts != 1 {
		t.Fatalf("unexpected counters after degradation: %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 || snap.ReadyCategories[0].Severity != "warning" {
		t.Fatalf("unexpected categories after degradation: %+v", snap.ReadyCategories)
	}
	if count := getTransitionCount(snap.CategoryTransitions, "PUBLISH_FAILING", "warning"); count != 1 {
		t.Fatalf("expected one PUBLISH_FAILING transition, got %d", count)
	}
}

func TestStoreDedupesCategories(t *testing.T) {
	store := NewStore()

	store.ObserveReadiness(false, "multiple issues", []ReadinessCategory{
		{Name: "PUBLISH_FAILING", Severity: "warning"},
		{Name: "CERT_EXPIRING", Severity: "warning"},
		{Name: "PUBLISH_FAILING", Severity: "warning"},
		{Name: "", Severity: "info"},
		{Name: "  CERT_EXPIRING  ", Severity: "Warning"},
	})

	snap := store.Snapshot()
	if len(snap.ReadyCategories) != 2 {
		t.Fatalf("expected 2 categories, got %+v", snap.ReadyCategories)
	}
	if len(snap.CategoryTransitions) != 0 {
		t.Fatalf("expected zero transition counters, got %+v", snap.CategoryTransitions)
	}
}

func getTransitionCount(counts []CategoryCount, category, severity string) uint64 {
	for _, cc := range counts {
		if cc.Category == category && cc.Severity == severity {
			return cc.Count
		}
	}
	return 0
}
