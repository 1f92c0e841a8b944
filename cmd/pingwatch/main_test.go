package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/pingwatch/internal/config"
	"github.com/pingsantohq/pingwatch/internal/health"
	"github.com/pingsantohq/pingwatch/internal/metrics"
	"github.com/pingsantohq/pingwatch/internal/monitor"
	"github.com/pingsantohq/pingwatch/internal/probe"
)

const (
	signedConfig    = "../../internal/verify/testdata/pingwatch.yaml"
	configSignature = "../../internal/verify/testdata/pingwatch.yaml.minisig"
	configPublicKey = "../../internal/verify/testdata/test.pub"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestVersionCommand(t *testing.T) {
	var stdout bytes.Buffer
	root := newRootCmd(&stdout, &stdout)
	root.SetArgs([]string{"version", "--short"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if got := stdout.String(); got != "dev\n" {
		t.Fatalf("unexpected version output %q", got)
	}
}

func TestFormatVersion(t *testing.T) {
	cases := map[string]string{"": "", "dev": "dev", "1.2.0": "v1.2.0", "v1.2.0": "v1.2.0"}
	for in, want := range cases {
		if got := formatVersion(in); got != want {
			t.Fatalf("formatVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProbeCommandRejectsLoopback(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out, &out)
	root.SetArgs([]string{"probe", "localhost"})
	err := root.Execute()
	if err == nil {
		t.Fatalf("expected validation error for localhost")
	}
	if !errors.Is(err, probe.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProbeCommandRequiresHost(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out, &out)
	root.SetArgs([]string{"probe"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestLoadConfigVerifiesSignature(t *testing.T) {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, runOptions{
		configPath:    signedConfig,
		signaturePath: configSignature,
		publicKey:     configPublicKey,
	})
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.MQTT.Broker != "broker.example.com" || len(cfg.Targets) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	data, err := os.ReadFile(signedConfig)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	tampered := filepath.Join(t.TempDir(), "pingwatch.yaml")
	body := strings.Replace(string(data), "203.0.113.7", "198.51.100.9", 1)
	if err := os.WriteFile(tampered, []byte(body), 0o600); err != nil {
		t.Fatalf("write tampered config: %v", err)
	}
	if _, err := loadConfig(ctx, runOptions{
		configPath:    tampered,
		signaturePath: configSignature,
		publicKey:     configPublicKey,
	}); err == nil {
		t.Fatalf("expected tampered config to be rejected")
	}
}

func TestLoadConfigFlagPairing(t *testing.T) {
	_, err := loadConfig(context.Background(), runOptions{configPath: signedConfig, signaturePath: configSignature})
	if err == nil || !strings.Contains(err.Error(), "must be given together") {
		t.Fatalf("expected pairing error, got %v", err)
	}

	cfg, err := loadConfig(context.Background(), runOptions{configPath: signedConfig})
	if err != nil {
		t.Fatalf("unsigned load returned error: %v", err)
	}
	if cfg.Monitor.Interval != 10*time.Second {
		t.Fatalf("unexpected interval: %s", cfg.Monitor.Interval)
	}
}

func TestPublisherConfigMapping(t *testing.T) {
	qos := 0
	wait := false
	out := publisherConfig(config.MQTTConfig{
		Broker:     "broker.example.com",
		Port:       8883,
		Topic:      "ops/pings",
		QoS:        &qos,
		WaitForAck: &wait,
		TLS:        config.TLSConfig{Enabled: true, CAFile: "/etc/ca.pem"},
	})
	if out.QoS != 0 || out.WaitForAck {
		t.Fatalf("expected explicit qos and ack settings, got %+v", out)
	}
	if !out.TLS.Enabled || out.TLS.CAFile != "/etc/ca.pem" || out.Port != 8883 {
		t.Fatalf("unexpected mapping: %+v", out)
	}

	defaults := publisherConfig(config.MQTTConfig{Broker: "b"})
	if defaults.QoS != 1 || !defaults.WaitForAck {
		t.Fatalf("expected qos 1 with ack by default, got %+v", defaults)
	}
}

func TestSessionFactoryWithoutBroker(t *testing.T) {
	cfg, err := config.Parse([]byte("monitor:\n  interval: 30s\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	factory := sessionFactory(cfg, newExecutor(cfg.Probe, discardLogger()), metrics.NewStore(), discardLogger())

	session, err := factory(monitor.Config{Owner: "ops", Host: "203.0.113.7"}, nil)
	if err != nil {
		t.Fatalf("factory returned error: %v", err)
	}
	if session.Owner() != "ops" || session.Host() != "203.0.113.7" {
		t.Fatalf("unexpected session identity: %s %s", session.Owner(), session.Host())
	}
	if session.State() != monitor.StateIdle {
		t.Fatalf("expected idle session, got %s", session.State())
	}
}

func TestBuildSinks(t *testing.T) {
	cfg := config.AlertConfig{
		Webhooks: []config.WebhookConfig{{URL: "https://hooks.example.com/pingwatch"}},
		Topics:   []string{"mem://pingwatch-alerts"},
	}
	sinks, closeSinks, err := buildSinks(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildSinks returned error: %v", err)
	}
	defer closeSinks()

	var names []string
	for _, sink := range sinks {
		names = append(names, sink.Name())
	}
	if strings.Join(names, ",") != "log,webhook,topic" {
		t.Fatalf("unexpected sinks: %v", names)
	}

	if _, _, err := buildSinks(context.Background(), config.AlertConfig{Topics: []string{"nosuchscheme://x"}}, discardLogger()); err == nil {
		t.Fatalf("expected error for unknown topic scheme")
	}
}

func TestMonitoringHandler(t *testing.T) {
	store := metrics.NewStore()
	checker := health.NewChecker(store, 8)
	registry := monitor.NewRegistry(nil, discardLogger())
	handler := monitoringHandler(store, checker, registry)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec := get("/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: expected 503 without sessions, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no monitoring sessions running") {
		t.Fatalf("readyz: unexpected body %q", rec.Body.String())
	}

	rec = get("/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pingwatch_sessions_active") {
		t.Fatalf("metrics: unexpected response %d %q", rec.Code, rec.Body.String())
	}

	rec = get("/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions: expected 200, got %d", rec.Code)
	}
	var sessions []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("sessions: decode: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions: expected none, got %v", sessions)
	}
}

func TestServeMonitoringStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- serveMonitoring(ctx, "127.0.0.1:0", metrics.NewStore(), nil, monitor.NewRegistry(nil, nil), discardLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serveMonitoring returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serveMonitoring did not stop")
	}
}
