package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

const (
	envConfigPath     = "PINGWATCH_CONFIG"
	DefaultConfigPath = "/etc/pingwatch/pingwatch.yaml"
)

// MinMonitorInterval is the floor applied to every monitor interval.
const MinMonitorInterval = 6 * time.Second

const (
	ProbeModeCommand = "command"
	ProbeModeNative  = "native"
)

type Config struct {
	Log     LogConfig             `yaml:"log"`
	MQTT    MQTTConfig            `yaml:"mqtt"`
	Probe   ProbeConfig           `yaml:"probe"`
	Monitor MonitorConfig         `yaml:"monitor"`
	Targets []types.MonitorTarget `yaml:"targets"`
	Alerts  AlertConfig           `yaml:"alerts"`
	Metrics MetricsConfig         `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	Topic          string        `yaml:"topic"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TLS            TLSConfig     `yaml:"tls"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	QoS            *int          `yaml:"qos"`
	WaitForAck     *bool         `yaml:"wait_for_ack"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
}

type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ProbeConfig struct {
	Mode         string        `yaml:"mode"`
	Count        int           `yaml:"count"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   *int          `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxPerSecond float64       `yaml:"max_per_second"`
	Privileged   bool          `yaml:"privileged"`
}

type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type AlertConfig struct {
	QueueSize  int             `yaml:"queue_size"`
	Attempts   int             `yaml:"attempts"`
	RetrySleep time.Duration   `yaml:"retry_sleep"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
	Topics     []string        `yaml:"topics"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Headers map[string]string `yaml:"headers"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads, overrides, defaults and validates the YAML config at path.
func Load(ctx context.Context, path string) (Config, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the config named by PINGWATCH_CONFIG, falling back to
// DefaultConfigPath.
func LoadFromEnv(ctx context.Context) (Config, error) {
	return Load(ctx, PathFromEnv())
}

// PathFromEnv returns the config path named by PINGWATCH_CONFIG or the default.
func PathFromEnv() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Parse decodes raw YAML, then applies environment overrides, defaults and
// validation in that order.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "pingwatch/telemetry"
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 60 * time.Second
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.MaxRetries <= 0 {
		c.MQTT.MaxRetries = 3
	}
	if c.MQTT.QoS == nil {
		qos := 1
		c.MQTT.QoS = &qos
	}
	if c.MQTT.WaitForAck == nil {
		wait := true
		c.MQTT.WaitForAck = &wait
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "pingwatch"
	}

	if c.Probe.Mode == "" {
		c.Probe.Mode = ProbeModeCommand
	}
	if c.Probe.Count <= 0 {
		c.Probe.Count = 4
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = 15 * time.Second
	}
	if c.Probe.MaxRetries == nil {
		retries := 2
		c.Probe.MaxRetries = &retries
	}
	if c.Probe.RetryBackoff <= 0 {
		c.Probe.RetryBackoff = time.Second
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 10 * time.Second
	}
	if c.Monitor.Interval < MinMonitorInterval {
		c.Monitor.Interval = MinMonitorInterval
	}
	if c.Monitor.StopTimeout <= 0 {
		c.Monitor.StopTimeout = 5 * time.Second
	}

	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = 64
	}
	if c.Alerts.Attempts <= 0 {
		c.Alerts.Attempts = 3
	}
	if c.Alerts.RetrySleep <= 0 {
		c.Alerts.RetrySleep = 500 * time.Millisecond
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9320"
	}
}

// Validate reports configuration errors that defaults cannot repair.
func (c Config) Validate() error {
	var errs []error
	switch c.Probe.Mode {
	case ProbeModeCommand, ProbeModeNative:
	default:
		errs = append(errs, fmt.Errorf("probe.mode %q must be %q or %q", c.Probe.Mode, ProbeModeCommand, ProbeModeNative))
	}
	if c.Probe.MaxRetries != nil && *c.Probe.MaxRetries < 0 {
		errs = append(errs, errors.New("probe.max_retries must not be negative"))
	}
	if c.Probe.MaxPerSecond < 0 {
		errs = append(errs, errors.New("probe.max_per_second must not be negative"))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", *c.MQTT.QoS))
	}
	if (c.MQTT.TLS.CertFile == "") != (c.MQTT.TLS.KeyFile == "") {
		errs = append(errs, errors.New("mqtt.tls.cert_file and mqtt.tls.key_file must be set together"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	owners := make(map[string]struct{}, len(c.Targets))
	for i, target := range c.Targets {
		if strings.TrimSpace(target.Owner) == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: owner is required", i))
		}
		if strings.TrimSpace(target.Host) == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: host is required", i))
		}
		if _, dup := owners[target.Owner]; dup {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate owner %q", i, target.Owner))
		}
		owners[target.Owner] = struct{}{}
	}
	for i, hook := range c.Alerts.Webhooks {
		if hook.URL == "" {
			errs = append(errs, fmt.Errorf("alerts.webhooks[%d]: url is required", i))
		}
	}
	return errors.Join(errs...)
}

// ActiveTargets returns the targets that are not disabled.
func (c Config) ActiveTargets() []types.MonitorTarget {
	out := make([]types.MonitorTarget, 0, len(c.Targets))
	for _, target := range c.Targets {
		if !target.Disabled {
			out = append(out, target)
		}
	}
	return out
}
