// Package publisher delivers telemetry payloads to an MQTT broker.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/pingsantohq/pingwatch/internal/events"
	"github.com/pingsantohq/pingwatch/pkg/types"
)

const (
	defaultPort           = 1883
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultMaxRetries     = 3
	defaultClientIDPrefix = "pingwatch"
	ackWait               = 5 * time.Second
	disconnectQuiesce     = 250
)

var (
	errTokenTimeout    = errors.New("timed out waiting for broker")
	errNotConnected    = errors.New("not connected")
	errConnectInFlight = errors.New("broker connect in progress")
)

// Client is the subset of mqtt.Client used by the Publisher.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config holds broker coordinates and delivery policy.
type Config struct {
	Broker         string
	Port           int
	Topic          string
	Username       string
	Password       string
	TLS            TLSConfig
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	QoS            byte
	WaitForAck     bool
	ClientIDPrefix string
}

// Dependencies allow test overrides for the MQTT client, clock, and logging.
type Dependencies struct {
	NewClient func(*mqtt.ClientOptions) Client
	Recorder  events.Recorder
	Now       func() time.Time
	Logger    *slog.Logger
}

// Stats is a point-in-time view of publisher counters.
type Stats struct {
	ClientID           string `json:"client_id"`
	Connected          bool   `json:"connected"`
	ConnectionAttempts int64  `json:"connection_attempts"`
	Attempted          int64  `json:"attempted"`
	Succeeded          int64  `json:"succeeded"`
	Failed             int64  `json:"failed"`
}

// Publisher owns one broker connection. Connect and Publish never return
// errors; failures are logged and reported as false.
type Publisher struct {
	cfg       Config
	clientID  string
	newClient func(*mqtt.ClientOptions) Client
	recorder  events.Recorder
	now       func() time.Time
	logger    *slog.Logger

	connectMu sync.Mutex
	client    Client
	// attempts since the last successful handshake; guarded by connectMu
	attempts int
	closed   bool

	connected    atomic.Bool
	totalAttempt atomic.Int64
	attempted    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
}

// New builds a Publisher. A missing broker is not an error: Connect will
// simply report false.
func New(cfg Config, deps Dependencies) *Publisher {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = defaultClientIDPrefix
	}

	p := &Publisher{
		cfg:       cfg,
		clientID:  fmt.Sprintf("%s-%s", cfg.ClientIDPrefix, uuid.NewString()[:8]),
		newClient: deps.NewClient,
		recorder:  deps.Recorder,
		now:       deps.Now,
		logger:    deps.Logger,
	}
	if p.newClient == nil {
		p.newClient = func(opts *mqtt.ClientOptions) Client { return mqtt.NewClient(opts) }
	}
	if p.recorder == nil {
		p.recorder = events.NoopRecorder{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With("client_id", p.clientID)
	return p
}

// ClientID returns the identifier stamped on every payload.
func (p *Publisher) ClientID() string { return p.clientID }

// BrokerURL renders the paho server URL for the configured broker.
func (p *Publisher) BrokerURL() string {
	scheme := "tcp"
	if p.cfg.TLS.Enabled {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(p.cfg.Broker, strconv.Itoa(p.cfg.Port))
}

// Connect performs the broker handshake. Attempts are counted since the last
// successful handshake and capped at MaxRetries; once the cap is reached
// Connect fails fast without touching the network.
func (p *Publisher) Connect(ctx context.Context) bool {
	if p.cfg.Broker == "" {
		p.logger.Warn("broker address not configured")
		return false
	}

	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	return p.connectLocked(ctx)
}

// connectIfIdle connects on behalf of Publish. It does not queue behind a
// handshake already in flight; that publish is reported as failed instead.
func (p *Publisher) connectIfIdle(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errNotConnected
	}
	if !p.connectMu.TryLock() {
		return errConnectInFlight
	}
	defer p.connectMu.Unlock()
	if !p.connectLocked(ctx) {
		return errNotConnected
	}
	return nil
}

func (p *Publisher) connectLocked(ctx context.Context) bool {
	if p.closed {
		return false
	}
	if p.isConnected() {
		return true
	}
	if p.client == nil {
		opts, err := p.clientOptions()
		if err != nil {
			p.logger.Error("build broker client options", "error", err)
			return false
		}
		p.client = p.newClient(opts)
	}

	for p.attempts < p.cfg.MaxRetries {
		if ctx.Err() != nil {
			return false
		}
		p.attempts++
		p.totalAttempt.Add(1)
		err := waitToken(ctx, p.client.Connect(), p.cfg.ConnectTimeout)
		if err == nil {
			p.attempts = 0
			p.connected.Store(true)
			p.logger.Info("connected to broker", "broker", p.BrokerURL())
			return true
		}
		p.logger.Warn("broker connect attempt failed",
			"broker", p.BrokerURL(), "attempt", p.attempts, "max_attempts", p.cfg.MaxRetries, "error", err)
	}
	p.logger.Error("broker connection attempts exhausted", "broker", p.BrokerURL(), "attempts", p.attempts)
	return false
}

// Publish sends payload to the configured topic, connecting first when
// needed. The payload map is not modified.
func (p *Publisher) Publish(ctx context.Context, payload map[string]any) bool {
	p.attempted.Add(1)
	host, _ := payload[types.TelemetryKeyHost].(string)

	if !p.isConnected() {
		if err := p.connectIfIdle(ctx); err != nil {
			p.fail(host, err)
			return false
		}
	}

	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	if _, ok := msg[types.TelemetryKeyTimestamp]; !ok {
		msg[types.TelemetryKeyTimestamp] = p.now().Unix()
	}
	msg[types.TelemetryKeyClientID] = p.clientID

	body, err := json.Marshal(msg)
	if err != nil {
		p.fail(host, fmt.Errorf("encode payload: %w", err))
		return false
	}

	client := p.currentClient()
	if client == nil {
		p.fail(host, errors.New("publisher disconnected"))
		return false
	}
	token := client.Publish(p.cfg.Topic, p.cfg.QoS, false, body)
	if p.cfg.WaitForAck {
		if err := waitToken(ctx, token, ackWait); err != nil {
			p.fail(host, err)
			return false
		}
	}

	p.succeeded.Add(1)
	p.recorder.Record(types.Event{
		Type:      types.EventPublishOK,
		Timestamp: p.now().UTC(),
		Host:      host,
	})
	return true
}

// Disconnect closes the broker session. It is safe to call repeatedly and
// when no connection was ever made. A disconnected Publisher does not reconnect.
func (p *Publisher) Disconnect() {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
		p.logger.Info("disconnected from broker")
	}
	p.connected.Store(false)
}

// IsConnected reports whether the last handshake succeeded and the
// connection is still open.
func (p *Publisher) IsConnected() bool {
	return p.isConnected()
}

func (p *Publisher) Stats() Stats {
	return Stats{
		ClientID:           p.clientID,
		Connected:          p.isConnected(),
		ConnectionAttempts: p.totalAttempt.Load(),
		Attempted:          p.attempted.Load(),
		Succeeded:          p.succeeded.Load(),
		Failed:             p.failed.Load(),
	}
}

func (p *Publisher) isConnected() bool {
	if !p.connected.Load() {
		return false
	}
	client := p.currentClient()
	return client != nil && client.IsConnectionOpen()
}

func (p *Publisher) currentClient() Client {
	// client is assigned once under connectMu before connected is set
	if !p.connected.Load() {
		return nil
	}
	return p.client
}

func (p *Publisher) fail(host string, err error) {
	p.failed.Add(1)
	p.logger.Warn("publish failed", "host", host, "topic", p.cfg.Topic, "error", err)
	p.recorder.Record(types.Event{
		Type:      types.EventPublishFailed,
		Timestamp: p.now().UTC(),
		Host:      host,
		Details:   map[string]any{"error": err.Error()},
	})
}

func (p *Publisher) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(p.BrokerURL()).
		SetClientID(p.clientID).
		SetKeepAlive(p.cfg.KeepAlive).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOnConnectHandler(func(mqtt.Client) {
			p.connected.Store(true)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.connected.Store(false)
			p.logger.Warn("broker connection lost", "error", err)
		})
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.TLS.Enabled {
		tlsConfig, err := LoadTLSConfig(p.cfg.TLS, p.cfg.Broker)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errTokenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
