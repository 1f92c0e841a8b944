package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides mirrors the historical environment variables. Unset
// variables leave their pointer nil so the YAML value survives.
type envOverrides struct {
	Broker         *string  `envconfig:"MQTT_BROKER"`
	Port           *int     `envconfig:"MQTT_PORT"`
	Topic          *string  `envconfig:"MQTT_TOPIC"`
	Username       *string  `envconfig:"MQTT_USERNAME"`
	Password       *string  `envconfig:"MQTT_PASSWORD"`
	UseSSL         *bool    `envconfig:"MQTT_USE_SSL"`
	CACert         *string  `envconfig:"MQTT_CA_CERT"`
	CertFile       *string  `envconfig:"MQTT_CERT_FILE"`
	KeyFile        *string  `envconfig:"MQTT_KEY_FILE"`
	KeepAlive      *int     `envconfig:"MQTT_KEEPALIVE"`
	ConnectTimeout *int     `envconfig:"MQTT_CONNECT_TIMEOUT"`
	MaxRetries     *int     `envconfig:"MQTT_MAX_RETRIES"`
	PingCount      *int     `envconfig:"PING_COUNT"`
	PingTimeout    *float64 `envconfig:"PING_TIMEOUT"`
	MaxPingRetries *int     `envconfig:"MAX_PING_RETRIES"`
	Interval       *int     `envconfig:"MONITOR_INTERVAL"`
	LogLevel       *string  `envconfig:"LOG_LEVEL"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	setString(&cfg.MQTT.Broker, env.Broker)
	setInt(&cfg.MQTT.Port, env.Port)
	setString(&cfg.MQTT.Topic, env.Topic)
	setString(&cfg.MQTT.Username, env.Username)
	setString(&cfg.MQTT.Password, env.Password)
	if env.UseSSL != nil {
		cfg.MQTT.TLS.Enabled = *env.UseSSL
	}
	setString(&cfg.MQTT.TLS.CAFile, env.CACert)
	setString(&cfg.MQTT.TLS.CertFile, env.CertFile)
	setString(&cfg.MQTT.TLS.KeyFile, env.KeyFile)
	setSeconds(&cfg.MQTT.KeepAlive, env.KeepAlive)
	setSeconds(&cfg.MQTT.ConnectTimeout, env.ConnectTimeout)
	setInt(&cfg.MQTT.MaxRetries, env.MaxRetries)

	setInt(&cfg.Probe.Count, env.PingCount)
	if env.PingTimeout != nil {
		cfg.Probe.Timeout = time.Duration(*env.PingTimeout * float64(time.Second))
	}
	if env.MaxPingRetries != nil {
		retries := *env.MaxPingRetries
		cfg.Probe.MaxRetries = &retries
	}
	setSeconds(&cfg.Monitor.Interval, env.Interval)
	setString(&cfg.Log.Level, env.LogLevel)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}
