package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/pingwatch/internal/alert"
	"github.com/pingsantohq/pingwatch/internal/config"
	"github.com/pingsantohq/pingwatch/internal/events"
	"github.com/pingsantohq/pingwatch/internal/health"
	"github.com/pingsantohq/pingwatch/internal/logging"
	"github.com/pingsantohq/pingwatch/internal/metrics"
	"github.com/pingsantohq/pingwatch/internal/monitor"
	"github.com/pingsantohq/pingwatch/internal/probe"
	"github.com/pingsantohq/pingwatch/internal/publisher"
	"github.com/pingsantohq/pingwatch/internal/telemetry"
	"github.com/pingsantohq/pingwatch/internal/verify"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	configPath    string
	signaturePath string
	publicKey     string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor the configured targets until interrupted",
		Long: `Load the configuration, start one monitoring session per enabled target,
deliver alerts to the configured sinks and serve /metrics, /healthz,
/readyz and /sessions until SIGINT or SIGTERM.

Examples:
  pingwatch run --config /etc/pingwatch/pingwatch.yaml
  pingwatch run --config pingwatch.yaml --config-signature pingwatch.yaml.minisig --public-key pingwatch.pub`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			return run(ctx, cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", config.PathFromEnv(), "Path to the configuration file")
	flags.StringVar(&opts.signaturePath, "config-signature", "", "Detached minisign signature of the configuration file")
	flags.StringVar(&opts.publicKey, "public-key", "", "Minisign public key, or a path to a key file")
	return cmd
}

// loadConfig reads the file once so the bytes that were verified are the
// bytes that get parsed.
func loadConfig(ctx context.Context, opts runOptions) (config.Config, error) {
	if (opts.signaturePath == "") != (opts.publicKey == "") {
		return config.Config{}, errors.New("--config-signature and --public-key must be given together")
	}
	data, err := os.ReadFile(filepath.Clean(opts.configPath))
	if err != nil {
		return config.Config{}, fmt.Errorf("read config %q: %w", opts.configPath, err)
	}
	if opts.signaturePath != "" {
		verifier, err := verify.LoadMinisignVerifier(opts.publicKey)
		if err != nil {
			return config.Config{}, err
		}
		if err := verifier.VerifyFile(ctx, data, opts.signaturePath); err != nil {
			return config.Config{}, fmt.Errorf("verify config %q: %w", opts.configPath, err)
		}
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("config %q: %w", opts.configPath, err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("pingwatch starting", "version", version, "targets", len(cfg.ActiveTargets()), "broker", cfg.MQTT.Broker)

	store := metrics.NewStore()
	checker := health.NewChecker(store, cfg.Alerts.QueueSize)
	if cfg.MQTT.TLS.CertFile != "" {
		if expiry, err := publisher.CertExpiry(cfg.MQTT.TLS.CertFile); err != nil {
			logger.Warn("failed to determine client certificate expiry", "error", err)
		} else {
			checker.SetCertExpiry(expiry.UTC())
		}
	}

	shutdownMeters, err := telemetry.InitMeterProvider(ctx, version, logger)
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMeters(flushCtx); err != nil {
			logger.Warn("meter provider shutdown failed", "error", err)
		}
	}()
	meters, err := telemetry.NewMeters()
	if err != nil {
		return fmt.Errorf("create meters: %w", err)
	}
	recorder := events.NewMulti(store, meters)

	sinks, closeSinks, err := buildSinks(ctx, cfg.Alerts, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	dispatcher := alert.NewDispatcher(sinks,
		alert.WithQueueSize(cfg.Alerts.QueueSize),
		alert.WithAttempts(cfg.Alerts.Attempts),
		alert.WithRetrySleep(cfg.Alerts.RetrySleep),
		alert.WithLogger(logger),
		alert.WithRecorder(recorder),
		alert.WithQueueRecorder(store.QueueRecorder()),
	)

	executor := newExecutor(cfg.Probe, logger)
	registry := monitor.NewRegistry(sessionFactory(cfg, executor, recorder, logger), logger)

	targets := cfg.ActiveTargets()
	started := 0
	for _, target := range targets {
		if _, err := registry.Start(ctx, target.Owner, target.Host, dispatcher.Notify); err != nil {
			logger.Error("failed to start monitoring", "owner", target.Owner, "host", target.Host, "error", err)
			continue
		}
		started++
	}
	if len(targets) > 0 && started == 0 {
		return errors.New("no configured target could be monitored")
	}

	grp, groupCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		if err := dispatcher.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return serveMonitoring(groupCtx, cfg.Metrics.Addr, store, checker, registry, logger)
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return registry.StopAll(stopCtx)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("pingwatch stopped", "alerts_delivered", dispatcher.Delivered(), "alerts_dropped", dispatcher.Dropped())
	return nil
}

// newExecutor builds the probe executor shared by every session, so a
// max_per_second cap applies to the whole process.
func newExecutor(cfg config.ProbeConfig, logger *slog.Logger) *probe.Executor {
	opts := []probe.Option{
		probe.WithCount(cfg.Count),
		probe.WithTimeout(cfg.Timeout),
		probe.WithRetryBackoff(cfg.RetryBackoff),
		probe.WithLogger(logger),
	}
	if cfg.MaxRetries != nil {
		opts = append(opts, probe.WithMaxRetries(*cfg.MaxRetries))
	}
	if cfg.Mode == config.ProbeModeNative {
		opts = append(opts, probe.WithRunner(probe.NativeRunner{Privileged: cfg.Privileged}))
	}
	if cfg.MaxPerSecond > 0 {
		opts = append(opts, probe.WithRateLimit(cfg.MaxPerSecond, int(math.Ceil(cfg.MaxPerSecond))))
	}
	return probe.NewExecutor(opts...)
}

func sessionFactory(cfg config.Config, prober monitor.Prober, recorder events.Recorder, logger *slog.Logger) monitor.Factory {
	return func(sc monitor.Config, alertFn monitor.AlertFunc) (*monitor.Session, error) {
		sc.Interval = cfg.Monitor.Interval
		sc.StopTimeout = cfg.Monitor.StopTimeout

		var pub monitor.Publisher
		if cfg.MQTT.Broker != "" {
			pub = publisher.New(publisherConfig(cfg.MQTT), publisher.Dependencies{
				Recorder: recorder,
				Logger:   logger.With("owner", sc.Owner),
			})
		}
		return monitor.NewSession(sc, monitor.Dependencies{
			Prober:    prober,
			Publisher: pub,
			Alert:     alertFn,
			Recorder:  recorder,
			Logger:    logger,
		})
	}
}

func publisherConfig(cfg config.MQTTConfig) publisher.Config {
	out := publisher.Config{
		Broker:         cfg.Broker,
		Port:           cfg.Port,
		Topic:          cfg.Topic,
		Username:       cfg.Username,
		Password:       cfg.Password,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRetries:     cfg.MaxRetries,
		QoS:            1,
		WaitForAck:     true,
		ClientIDPrefix: cfg.ClientIDPrefix,
		TLS: publisher.TLSConfig{
			Enabled:            cfg.TLS.Enabled,
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
	}
	if cfg.QoS != nil {
		out.QoS = byte(*cfg.QoS)
	}
	if cfg.WaitForAck != nil {
		out.WaitForAck = *cfg.WaitForAck
	}
	return out
}

// buildSinks always includes the log sink. The returned closer releases any
// opened pub/sub topics.
func buildSinks(ctx context.Context, cfg config.AlertConfig, logger *slog.Logger) ([]alert.Sink, func(), error) {
	sinks := []alert.Sink{alert.LogSink{Logger: logger}}
	var topics []*alert.TopicSink
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, topic := range topics {
			if err := topic.Close(closeCtx); err != nil {
				logger.Warn("close alert topic", "error", err)
			}
		}
	}

	for _, hook := range cfg.Webhooks {
		sink, err := alert.NewWebhookSink(alert.WebhookConfig{
			URL:     hook.URL,
			Secret:  hook.Secret,
			Headers: hook.Headers,
		}, alert.WebhookDependencies{})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	for _, url := range cfg.Topics {
		sink, err := alert.OpenTopicSink(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		topics = append(topics, sink)
		sinks = append(sinks, sink)
	}
	return sinks, closeAll, nil
}

func monitoringHandler(store *metrics.Store, checker *health.Checker, registry *monitor.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := checker.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(registry.Sessions()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, checker *health.Checker, registry *monitor.Registry, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           monitoringHandler(store, checker, registry),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
