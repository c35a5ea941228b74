package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/deadletter"
	"github.com/ajitpratap0/lakesync/internal/index"
	"github.com/ajitpratap0/lakesync/internal/notify"
	"github.com/ajitpratap0/lakesync/internal/source"
	lsync "github.com/ajitpratap0/lakesync/internal/sync"
	"github.com/ajitpratap0/lakesync/internal/watermark"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/logger"
	"github.com/ajitpratap0/lakesync/pkg/metrics"
	"github.com/ajitpratap0/lakesync/pkg/observability"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
}

// app holds the wired components of one CLI invocation.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	orch       *lsync.Orchestrator
	watermarks watermark.Store

	closers []func() error
	tracing func(context.Context) error
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("configuration error: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Observability.LogLevel = flags.logLevel
	}
	return cfg, nil
}

// newApp connects to the source, the document store and the state backend
// and builds the orchestrator over them.
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
	})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("component", "lakesync-cli"))

	a := &app{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    "lakesync",
			ServiceVersion: version,
			SamplingRate:   cfg.Observability.TraceSampleRate,
		})
		if err != nil {
			return err
		}
		a.tracing = shutdown
	}

	var reg prometheus.Registerer
	if cfg.Observability.EnableMetrics {
		reg = prometheus.DefaultRegisterer
	}
	m := metrics.NewSyncMetrics(reg)

	src, err := source.Open(ctx, cfg.Source, a.log)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	a.closers = append(a.closers, src.Close)

	transport := index.DefaultTransportConfig()
	transport.EnableHTTP2 = cfg.Search.EnableHTTP2
	store, err := index.NewElasticsearchStore(index.ElasticsearchConfig{
		Addresses:        cfg.SearchAddresses(),
		Username:         cfg.Search.Username,
		Password:         cfg.Search.Password,
		CompressRequests: cfg.Search.CompressRequests,
		RequestTimeout:   cfg.Search.RequestTimeout,
		Transport:        transport,
	}, a.log)
	if err != nil {
		return fmt.Errorf("failed to create search client: %w", err)
	}

	wms, err := watermark.Open(ctx, cfg.State, a.log)
	if err != nil {
		return fmt.Errorf("failed to open watermark store: %w", err)
	}
	a.watermarks = wms
	a.closers = append(a.closers, wms.Close)

	notifier, err := notify.Open(cfg.Notify, a.log)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	a.closers = append(a.closers, notifier.Close)

	sink, err := deadletter.Open(cfg.DeadLetter, a.log)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter sink: %w", err)
	}
	a.closers = append(a.closers, sink.Close)

	orch, err := lsync.New(cfg, lsync.Deps{
		Source:     src,
		Store:      store,
		Watermarks: wms,
		Notifier:   notifier,
		DeadLetter: sink,
		Metrics:    m,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("failed to close component", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracing != nil {
		if err := a.tracing(context.Background()); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
