// Package engine assembles the ingestion pipeline from configuration and
// drives its lifecycle: transport into supervisor into classifier into
// buffers, and buffers into scheduler into sink.
//
// Start order: metrics endpoint, flush scheduler, supervisor. Stop order
// is the reverse for the ingest side: the supervisor goes down first so
// no new records arrive, then the scheduler runs its final flush and
// closes the sink, then the metrics endpoint stops.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unusual-whales/feedtap/bufferset"
	"github.com/unusual-whales/feedtap/classify"
	"github.com/unusual-whales/feedtap/component"
	"github.com/unusual-whales/feedtap/config"
	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/flush"
	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/pkg/backoff"
	"github.com/unusual-whales/feedtap/sink"
	"github.com/unusual-whales/feedtap/sink/duckdb"
	"github.com/unusual-whales/feedtap/sink/file"
	"github.com/unusual-whales/feedtap/sink/postgres"
	"github.com/unusual-whales/feedtap/supervisor"
	"github.com/unusual-whales/feedtap/transport"
	"github.com/unusual-whales/feedtap/transport/natsfeed"
	"github.com/unusual-whales/feedtap/transport/ws"
	"github.com/unusual-whales/feedtap/types"
)

const componentStopTimeout = 15 * time.Second

// Engine owns the assembled pipeline.
type Engine struct {
	config   *config.Config
	logger   *slog.Logger
	registry *metric.Registry

	buffers    *bufferset.Set
	classifier *classify.Classifier
	sink       sink.Sink
	scheduler  *flush.Scheduler
	super      *supervisor.Supervisor
	metricsSrv *metric.Server

	initialized atomic.Bool
	started     atomic.Bool
}

// New creates an Engine for cfg. By default the sink is built from
// configuration; tests inject their own with WithSink.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:   cfg,
		logger:   logger.With("component", "engine"),
		registry: metric.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSink injects a prebuilt sink instead of building one from
// configuration.
func WithSink(s sink.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRegistry injects a metrics registry.
func WithRegistry(r *metric.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

var _ component.Lifecycle = (*Engine)(nil)

// Name identifies the component.
func (e *Engine) Name() string { return "engine" }

// Registry exposes the metrics registry, mainly for the CLI to mount
// extra handlers.
func (e *Engine) Registry() *metric.Registry { return e.registry }

// Fatal surfaces the supervisor's unrecoverable error. Only valid after
// Initialize.
func (e *Engine) Fatal() <-chan error { return e.super.Fatal() }

// Initialize builds every pipeline component and prepares the sink.
func (e *Engine) Initialize() error {
	if !e.initialized.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Engine", "Initialize", "initialize engine")
	}

	cfg := e.config

	var err error
	e.buffers, err = bufferset.New(
		bufferset.WithSizeThreshold(cfg.Flush.SizeThreshold),
		bufferset.WithMetrics(e.registry),
	)
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "build buffer set")
	}

	rules := make([]classify.Rule, 0, len(cfg.Classify))
	for _, r := range cfg.Classify {
		rules = append(rules, classify.Rule{
			Pattern: r.Pattern,
			Match:   classify.Match(r.Match),
			Key:     types.Key(r.Key),
		})
	}
	e.classifier, err = classify.New(rules, e.logger, e.registry)
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "build classifier")
	}

	if e.sink == nil {
		e.sink, err = e.buildSink()
		if err != nil {
			return errors.Wrap(err, "Engine", "Initialize", "build sink")
		}
	}

	e.scheduler, err = flush.New(
		flush.Config{Interval: cfg.Flush.Interval.Duration()},
		e.buffers, e.sink, flush.WithLogger(e.logger),
	)
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "build scheduler")
	}
	if err := e.scheduler.RegisterMetrics(e.registry); err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "register scheduler metrics")
	}

	factory, err := e.buildTransportFactory()
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "build transport")
	}

	e.super, err = supervisor.New(supervisor.Config{
		Channels:       cfg.Feed.Channels,
		IdleTimeout:    cfg.Feed.IdleTimeout.Duration(),
		PingTimeout:    cfg.Feed.PingTimeout.Duration(),
		ConnectTimeout: cfg.Feed.ConnectTimeout.Duration(),
		Backoff: backoff.Policy{
			BaseDelay:   cfg.Reconnect.BaseDelay.Duration(),
			MaxDelay:    cfg.Reconnect.MaxDelay.Duration(),
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}, factory, e.classifier, e.buffers, supervisor.WithLogger(e.logger))
	if err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "build supervisor")
	}
	if err := e.super.RegisterMetrics(e.registry); err != nil {
		return errors.Wrap(err, "Engine", "Initialize", "register supervisor metrics")
	}

	if cfg.Metrics.Enabled {
		e.metricsSrv = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, e.registry)
	}

	if err := e.scheduler.Initialize(); err != nil {
		return err
	}

	e.logger.Info("Engine initialized",
		"transport", cfg.Feed.Transport,
		"sink", e.sink.Name(),
		"channels", cfg.Feed.Channels)
	return nil
}

func (e *Engine) buildSink() (sink.Sink, error) {
	cfg := e.config.Sink
	switch cfg.Type {
	case config.SinkFile:
		return file.New(file.Config{
			Directory:  cfg.Directory,
			FilePrefix: cfg.FilePrefix,
		}, e.logger)
	case config.SinkPostgres:
		return postgres.Open(cfg.DSN, cfg.Table)
	case config.SinkDuckDB:
		return duckdb.Open(cfg.DSN, cfg.Table)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "buildSink",
			fmt.Sprintf("unknown sink type %q", cfg.Type))
	}
}

func (e *Engine) buildTransportFactory() (transport.Factory, error) {
	cfg := e.config.Feed
	switch cfg.Transport {
	case config.TransportWebSocket:
		received, malformed, err := ws.NewFrameCounters(e.registry)
		if err != nil {
			return nil, err
		}
		return ws.Factory(ws.Config{
			URL:              cfg.URL,
			Token:            cfg.Token,
			HandshakeTimeout: cfg.ConnectTimeout.Duration(),
		}, ws.WithLogger(e.logger), ws.WithMetrics(received, malformed))
	case config.TransportNATS:
		received, err := natsfeed.NewFrameCounter(e.registry)
		if err != nil {
			return nil, err
		}
		return natsfeed.Factory(natsfeed.Config{
			URL:            cfg.URL,
			Token:          cfg.Token,
			SubjectPrefix:  cfg.SubjectPrefix,
			ConnectTimeout: cfg.ConnectTimeout.Duration(),
		}, natsfeed.WithLogger(e.logger), natsfeed.WithMetrics(received))
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "buildTransportFactory",
			fmt.Sprintf("unknown transport %q", cfg.Transport))
	}
}

// Start launches the pipeline.
func (e *Engine) Start(ctx context.Context) error {
	if !e.initialized.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Engine", "Start", "engine not initialized")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Engine", "Start", "start engine")
	}

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Start(); err != nil {
			return errors.Wrap(err, "Engine", "Start", "start metrics endpoint")
		}
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := e.super.Start(ctx); err != nil {
		return err
	}

	e.logger.Info("Engine started")
	return nil
}

// Stop shuts the pipeline down. The supervisor stops first so the final
// flush covers everything that was ingested.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.started.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Engine", "Stop", "stop engine")
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if timeout <= 0 {
		timeout = componentStopTimeout
	}

	keep(e.super.Stop(timeout))
	keep(e.scheduler.Stop(timeout))
	if e.metricsSrv != nil {
		keep(e.metricsSrv.Stop(timeout))
	}

	if firstErr != nil {
		return errors.Wrap(firstErr, "Engine", "Stop", "shut down pipeline")
	}
	e.logger.Info("Engine stopped")
	return nil
}
