// Package flush drains buffered records to the configured sink. The
// scheduler wakes on a fixed interval and additionally whenever a buffer
// crosses the size threshold, so a burst is persisted without waiting out
// the timer.
//
// Failure policy: a batch that fails to persist is requeued at the front
// of its buffer and retried on the next cycle. Ingestion continues in the
// meantime, trading memory growth for losing no records while the sink is
// down.
package flush

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/unusual-whales/feedtap/bufferset"
	"github.com/unusual-whales/feedtap/component"
	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/pkg/backoff"
	"github.com/unusual-whales/feedtap/sink"
	"github.com/unusual-whales/feedtap/types"
)

const (
	// DefaultInterval is the time based flush period.
	DefaultInterval = 1 * time.Second
	// maxConcurrentFlushes bounds the per-key persist fanout.
	maxConcurrentFlushes = 4
	// finalFlushTimeout bounds the shutdown flush.
	finalFlushTimeout = 10 * time.Second
	// sinkSetupTimeout bounds sink setup including retries.
	sinkSetupTimeout = 30 * time.Second
)

// Config holds the scheduler settings.
type Config struct {
	// Interval is the time based flush period, defaults to 1s.
	Interval time.Duration `yaml:"interval"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

type metrics struct {
	flushes         prometheus.Counter
	flushErrors     prometheus.Counter
	recordsFlushed  *prometheus.CounterVec
	recordsRetained prometheus.Gauge
	flushDuration   prometheus.Histogram
}

// Scheduler owns the sink handle and periodically drains the buffer set
// into it.
type Scheduler struct {
	config  Config
	buffers *bufferset.Set
	sink    sink.Sink
	logger  *slog.Logger
	clock   clock.Clock

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	metrics *metrics
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the clock driving the flush ticker.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// New creates a Scheduler draining buffers into snk.
func New(config Config, buffers *bufferset.Set, snk sink.Sink, opts ...Option) (*Scheduler, error) {
	if buffers == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Scheduler", "New", "buffer set required")
	}
	if snk == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Scheduler", "New", "sink required")
	}

	s := &Scheduler{
		config:  config.withDefaults(),
		buffers: buffers,
		sink:    snk,
		logger:  slog.Default(),
		clock:   clock.New(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "flush", "sink", snk.Name())
	return s, nil
}

var _ component.Lifecycle = (*Scheduler)(nil)

// Name identifies the component.
func (s *Scheduler) Name() string { return "flush" }

// Initialize prepares the sink for writes, retrying transient setup
// failures so a database that is still coming up does not abort startup.
func (s *Scheduler) Initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), sinkSetupTimeout)
	defer cancel()

	policy := backoff.Policy{
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 3,
	}
	err := backoff.Do(ctx, policy, func() error {
		err := s.sink.Setup(ctx)
		if err != nil && (errors.IsFatal(err) || errors.IsInvalid(err)) {
			return backoff.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "Scheduler", "Initialize", "set up sink")
	}
	return nil
}

// RegisterMetrics builds and registers the scheduler's metrics. Must be
// called before Start when metrics are wanted.
func (s *Scheduler) RegisterMetrics(registry *metric.Registry) error {
	if registry == nil {
		return nil
	}

	m := &metrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flush",
			Name:      "cycles_total",
			Help:      "Flush cycles executed",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flush",
			Name:      "errors_total",
			Help:      "Persist failures, each leaving its batch requeued",
		}),
		recordsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flush",
			Name:      "records_flushed_total",
			Help:      "Records durably persisted, per key",
		}, []string{"key"}),
		recordsRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "flush",
			Name:      "records_retained",
			Help:      "Records held in memory after requeue because the sink is failing",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Flush cycle duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if err := registry.RegisterCounter("flush", "cycles", m.flushes); err != nil {
		return err
	}
	if err := registry.RegisterCounter("flush", "errors", m.flushErrors); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec("flush", "records_flushed", m.recordsFlushed); err != nil {
		return err
	}
	if err := registry.RegisterGauge("flush", "records_retained", m.recordsRetained); err != nil {
		return err
	}
	if err := registry.RegisterHistogram("flush", "duration", m.flushDuration); err != nil {
		return err
	}

	s.metrics = m
	return nil
}

// Start launches the flush loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Scheduler", "Start", "start scheduler")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

// Stop halts the loop and runs exactly one final flush covering all
// buffers, including any requeued batches.
func (s *Scheduler) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Scheduler", "Stop", "stop scheduler")
	}

	s.stopOnce.Do(func() { s.cancel() })

	select {
	case <-s.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Scheduler", "Stop",
			"wait for flush loop exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	s.flush(ctx)

	if err := s.sink.Close(); err != nil {
		return errors.Wrap(err, "Scheduler", "Stop", "close sink")
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.Ticker(s.config.Interval)
	defer ticker.Stop()

	// While the sink is failing, requeues keep the buffers over the size
	// threshold; retrying only on the timer keeps this from spinning.
	sinkFailing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sinkFailing = !s.flush(ctx)
		case <-s.buffers.Threshold():
			if sinkFailing {
				continue
			}
			sinkFailing = !s.flush(ctx)
		}
	}
}

// flush drains every buffer and persists the batches, one goroutine per
// key up to a small fanout limit. Order within a key is preserved because
// a key's whole backlog travels in a single Persist call. Returns false
// when any key failed to persist.
func (s *Scheduler) flush(ctx context.Context) bool {
	drained := s.buffers.DrainAll()
	if len(drained) == 0 {
		return true
	}

	start := time.Now()
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFlushes)
	for key, batch := range drained {
		if len(batch) == 0 {
			continue
		}
		key, batch := key, batch
		g.Go(func() error {
			s.persist(gctx, key, batch, &failed)
			return nil
		})
	}
	g.Wait()

	if s.metrics != nil {
		s.metrics.flushes.Inc()
		s.metrics.flushDuration.Observe(time.Since(start).Seconds())
		s.metrics.recordsRetained.Set(float64(s.buffers.Total()))
	}
	if n := failed.Load(); n > 0 {
		s.logger.Warn("Flush cycle completed with failures",
			"failedKeys", n, "retainedRecords", s.buffers.Total())
		return false
	}
	return true
}

func (s *Scheduler) persist(ctx context.Context, key types.Key, batch []types.Record, failed *atomic.Int64) {
	if err := s.sink.Persist(ctx, key, batch); err != nil {
		failed.Add(1)
		if s.metrics != nil {
			s.metrics.flushErrors.Inc()
		}
		s.logger.Warn("Persist failed, requeueing batch",
			"key", key.String(), "records", len(batch), "error", err)
		s.buffers.Requeue(key, batch)
		return
	}

	if s.metrics != nil {
		s.metrics.recordsFlushed.WithLabelValues(key.String()).Add(float64(len(batch)))
	}
	s.logger.Debug("Flushed batch", "key", key.String(), "records", len(batch))
}
