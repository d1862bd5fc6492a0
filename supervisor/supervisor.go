// Package supervisor owns the feed connection lifecycle: connecting,
// subscribing the configured channels, watching connection health, and
// reconnecting with bounded backoff when the connection is lost.
//
// The transport handle is owned exclusively by the supervisor's run
// goroutine. Received frames are classified and appended to the shared
// buffer set; nothing else touches the connection.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unusual-whales/feedtap/bufferset"
	"github.com/unusual-whales/feedtap/classify"
	"github.com/unusual-whales/feedtap/component"
	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/pkg/backoff"
	"github.com/unusual-whales/feedtap/transport"
	"github.com/unusual-whales/feedtap/types"
)

// ConnectionState is the supervisor's view of the feed connection.
type ConnectionState int32

const (
	// StateDisconnected means no connection exists.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connection attempt is in flight.
	StateConnecting
	// StateSubscribed means the connection is up and channels are joined.
	StateSubscribed
	// StateDegraded means the connection went quiet and a liveness probe
	// is outstanding.
	StateDegraded
	// StateShuttingDown is terminal.
	StateShuttingDown
)

// String returns a string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Defaults for health checking, from the upstream feed's behavior.
const (
	DefaultIdleTimeout    = 30 * time.Second
	DefaultPingTimeout    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Config holds the supervisor settings.
type Config struct {
	// Channels is the subscription list, e.g. ["flow-alerts", "gex:SPY"].
	Channels []string `yaml:"channels"`
	// IdleTimeout is how long the feed may stay silent before a liveness
	// probe is sent.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// PingTimeout bounds the wait for a probe response.
	PingTimeout time.Duration `yaml:"pingTimeout"`
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	// Backoff is the reconnect delay policy.
	Backoff backoff.Policy `yaml:"backoff"`
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff = backoff.Default()
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Supervisor", "Validate",
			"at least one channel required")
	}
	for _, ch := range c.Channels {
		if ch == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Supervisor", "Validate",
				"empty channel name")
		}
	}
	return nil
}

// Metrics holds the supervisor's Prometheus metrics.
type metrics struct {
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	disconnects     prometheus.Counter
	recordsIngested *prometheus.CounterVec
}

// Supervisor runs the connect/subscribe/watch/reconnect loop.
type Supervisor struct {
	config     Config
	factory    transport.Factory
	classifier *classify.Classifier
	buffers    *bufferset.Set
	logger     *slog.Logger
	clock      clock.Clock

	state atomic.Int32
	fatal chan error

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	metrics *metrics
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the clock used for health check timers.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// RegisterMetrics builds and registers the supervisor's metrics. Must be
// called before Start when metrics are wanted.
func (s *Supervisor) RegisterMetrics(registry *metric.Registry) error {
	if registry == nil {
		return nil
	}

	m := &metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "supervisor",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected 1=connecting 2=subscribed 3=degraded 4=shutting_down)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "supervisor",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "supervisor",
			Name:      "disconnects_total",
			Help:      "Connection losses after a successful subscribe",
		}),
		recordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "supervisor",
			Name:      "records_ingested_total",
			Help:      "Records appended to buffers, per key",
		}, []string{"key"}),
	}

	if err := registry.RegisterGauge("supervisor", "connection_state", m.connectionState); err != nil {
		return err
	}
	if err := registry.RegisterCounter("supervisor", "reconnect_attempts", m.reconnects); err != nil {
		return err
	}
	if err := registry.RegisterCounter("supervisor", "disconnects", m.disconnects); err != nil {
		return err
	}
	if err := registry.RegisterCounterVec("supervisor", "records_ingested", m.recordsIngested); err != nil {
		return err
	}

	s.metrics = m
	return nil
}

// New creates a Supervisor.
func New(config Config, factory transport.Factory, classifier *classify.Classifier,
	buffers *bufferset.Set, opts ...Option) (*Supervisor, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Supervisor", "New",
			"transport factory required")
	}
	if classifier == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Supervisor", "New",
			"classifier required")
	}
	if buffers == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Supervisor", "New",
			"buffer set required")
	}

	s := &Supervisor{
		config:     config.withDefaults(),
		factory:    factory,
		classifier: classifier,
		buffers:    buffers,
		logger:     slog.Default(),
		clock:      clock.New(),
		fatal:      make(chan error, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s, nil
}

var _ component.Lifecycle = (*Supervisor)(nil)

// Name identifies the component.
func (s *Supervisor) Name() string { return "supervisor" }

// Initialize performs setup; the supervisor has none beyond construction.
func (s *Supervisor) Initialize() error { return nil }

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Fatal delivers the unrecoverable error that ended the run loop, if any.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// Done is closed when the run loop exits.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start launches the run loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Supervisor", "Start", "start supervisor")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

// Stop requests shutdown and waits for the run loop to exit.
func (s *Supervisor) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Supervisor", "Stop", "stop supervisor")
	}

	s.stopOnce.Do(func() { s.cancel() })

	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Supervisor", "Stop",
			"wait for run loop exit")
	}
}

func (s *Supervisor) setState(state ConnectionState) {
	prev := ConnectionState(s.state.Swap(int32(state)))
	if prev != state {
		s.logger.Info("Connection state changed", "from", prev.String(), "to", state.String())
	}
	if s.metrics != nil {
		s.metrics.connectionState.Set(float64(state))
	}
}

// run is the single goroutine that owns the transport.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateShuttingDown)
			return
		}

		if s.config.Backoff.Exhausted(attempt) {
			s.setState(StateShuttingDown)
			err := errors.WrapFatal(errors.ErrMaxAttemptsExceeded, "Supervisor", "run",
				fmt.Sprintf("gave up after %d reconnect attempts", s.config.Backoff.MaxAttempts))
			s.logger.Error("Reconnect attempts exhausted", "error", err)
			s.fatal <- err
			return
		}

		if attempt > 0 {
			s.logger.Info("Waiting before reconnect",
				"attempt", attempt,
				"delay", s.config.Backoff.BaseFor(attempt).String())
			if s.metrics != nil {
				s.metrics.reconnects.Inc()
			}
		}
		if err := s.config.Backoff.Wait(ctx, attempt); err != nil {
			s.setState(StateShuttingDown)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			s.logger.Warn("Connection attempt failed", "attempt", attempt, "error", err)
			s.setState(StateDisconnected)
			attempt++
			continue
		}

		s.setState(StateSubscribed)
		attempt = 0

		s.serve(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			s.setState(StateShuttingDown)
			return
		}

		if s.metrics != nil {
			s.metrics.disconnects.Inc()
		}
		s.setState(StateDisconnected)
		attempt = 1
	}
}

// connect establishes a fresh session and joins the configured channels.
// Partial subscription failures are tolerated as long as at least one
// channel joins.
func (s *Supervisor) connect(ctx context.Context) (transport.Transport, error) {
	conn := s.factory()

	connectCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	if err := conn.Connect(connectCtx); err != nil {
		conn.Close()
		return nil, err
	}

	joined := 0
	for _, channel := range s.config.Channels {
		if err := conn.Subscribe(ctx, channel); err != nil {
			s.logger.Warn("Channel subscription failed", "channel", channel, "error", err)
			continue
		}
		s.logger.Info("Subscribed to channel", "channel", channel)
		joined++
	}
	if joined == 0 {
		conn.Close()
		return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "Supervisor", "connect",
			"no channel subscription succeeded")
	}
	return conn, nil
}

// serve consumes frames until the connection is lost, shutdown is
// requested, or the health check declares the connection dead. A quiet
// feed triggers a ping probe first; only a missed pong kills the session.
func (s *Supervisor) serve(ctx context.Context, conn transport.Transport) {
	idle := s.clock.Timer(s.config.IdleTimeout)
	defer idle.Stop()

	var probe *clock.Timer
	var probeC <-chan time.Time
	stopProbe := func() {
		if probe != nil {
			probe.Stop()
			probe = nil
			probeC = nil
		}
	}
	defer stopProbe()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-conn.Frames():
			if !ok {
				s.logger.Warn("Feed connection lost", "error", conn.Err())
				return
			}
			s.ingest(frame)
			idle.Reset(s.config.IdleTimeout)
			if probe != nil {
				stopProbe()
				s.setState(StateSubscribed)
			}

		case <-idle.C:
			// Quiet feed: distinguish an idle channel from a dead socket.
			s.setState(StateDegraded)
			s.logger.Warn("No messages received within idle timeout, probing connection",
				"idleTimeout", s.config.IdleTimeout.String())

			pingCtx, cancel := context.WithTimeout(ctx, s.config.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Warn("Liveness probe could not be sent, closing connection", "error", err)
				return
			}
			probe = s.clock.Timer(s.config.PingTimeout)
			probeC = probe.C

		case <-conn.Pongs():
			if probe != nil {
				stopProbe()
				s.setState(StateSubscribed)
				idle.Reset(s.config.IdleTimeout)
			}

		case <-probeC:
			s.logger.Warn("No pong within probe timeout, closing connection",
				"pingTimeout", s.config.PingTimeout.String(),
				"error", errors.ErrConnectionDead)
			return
		}
	}
}

func (s *Supervisor) ingest(frame transport.Frame) {
	key := s.classifier.Classify(frame.Channel)
	s.buffers.Append(key, types.Record{
		Channel:    frame.Channel,
		Payload:    frame.Payload,
		ReceivedAt: s.clock.Now(),
	})
	if s.metrics != nil {
		s.metrics.recordsIngested.WithLabelValues(key.String()).Inc()
	}
}
