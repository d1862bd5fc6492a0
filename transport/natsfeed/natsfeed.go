// Package natsfeed implements the feed transport over NATS core
// subscriptions, for deployments where the upstream feed is republished
// onto a NATS cluster instead of exposed as a WebSocket endpoint.
//
// Channel names map onto subjects under a configurable prefix, with the
// ':' separator rewritten to the subject token separator. Client level
// reconnection is disabled: the session owner handles reconnects so that
// backoff and subscription replay stay in one place.
package natsfeed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/transport"
)

const (
	defaultSubjectPrefix = "feed"
	defaultConnectWait   = 10 * time.Second
	defaultPingWait      = 10 * time.Second
	frameChanSize        = 256
)

// Config holds the connection settings for a NATS feed session.
type Config struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string `yaml:"url"`
	// Token authenticates the connection when set.
	Token string `yaml:"token"`
	// SubjectPrefix prefixes channel subjects, defaults to "feed".
	SubjectPrefix string `yaml:"subjectPrefix"`
	// ConnectTimeout bounds the initial connection, defaults to 10s.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Transport", "Validate", "NATS URL required")
	}
	if strings.ContainsAny(c.SubjectPrefix, " *>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Transport", "Validate",
			fmt.Sprintf("invalid subject prefix %q", c.SubjectPrefix))
	}
	return nil
}

// Transport is a single-use NATS feed session.
type Transport struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	subs     map[string]*nats.Subscription
	channels map[string]string

	frames    chan transport.Frame
	pongs     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	lostErr error

	framesReceived prometheus.Counter
}

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics attaches a shared received-frame counter, typically created
// once by the session owner so reconnected sessions increment the same
// series.
func WithMetrics(framesReceived prometheus.Counter) Option {
	return func(t *Transport) {
		t.framesReceived = framesReceived
	}
}

// NewFrameCounter builds and registers the received-frame counter shared
// across sessions.
func NewFrameCounter(registry *metric.Registry) (prometheus.Counter, error) {
	received := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: "transport",
		Name:      "frames_received_total",
		Help:      "Frames received on the feed connection",
	})
	if err := registry.RegisterCounter("transport", "frames_received", received); err != nil {
		return nil, err
	}
	return received, nil
}

// New creates an unconnected NATS transport.
func New(config Config, opts ...Option) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaultSubjectPrefix
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectWait
	}

	t := &Transport{
		config:   config,
		logger:   slog.Default(),
		subs:     make(map[string]*nats.Subscription),
		channels: make(map[string]string),
		frames:   make(chan transport.Frame, frameChanSize),
		pongs:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Factory returns a transport.Factory producing fresh sessions from the
// same configuration.
func Factory(config Config, opts ...Option) (transport.Factory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return func() transport.Transport {
		t, _ := New(config, opts...)
		return t
	}, nil
}

// Connect establishes the NATS connection.
func (t *Transport) Connect(ctx context.Context) error {
	timeout := t.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if wait := time.Until(deadline); wait < timeout {
			timeout = wait
		}
	}

	opts := []nats.Option{
		nats.Name("feedtap"),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.connectionLost(nc.LastError())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.logger.Warn("Feed connection error", "error", err)
		}),
	}
	if t.config.Token != "" {
		opts = append(opts, nats.Token(t.config.Token))
	}

	conn, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Connect", "connect to NATS")
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Subscribe joins a channel by subscribing to its subject.
func (t *Transport) Subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errors.ErrNoConnection
	}
	if _, ok := t.subs[channel]; ok {
		return nil
	}

	subject := t.subjectFor(channel)
	sub, err := t.conn.Subscribe(subject, t.handleMessage)
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Subscribe",
			fmt.Sprintf("subscribe to %s", subject))
	}

	t.subs[channel] = sub
	t.channels[subject] = channel
	return nil
}

// Unsubscribe leaves a channel.
func (t *Transport) Unsubscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[channel]
	if !ok {
		return nil
	}
	delete(t.subs, channel)
	delete(t.channels, t.subjectFor(channel))

	if err := sub.Unsubscribe(); err != nil {
		return errors.WrapTransient(err, "Transport", "Unsubscribe",
			fmt.Sprintf("unsubscribe from channel %s", channel))
	}
	return nil
}

func (t *Transport) handleMessage(msg *nats.Msg) {
	t.mu.Lock()
	channel, ok := t.channels[msg.Subject]
	t.mu.Unlock()
	if !ok {
		channel = t.channelFor(msg.Subject)
	}

	payload := make([]byte, len(msg.Data))
	copy(payload, msg.Data)

	if t.framesReceived != nil {
		t.framesReceived.Inc()
	}

	defer func() {
		// A send can race the close on connection loss; a frame lost at
		// teardown is retransmitted after reconnect anyway.
		_ = recover()
	}()
	select {
	case t.frames <- transport.Frame{Channel: channel, Payload: payload}:
	case <-t.closed:
	}
}

// Frames returns the received frame stream.
func (t *Transport) Frames() <-chan transport.Frame { return t.frames }

// Ping round-trips a protocol PING with the server.
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errors.ErrNoConnection
	}

	wait := defaultPingWait
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < wait {
			wait = until
		}
	}
	if err := conn.FlushTimeout(wait); err != nil {
		return errors.WrapTransient(err, "Transport", "Ping", "flush connection")
	}

	select {
	case t.pongs <- struct{}{}:
	default:
	}
	return nil
}

// Pongs delivers probe responses.
func (t *Transport) Pongs() <-chan struct{} { return t.pongs }

// Err reports why the frame stream closed.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lostErr
}

// Close tears the connection down.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.connectionLost(errors.ErrConnectionLost)
	return nil
}

func (t *Transport) connectionLost(cause error) {
	t.closeOnce.Do(func() {
		if cause == nil {
			cause = errors.ErrConnectionLost
		}
		t.errMu.Lock()
		t.lostErr = errors.WrapTransient(cause, "Transport", "connectionLost", "feed connection closed")
		t.errMu.Unlock()
		close(t.closed)
		close(t.frames)
	})
}

func (t *Transport) subjectFor(channel string) string {
	return t.config.SubjectPrefix + "." + strings.ReplaceAll(channel, ":", ".")
}

func (t *Transport) channelFor(subject string) string {
	trimmed := strings.TrimPrefix(subject, t.config.SubjectPrefix+".")
	return strings.ReplaceAll(trimmed, ".", ":")
}
