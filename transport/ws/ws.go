// Package ws implements the feed transport over a WebSocket connection.
//
// The upstream feed delivers each message as a two element JSON array of
// [channel, payload]. Channel membership is managed with join/leave
// control messages on the same connection, and liveness is probed with
// protocol level ping/pong control frames.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	frameChanSize           = 256
)

// Config holds the connection settings for a WebSocket feed session.
type Config struct {
	// URL is the feed endpoint, ws:// or wss://.
	URL string `yaml:"url"`
	// Token is appended to the endpoint as the token query parameter.
	Token string `yaml:"token"`
	// HandshakeTimeout bounds the dial, defaults to 10s.
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Transport", "Validate", "feed URL required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Transport", "Validate", "parse feed URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Transport", "Validate",
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	return nil
}

// Transport is a single-use WebSocket feed session.
type Transport struct {
	config Config
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	frames chan transport.Frame
	pongs  chan struct{}
	closed chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once

	framesReceived  prometheus.Counter
	malformedFrames prometheus.Counter
}

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for frame level diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics attaches shared frame counters, typically created once by
// the session owner so that every reconnected session increments the same
// series.
func WithMetrics(framesReceived, malformedFrames prometheus.Counter) Option {
	return func(t *Transport) {
		t.framesReceived = framesReceived
		t.malformedFrames = malformedFrames
	}
}

// NewFrameCounters builds and registers the frame counters shared across
// sessions.
func NewFrameCounters(registry *metric.Registry) (received, malformed prometheus.Counter, err error) {
	received = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: "transport",
		Name:      "frames_received_total",
		Help:      "Frames received on the feed connection",
	})
	malformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: "transport",
		Name:      "malformed_frames_total",
		Help:      "Received messages that could not be decoded as frames",
	})
	if err := registry.RegisterCounter("transport", "frames_received", received); err != nil {
		return nil, nil, err
	}
	if err := registry.RegisterCounter("transport", "malformed_frames", malformed); err != nil {
		return nil, nil, err
	}
	return received, malformed, nil
}

// New creates an unconnected WebSocket transport.
func New(config Config, opts ...Option) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}

	t := &Transport{
		config: config,
		logger: slog.Default(),
		frames: make(chan transport.Frame, frameChanSize),
		pongs:  make(chan struct{}, 1),
		closed: make(chan struct{}),
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

// Connect dials the feed endpoint and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	endpoint, err := t.endpoint()
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: t.config.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return errors.WrapTransient(err, "Transport", "Connect",
				fmt.Sprintf("dial feed, status %d", resp.StatusCode))
		}
		return errors.WrapTransient(err, "Transport", "Connect", "dial feed")
	}

	conn.SetPongHandler(func(string) error {
		select {
		case t.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	t.conn = conn
	go t.readLoop(conn)
	return nil
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.config.URL)
	if err != nil {
		return "", errors.WrapInvalid(err, "Transport", "Connect", "parse feed URL")
	}
	if t.config.Token != "" {
		q := u.Query()
		q.Set("token", t.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Subscribe sends a join control message for channel.
func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	if err := t.writeControl(ctx, channel, transport.ActionJoin); err != nil {
		return errors.WrapTransient(err, "Transport", "Subscribe",
			fmt.Sprintf("join channel %s", channel))
	}
	return nil
}

// Unsubscribe sends a leave control message for channel.
func (t *Transport) Unsubscribe(ctx context.Context, channel string) error {
	if err := t.writeControl(ctx, channel, transport.ActionLeave); err != nil {
		return errors.WrapTransient(err, "Transport", "Unsubscribe",
			fmt.Sprintf("leave channel %s", channel))
	}
	return nil
}

func (t *Transport) writeControl(ctx context.Context, channel, action string) error {
	if t.conn == nil {
		return errors.ErrNoConnection
	}

	msg, err := json.Marshal(transport.ControlMessage{Channel: channel, Action: action})
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Frames returns the received frame stream.
func (t *Transport) Frames() <-chan transport.Frame { return t.frames }

// Ping sends a protocol level ping control frame.
func (t *Transport) Ping(ctx context.Context) error {
	if t.conn == nil {
		return errors.ErrNoConnection
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errors.WrapTransient(err, "Transport", "Ping", "send ping frame")
	}
	return nil
}

// Pongs delivers ping responses.
func (t *Transport) Pongs() <-chan struct{} { return t.pongs }

// Err reports why the frame stream closed.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.readErr
}

// Close tears the connection down, which also unblocks the read loop.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.setErr(errors.ErrConnectionLost)
		close(t.closed)
		if t.conn != nil {
			err = t.conn.Close()
		} else {
			close(t.frames)
		}
	})
	return err
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.readErr == nil {
		t.readErr = err
	}
}

// readLoop reads until the connection fails, then records the cause and
// closes the frame stream. Malformed messages are counted and skipped so
// one bad frame never costs a reconnect.
func (t *Transport) readLoop(conn *websocket.Conn) {
	defer close(t.frames)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.setErr(errors.WrapTransient(err, "Transport", "readLoop", "read feed message"))
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			if t.malformedFrames != nil {
				t.malformedFrames.Inc()
			}
			t.logger.Debug("Discarding malformed frame", "error", err)
			continue
		}

		if t.framesReceived != nil {
			t.framesReceived.Inc()
		}
		select {
		case t.frames <- frame:
		case <-t.closed:
			return
		}
	}
}

// decodeFrame parses a [channel, payload] message.
func decodeFrame(data []byte) (transport.Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return transport.Frame{}, errors.WrapInvalid(err, "Transport", "decodeFrame", "unmarshal message")
	}
	if len(parts) != 2 {
		return transport.Frame{}, errors.WrapInvalid(errors.ErrMalformedFrame, "Transport", "decodeFrame",
			fmt.Sprintf("expected 2 elements, got %d", len(parts)))
	}

	var channel string
	if err := json.Unmarshal(parts[0], &channel); err != nil {
		return transport.Frame{}, errors.WrapInvalid(err, "Transport", "decodeFrame", "decode channel name")
	}
	if channel == "" {
		return transport.Frame{}, errors.WrapInvalid(errors.ErrMalformedFrame, "Transport", "decodeFrame",
			"empty channel name")
	}

	return transport.Frame{Channel: channel, Payload: parts[1]}, nil
}
