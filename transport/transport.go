// Package transport defines the duplex feed connection used to receive
// channel-tagged frames and manage channel membership. Implementations
// cover a single connection lifetime: once the frame stream closes, the
// owner discards the session and establishes a new one.
package transport

import (
	"context"
	"encoding/json"
)

// Frame is one channel-tagged message received on the feed.
type Frame struct {
	Channel string
	Payload json.RawMessage
}

// ControlMessage is the join/leave request sent to manage channel
// membership on an established connection.
type ControlMessage struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
}

// Control actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Transport is a single-use duplex session with the upstream feed.
//
// Connect must be called first and at most once per session. Frames
// returns the channel carrying received frames; it is closed when the
// connection is lost or Close is called, after which Err reports the
// cause. Pongs delivers liveness probe responses triggered by Ping.
type Transport interface {
	// Connect establishes the session.
	Connect(ctx context.Context) error

	// Subscribe joins a channel on the established session.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe leaves a channel on the established session.
	Unsubscribe(ctx context.Context, channel string) error

	// Frames returns the stream of received frames. Closed on
	// connection loss.
	Frames() <-chan Frame

	// Ping sends a liveness probe. A response arrives on Pongs.
	Ping(ctx context.Context) error

	// Pongs delivers probe responses. Signals may coalesce.
	Pongs() <-chan struct{}

	// Err reports why the frame stream closed, nil before that.
	Err() error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Factory creates a fresh Transport for each connection attempt so that
// reconnects never reuse torn-down session state.
type Factory func() Transport
