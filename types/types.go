// Package types holds the small shared types that flow between the
// ingestion, buffering, and flush layers. It is a leaf package with no
// internal dependencies so every other package can import it freely.
package types

import (
	"encoding/json"
	"time"
)

// Key identifies which logical data stream a buffered record belongs to.
// Keys are produced by the classifier and consumed by the buffer set and
// the sink adapters.
type Key string

// UnknownKey is the fallback key for channels no classification rule
// matches. Records landing here indicate subscription or schema drift and
// are kept visible rather than dropped.
const UnknownKey Key = "unknown"

// String returns the key as a plain string.
func (k Key) String() string { return string(k) }

// Record is one formatted inbound message held in a buffer between
// arrival and flush. Payload is kept opaque; sinks decide how to render it.
type Record struct {
	// Channel is the feed channel the message arrived on (e.g. "gex:SPY").
	Channel string `json:"channel"`

	// Payload is the raw message body as received from the feed.
	Payload json.RawMessage `json:"payload"`

	// ReceivedAt is the local arrival timestamp.
	ReceivedAt time.Time `json:"received_at"`
}
