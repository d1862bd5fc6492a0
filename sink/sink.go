// Package sink defines the durable destination boundary for drained
// batches. The flush scheduler owns exactly one Sink; implementations live
// in subpackages (file, postgres, duckdb) and must tolerate being retried
// with the same batch after a reported failure.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/unusual-whales/feedtap/types"
)

// Sink persists drained batches keyed by buffer key.
//
// Persist either durably stores the whole batch or returns an error; on
// error the caller requeues the batch and retries it on the next flush
// cycle, so implementations that partially succeed should be idempotent
// (e.g. insert with conflict-ignore on a primary key).
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Setup performs one-time initialization (directory or table creation).
	// It runs before the first flush and is not called again.
	Setup(ctx context.Context) error

	// Persist durably stores a drained batch for one key, in order.
	Persist(ctx context.Context, key types.Key, batch []types.Record) error

	// Close releases underlying resources after the final flush.
	Close() error
}

// RecordID derives a deterministic identifier for a record so a replayed
// batch collides with its earlier write instead of duplicating rows.
func RecordID(key types.Key, rec types.Record) string {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(rec.Channel))
	h.Write([]byte{0})
	h.Write([]byte(rec.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000000000")))
	h.Write([]byte{0})
	h.Write(rec.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
