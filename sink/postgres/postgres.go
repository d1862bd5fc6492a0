// Package postgres provides a sink that batch-inserts drained records into
// a Postgres (or Timescale) table. Retries after a reported failure are
// safe: each record carries a deterministic identifier and inserts use
// ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	// Postgres driver registration
	_ "github.com/lib/pq"

	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/sink"
	"github.com/unusual-whales/feedtap/types"
)

// tableNamePattern restricts table names to plain identifiers since the
// table name is interpolated into DDL and insert statements.
var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// insertChunkSize bounds the number of rows per statement; 6 parameters per
// row keeps comfortably under the wire protocol's argument limit.
const insertChunkSize = 500

// Sink writes drained batches into a single relational table keyed by
// buffer key.
type Sink struct {
	db    *sql.DB
	table string
}

// New creates a Postgres sink writing to table. The caller retains
// ownership of db until Close is called.
func New(db *sql.DB, table string) (*Sink, error) {
	if db == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "New", "db handle required")
	}
	if !tableNamePattern.MatchString(table) {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Sink", "New",
			fmt.Sprintf("invalid table name %q", table))
	}
	return &Sink{db: db, table: table}, nil
}

// Open connects to Postgres and returns a sink on the connection.
func Open(dsn, table string) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Sink", "Open", "open postgres connection")
	}
	return New(db, table)
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "postgres" }

// Setup creates the destination table if it does not exist.
func (s *Sink) Setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	record_id TEXT PRIMARY KEY,
	buffer_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	payload JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.WrapTransient(err, "Sink", "Setup", "create table")
	}
	return nil
}

// Persist batch-inserts the records. Duplicate record_ids from a retried
// batch are ignored, which is what makes at-least-once delivery safe here.
func (s *Sink) Persist(ctx context.Context, key types.Key, batch []types.Record) error {
	if len(batch) == 0 {
		return nil
	}

	for start := 0; start < len(batch); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := s.insertChunk(ctx, key, batch[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) insertChunk(ctx context.Context, key types.Key, chunk []types.Record) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (record_id, buffer_key, channel, payload, received_at) VALUES ")

	args := make([]any, 0, len(chunk)*5)
	for i, rec := range chunk {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5)
		args = append(args,
			sink.RecordID(key, rec),
			key.String(),
			rec.Channel,
			[]byte(rec.Payload),
			rec.ReceivedAt,
		)
	}
	b.WriteString(" ON CONFLICT (record_id) DO NOTHING")

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return errors.WrapTransient(err, "Sink", "Persist",
			fmt.Sprintf("insert %d %s records", len(chunk), key))
	}
	return nil
}

// Close releases the database handle.
func (s *Sink) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "Sink", "Close", "close postgres connection")
	}
	return nil
}
