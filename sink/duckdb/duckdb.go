// Package duckdb provides a sink that batch-inserts drained records into a
// local DuckDB database file, suitable for single-process analytical
// capture without a database server.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	// DuckDB driver registration
	_ "github.com/marcboeker/go-duckdb"

	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/sink"
	"github.com/unusual-whales/feedtap/types"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const insertChunkSize = 500

// Sink writes drained batches into a DuckDB table.
type Sink struct {
	db    *sql.DB
	table string
}

// New creates a DuckDB sink writing to table on an existing handle.
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

// Open opens (or creates) the DuckDB database at path and returns a sink
// on it. An empty path opens an in-memory database.
func Open(path, table string) (*Sink, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Sink", "Open", "open duckdb database")
	}
	return New(db, table)
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "duckdb" }

// Setup creates the destination table if it does not exist.
func (s *Sink) Setup(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	record_id VARCHAR PRIMARY KEY,
	buffer_key VARCHAR NOT NULL,
	channel VARCHAR NOT NULL,
	payload JSON NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`, s.table)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.WrapTransient(err, "Sink", "Setup", "create table")
	}
	return nil
}

// Persist batch-inserts the records. ON CONFLICT DO NOTHING keeps retried
// batches from duplicating rows.
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
		b.WriteString("(?,?,?,?,?)")
		args = append(args,
			sink.RecordID(key, rec),
			key.String(),
			rec.Channel,
			string(rec.Payload),
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
		return errors.WrapTransient(err, "Sink", "Close", "close duckdb database")
	}
	return nil
}
