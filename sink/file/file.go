// Package file provides a sink that appends drained batches to delimited
// text files, one file per buffer key. Line format matches the original
// capture tooling: "timestamp|channel|json_payload".
package file

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/types"
)

// timestampLayout renders arrival times the way the capture files always
// have: local time with microsecond precision.
const timestampLayout = "2006-01-02 15:04:05.000000"

// Config holds configuration for the file sink.
type Config struct {
	// Directory receives one file per buffer key.
	Directory string `yaml:"directory"`
	// FilePrefix is prepended to each file name ("<prefix>_<key>.txt").
	FilePrefix string `yaml:"file_prefix"`
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	return nil
}

// Sink appends records to per-key files.
type Sink struct {
	directory  string
	filePrefix string
	logger     *slog.Logger

	mu    sync.Mutex
	files map[types.Key]*os.File
}

// New creates a file sink. Files are opened lazily on first persist for
// each key and held open until Close.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "feed"
	}

	return &Sink{
		directory:  cfg.Directory,
		filePrefix: prefix,
		logger:     logger,
		files:      make(map[types.Key]*os.File),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "file" }

// Setup creates the output directory.
func (s *Sink) Setup(_ context.Context) error {
	if err := os.MkdirAll(s.directory, 0o755); err != nil {
		return errors.WrapFatal(err, "Sink", "Setup", "create output directory")
	}
	return nil
}

// Persist appends the batch to the key's file, one line per record.
func (s *Sink) Persist(ctx context.Context, key types.Key, batch []types.Record) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Sink", "Persist", "context check")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileFor(key)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, rec := range batch {
		if _, err := fmt.Fprintf(w, "%s|%s|%s\n",
			rec.ReceivedAt.Format(timestampLayout), rec.Channel, rec.Payload); err != nil {
			return errors.WrapTransient(err, "Sink", "Persist", fmt.Sprintf("write %s batch", key))
		}
	}
	if err := w.Flush(); err != nil {
		return errors.WrapTransient(err, "Sink", "Persist", fmt.Sprintf("flush %s batch", key))
	}
	if err := f.Sync(); err != nil {
		return errors.WrapTransient(err, "Sink", "Persist", fmt.Sprintf("sync %s file", key))
	}

	s.logger.Debug("batch written",
		"component", "file_sink",
		"key", key.String(),
		"records", len(batch),
		"path", f.Name())
	return nil
}

// fileFor returns the open handle for key, opening it on first use.
// Caller holds s.mu.
func (s *Sink) fileFor(key types.Key) (*os.File, error) {
	if f, ok := s.files[key]; ok {
		return f, nil
	}

	path := filepath.Join(s.directory, fmt.Sprintf("%s_%s.txt", s.filePrefix, key))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(err, "Sink", "fileFor", fmt.Sprintf("open %s", path))
	}
	s.files[key] = f
	return f, nil
}

// Close closes all per-key files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "Sink", "Close", fmt.Sprintf("close %s file", key))
		}
	}
	s.files = make(map[types.Key]*os.File)
	return firstErr
}
