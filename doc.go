// Package feedtap is a streaming ingestion buffer for the Unusual Whales
// market data feed: a long-lived client that joins feed channels over a
// duplex connection, buffers incoming records in memory per buffer key,
// and flushes them durably on a time and size policy, reconnecting with
// bounded exponential backoff when the feed drops.
//
// # Architecture
//
//	┌──────────────────────────────┐
//	│          Engine              │  assembly and lifecycle
//	└──────────────┬───────────────┘
//	               │ owns
//	┌──────────────┴───────────────┐
//	│         Supervisor           │  connect, subscribe, health
//	│  (state machine + backoff)   │  check, reconnect
//	└──────────────┬───────────────┘
//	               │ frames
//	┌──────────────┴───────────────┐
//	│         Classifier           │  channel → buffer key
//	└──────────────┬───────────────┘
//	               │ records
//	┌──────────────┴───────────────┐
//	│         Buffer Set           │  per-key in-memory queues,
//	│   (append / drain / requeue) │  atomic drain
//	└──────────────┬───────────────┘
//	               │ batches
//	┌──────────────┴───────────────┐
//	│       Flush Scheduler        │  interval + size threshold,
//	└──────────────┬───────────────┘  final flush on shutdown
//	               │
//	┌──────────────┴───────────────┐
//	│            Sink              │  file, postgres or duckdb
//	└──────────────────────────────┘
//
// The transport handle is owned exclusively by the supervisor; the sink
// handle is owned exclusively by the flush scheduler. The buffer set is
// the only shared structure, touched by exactly those two roles.
//
// # Guarantees
//
// Records within one buffer key flush in arrival order; nothing is
// guaranteed across keys. A batch that fails to persist is requeued at
// the front of its buffer and retried, so delivery is at least once;
// the database sinks deduplicate replays on a deterministic record id.
// Shutdown stops ingestion first, then runs exactly one final flush
// covering all buffers, then releases everything.
//
// # Packages
//
// Pipeline:
//   - supervisor: connection state machine and reconnect policy
//   - classify: channel name to buffer key rules
//   - bufferset: per-key record queues
//   - flush: drain scheduling and sink delivery
//   - sink, sink/file, sink/postgres, sink/duckdb: durable destinations
//   - transport, transport/ws, transport/natsfeed: feed sessions
//
// Infrastructure:
//   - engine: pipeline assembly and lifecycle
//   - config: YAML configuration with FEEDTAP_* env overrides
//   - metric: Prometheus registration and scrape endpoint
//   - errors: classified error handling
//   - pkg/backoff: capped exponential delays with jitter
//
// # Binary
//
// Build and run feedtap:
//
//	go build ./cmd/feedtap
//	export FEEDTAP_TOKEN=your-api-token
//	./feedtap --config feedtap.yaml
package feedtap
