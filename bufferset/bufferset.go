// Package bufferset provides the in-memory buffers that sit between the
// ingestion path and the flush path. One ordered queue exists per buffer
// key; appends come from the single connection read loop and drains from
// the flush scheduler, so every operation that touches a queue happens
// under one short critical section and a drain is an atomic container swap.
package bufferset

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/types"
)

// Option configures a Set using the functional options pattern.
type Option func(*Set) error

// WithSizeThreshold arms the threshold notification channel: whenever any
// key's queue reaches n records, a signal is made available on Threshold().
// Zero disables size-based signaling.
func WithSizeThreshold(n int) Option {
	return func(s *Set) error {
		s.sizeThreshold = n
		return nil
	}
}

// WithMetrics exposes per-key queue depth as a Prometheus gauge.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Set) error {
		if registry == nil {
			return nil
		}
		s.depth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "bufferset",
			Name:      "buffered_records",
			Help:      "Records currently buffered awaiting flush, per key",
		}, []string{"key"})
		return registry.RegisterGaugeVec("bufferset", "buffered_records", s.depth)
	}
}

// Set is a collection of per-key record queues with atomic drain.
//
// Concurrency model: a single producer (the connection read loop) appends;
// a single consumer (the flush scheduler) drains and requeues. The mutex
// only guards the container swap, so appends are never blocked for longer
// than that.
type Set struct {
	mu      sync.Mutex
	buffers map[types.Key][]types.Record

	sizeThreshold int
	notify        chan struct{}

	depth *prometheus.GaugeVec
}

// New creates an empty Set.
func New(opts ...Option) (*Set, error) {
	s := &Set{
		buffers: make(map[types.Key][]types.Record),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append adds a record to the queue for key, preserving arrival order.
func (s *Set) Append(key types.Key, rec types.Record) {
	s.mu.Lock()
	s.buffers[key] = append(s.buffers[key], rec)
	n := len(s.buffers[key])
	s.mu.Unlock()

	if s.depth != nil {
		s.depth.WithLabelValues(key.String()).Set(float64(n))
	}

	if s.sizeThreshold > 0 && n >= s.sizeThreshold {
		s.signal()
	}
}

// Drain atomically removes and returns all records buffered for key, in
// append order. The emptied queue is immediately available for new appends;
// no record can land in the gap because the swap happens under the lock.
func (s *Set) Drain(key types.Key) []types.Record {
	s.mu.Lock()
	batch := s.buffers[key]
	if len(batch) > 0 {
		delete(s.buffers, key)
	}
	s.mu.Unlock()

	if s.depth != nil && len(batch) > 0 {
		s.depth.WithLabelValues(key.String()).Set(0)
	}
	return batch
}

// DrainAll drains every non-empty key in one pass. The returned map holds
// each key's records in append order; ordering across keys is unspecified.
func (s *Set) DrainAll() map[types.Key][]types.Record {
	s.mu.Lock()
	drained := s.buffers
	s.buffers = make(map[types.Key][]types.Record)
	s.mu.Unlock()

	if s.depth != nil {
		for key := range drained {
			s.depth.WithLabelValues(key.String()).Set(0)
		}
	}
	if len(drained) == 0 {
		return nil
	}
	return drained
}

// Requeue merges an undelivered batch back at the front of key's queue so
// the next drain replays it before anything that arrived since. This is the
// at-least-once path for sink failures.
func (s *Set) Requeue(key types.Key, batch []types.Record) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	live := s.buffers[key]
	merged := make([]types.Record, 0, len(batch)+len(live))
	merged = append(merged, batch...)
	merged = append(merged, live...)
	s.buffers[key] = merged
	n := len(merged)
	s.mu.Unlock()

	if s.depth != nil {
		s.depth.WithLabelValues(key.String()).Set(float64(n))
	}

	if s.sizeThreshold > 0 && n >= s.sizeThreshold {
		s.signal()
	}
}

// Len returns the number of records currently buffered for key.
func (s *Set) Len(key types.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[key])
}

// Total returns the number of records buffered across all keys.
func (s *Set) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.buffers {
		total += len(b)
	}
	return total
}

// Keys returns the keys that currently have buffered records.
func (s *Set) Keys() []types.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]types.Key, 0, len(s.buffers))
	for key, b := range s.buffers {
		if len(b) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

// Threshold exposes the size-trigger channel. A receive means some key
// reached the configured threshold since the last receive; the channel is
// coalescing (capacity one) so a slow consumer sees at most one pending
// signal.
func (s *Set) Threshold() <-chan struct{} {
	return s.notify
}

func (s *Set) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
