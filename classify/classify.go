// Package classify maps inbound channel identifiers to buffer keys.
//
// Classification is a pure, total function over channel names: rules are
// evaluated in configuration order and the first match wins, so overlapping
// patterns (a channel containing both "gex" and a ticker) resolve
// deterministically. Channels no rule matches land on types.UnknownKey and
// raise a diagnostic, never a silent drop; an unknown channel usually means
// the subscription list and the classifier rules have drifted apart.
package classify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/metric"
	"github.com/unusual-whales/feedtap/types"
)

// Match selects how a rule's pattern is compared against a channel name.
type Match string

const (
	// MatchPrefix matches channels beginning with the pattern
	// (e.g. "gex" matches "gex:SPY").
	MatchPrefix Match = "prefix"
	// MatchSubstring matches channels containing the pattern anywhere.
	MatchSubstring Match = "substring"
)

// Rule binds a channel pattern to a buffer key.
type Rule struct {
	Pattern string
	Match   Match
	Key     types.Key
}

// Validate checks a rule for configuration errors.
func (r Rule) Validate() error {
	if r.Pattern == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate", "pattern is required")
	}
	if r.Key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate", "key is required")
	}
	if r.Match != MatchPrefix && r.Match != MatchSubstring {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
			fmt.Sprintf("match must be %q or %q", MatchPrefix, MatchSubstring))
	}
	return nil
}

// DefaultRules mirrors the stock multi-channel subscription: option trades,
// flow alerts, and gamma exposure channels, each to its own buffer.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "option_trades", Match: MatchPrefix, Key: "option_trades"},
		{Pattern: "flow-alerts", Match: MatchPrefix, Key: "flow_alerts"},
		{Pattern: "gex", Match: MatchPrefix, Key: "greeks"},
	}
}

// Classifier resolves channel names to buffer keys using an ordered rule
// list. Safe for concurrent use; rules are immutable after construction.
type Classifier struct {
	rules  []Rule
	logger *slog.Logger

	unknownTotal prometheus.Counter

	// one warning per unknown channel name, not per message
	seenUnknown   map[string]struct{}
	seenUnknownMu sync.Mutex
}

// New creates a Classifier from an ordered rule list. A nil registry
// disables metrics; a nil logger falls back to slog.Default().
func New(rules []Rule, logger *slog.Logger, registry *metric.Registry) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Classifier", "New", "at least one rule required")
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "Classifier", "New", fmt.Sprintf("rule %d", i))
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Classifier{
		rules:       rules,
		logger:      logger,
		seenUnknown: make(map[string]struct{}),
	}

	if registry != nil {
		c.unknownTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "classifier",
			Name:      "unknown_channels_total",
			Help:      "Messages routed to the unknown bucket because no rule matched",
		})
		if err := registry.RegisterCounter("classifier", "unknown_channels", c.unknownTotal); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Classify returns the buffer key for a channel. Total: unmatched channels
// map to types.UnknownKey and emit a diagnostic.
func (c *Classifier) Classify(channel string) types.Key {
	for _, r := range c.rules {
		switch r.Match {
		case MatchPrefix:
			if strings.HasPrefix(channel, r.Pattern) {
				return r.Key
			}
		case MatchSubstring:
			if strings.Contains(channel, r.Pattern) {
				return r.Key
			}
		}
	}

	c.recordUnknown(channel)
	return types.UnknownKey
}

// Keys returns the distinct keys the rule set can produce, in rule order,
// with types.UnknownKey appended.
func (c *Classifier) Keys() []types.Key {
	seen := make(map[types.Key]struct{}, len(c.rules)+1)
	keys := make([]types.Key, 0, len(c.rules)+1)
	for _, r := range c.rules {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}
		keys = append(keys, r.Key)
	}
	keys = append(keys, types.UnknownKey)
	return keys
}

func (c *Classifier) recordUnknown(channel string) {
	if c.unknownTotal != nil {
		c.unknownTotal.Inc()
	}

	c.seenUnknownMu.Lock()
	_, seen := c.seenUnknown[channel]
	if !seen {
		c.seenUnknown[channel] = struct{}{}
	}
	c.seenUnknownMu.Unlock()

	if seen {
		c.logger.Debug("message on unknown channel", "channel", channel)
		return
	}
	c.logger.Warn("no classification rule matched channel, routing to unknown bucket",
		"component", "classifier",
		"channel", channel)
}
