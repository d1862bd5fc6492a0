// Package config loads the feedtap configuration from a YAML file with
// environment variable overrides. Precedence, lowest to highest:
// defaults, file, environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unusual-whales/feedtap/errors"
)

// EnvPrefix is the prefix shared by all override variables.
const EnvPrefix = "FEEDTAP"

// Transport selection.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Sink selection.
const (
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkDuckDB   = "duckdb"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or bare integers meaning seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}

	var i int
	if err := value.Decode(&i); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(i) * time.Second)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Feed configures the upstream connection.
type Feed struct {
	// Transport selects "websocket" or "nats".
	Transport string `yaml:"transport"`
	// URL is the feed endpoint.
	URL string `yaml:"url"`
	// Token authenticates with the feed.
	Token string `yaml:"token"`
	// Channels is the subscription list.
	Channels []string `yaml:"channels"`
	// SubjectPrefix applies to the nats transport only.
	SubjectPrefix string `yaml:"subjectPrefix"`

	IdleTimeout    Duration `yaml:"idleTimeout"`
	PingTimeout    Duration `yaml:"pingTimeout"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
}

// Reconnect configures the backoff policy.
type Reconnect struct {
	BaseDelay   Duration `yaml:"baseDelay"`
	MaxDelay    Duration `yaml:"maxDelay"`
	MaxAttempts int      `yaml:"maxAttempts"`
}

// Flush configures the flush scheduler.
type Flush struct {
	Interval      Duration `yaml:"interval"`
	SizeThreshold int      `yaml:"sizeThreshold"`
}

// Sink configures the durable destination.
type Sink struct {
	// Type selects "file", "postgres" or "duckdb".
	Type string `yaml:"type"`
	// DSN is the postgres connection string or duckdb database path.
	DSN string `yaml:"dsn"`
	// Directory receives the per-key files for the file sink.
	Directory string `yaml:"directory"`
	// FilePrefix names the per-key files, defaults to "feed".
	FilePrefix string `yaml:"filePrefix"`
	// Table is the destination table for database sinks.
	Table string `yaml:"table"`
}

// ClassifyRule maps a channel pattern to a buffer key. Rules are applied
// in order; the first match wins.
type ClassifyRule struct {
	// Pattern is compared against inbound channel names.
	Pattern string `yaml:"pattern"`
	// Match is "prefix" or "substring".
	Match string `yaml:"match"`
	// Key is the buffer key matching channels are routed to.
	Key string `yaml:"key"`
}

// Logging configures the slog handler.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Config is the complete application configuration.
type Config struct {
	Feed      Feed           `yaml:"feed"`
	Reconnect Reconnect      `yaml:"reconnect"`
	Flush     Flush          `yaml:"flush"`
	Classify  []ClassifyRule `yaml:"classify"`
	Sink      Sink           `yaml:"sink"`
	Logging   Logging        `yaml:"logging"`
	Metrics   Metrics        `yaml:"metrics"`
}

// Default returns the configuration defaults, mirroring the upstream
// feed's recommended client settings.
func Default() *Config {
	return &Config{
		Feed: Feed{
			Transport:      TransportWebSocket,
			URL:            "wss://api.unusualwhales.com/socket",
			Channels:       []string{"option_trades", "flow-alerts", "gex:SPY"},
			IdleTimeout:    Duration(30 * time.Second),
			PingTimeout:    Duration(10 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
		},
		Reconnect: Reconnect{
			BaseDelay:   Duration(5 * time.Second),
			MaxDelay:    Duration(60 * time.Second),
			MaxAttempts: 5,
		},
		Flush: Flush{
			Interval:      Duration(1 * time.Second),
			SizeThreshold: 500,
		},
		Classify: []ClassifyRule{
			{Pattern: "option_trades", Match: "prefix", Key: "option_trades"},
			{Pattern: "flow-alerts", Match: "prefix", Key: "flow_alerts"},
			{Pattern: "gex", Match: "prefix", Key: "greeks"},
		},
		Sink: Sink{
			Type:       SinkFile,
			Directory:  "data",
			FilePrefix: "feed",
			Table:      "feed_records",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Load reads the configuration. An empty path uses defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FEEDTAP_* environment variables on top of the
// loaded configuration.
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv(EnvPrefix + "_FEED_URL"); val != "" {
		cfg.Feed.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_TOKEN"); val != "" {
		cfg.Feed.Token = val
	}
	if val := os.Getenv(EnvPrefix + "_CHANNELS"); val != "" {
		channels := strings.Split(val, ",")
		for i := range channels {
			channels[i] = strings.TrimSpace(channels[i])
		}
		cfg.Feed.Channels = channels
	}
	if val := os.Getenv(EnvPrefix + "_TRANSPORT"); val != "" {
		cfg.Feed.Transport = val
	}

	for _, override := range []struct {
		env    string
		target *Duration
	}{
		{"_IDLE_TIMEOUT", &cfg.Feed.IdleTimeout},
		{"_PING_TIMEOUT", &cfg.Feed.PingTimeout},
		{"_CONNECT_TIMEOUT", &cfg.Feed.ConnectTimeout},
		{"_RECONNECT_BASE_DELAY", &cfg.Reconnect.BaseDelay},
		{"_RECONNECT_MAX_DELAY", &cfg.Reconnect.MaxDelay},
		{"_FLUSH_INTERVAL", &cfg.Flush.Interval},
	} {
		val := os.Getenv(EnvPrefix + override.env)
		if val == "" {
			continue
		}
		dur, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Load",
				fmt.Sprintf("parse %s%s", EnvPrefix, override.env))
		}
		*override.target = Duration(dur)
	}

	for _, override := range []struct {
		env    string
		target *int
	}{
		{"_MAX_RECONNECT_ATTEMPTS", &cfg.Reconnect.MaxAttempts},
		{"_FLUSH_SIZE_THRESHOLD", &cfg.Flush.SizeThreshold},
	} {
		val := os.Getenv(EnvPrefix + override.env)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Load",
				fmt.Sprintf("parse %s%s", EnvPrefix, override.env))
		}
		*override.target = n
	}

	if val := os.Getenv(EnvPrefix + "_SINK"); val != "" {
		cfg.Sink.Type = val
	}
	if val := os.Getenv(EnvPrefix + "_SINK_DSN"); val != "" {
		cfg.Sink.DSN = val
	}
	if val := os.Getenv(EnvPrefix + "_SINK_DIR"); val != "" {
		cfg.Sink.Directory = val
	}
	if val := os.Getenv(EnvPrefix + "_SINK_TABLE"); val != "" {
		cfg.Sink.Table = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
		cfg.Metrics.Enabled = true
	}
	return nil
}

// Validate checks the configuration for contradictions and missing
// required values.
func (c *Config) Validate() error {
	switch c.Feed.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown transport %q", c.Feed.Transport))
	}

	if c.Feed.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "feed URL required")
	}
	if len(c.Feed.Channels) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"at least one channel required")
	}
	for _, ch := range c.Feed.Channels {
		if ch == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"empty channel name")
		}
	}

	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect delays must satisfy 0 < baseDelay <= maxDelay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"maxAttempts must not be negative")
	}

	if c.Flush.Interval.Duration() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"flush interval must be positive")
	}
	if c.Flush.SizeThreshold < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"flush size threshold must not be negative")
	}

	if len(c.Classify) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"at least one classification rule required")
	}
	for i, r := range c.Classify {
		if r.Pattern == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("classify rule %d: pattern required", i))
		}
		if r.Key == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("classify rule %d: key required", i))
		}
		switch r.Match {
		case "prefix", "substring":
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("classify rule %d: match must be \"prefix\" or \"substring\"", i))
		}
	}

	switch c.Sink.Type {
	case SinkFile:
		if c.Sink.Directory == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
				"file sink requires a directory")
		}
	case SinkPostgres:
		if c.Sink.DSN == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
				"postgres sink requires a DSN")
		}
	case SinkDuckDB:
		// Empty DSN selects an in-memory database.
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown sink type %q", c.Sink.Type))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}

	return nil
}
