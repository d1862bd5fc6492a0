// Package main implements the entry point for feedtap, a streaming
// ingestion buffer that subscribes to market data feed channels, buffers
// records per key in memory, and flushes them durably on a time and size
// policy, reconnecting with bounded backoff when the feed drops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/unusual-whales/feedtap/config"
	"github.com/unusual-whales/feedtap/engine"
	"github.com/unusual-whales/feedtap/errors"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "feedtap"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting feedtap",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"transport", cfg.Feed.Transport,
		"sink", cfg.Sink.Type)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Initialize(); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	return runWithSignalHandling(eng, cliCfg)
}

// runWithSignalHandling starts the engine and blocks until a shutdown
// signal arrives or the supervisor reports a fatal error. A fatal error
// still gets the graceful Stop, so the final flush covers everything
// ingested before giving up.
func runWithSignalHandling(eng *engine.Engine, cliCfg *CLIConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var fatalErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case fatalErr = <-eng.Fatal():
		slog.Error("Unrecoverable feed failure", "error", fatalErr)
	}

	slog.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout.String())
	if err := eng.Stop(cliCfg.ShutdownTimeout); err != nil {
		slog.Error("Shutdown completed with errors", "error", err)
		if fatalErr == nil {
			return err
		}
	}

	if fatalErr != nil {
		return errors.Wrap(fatalErr, "Main", "run", "feed terminated")
	}
	slog.Info("Shutdown complete")
	return nil
}
