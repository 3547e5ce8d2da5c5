// Package main implements the entry point for the BCH cabinet monitoring
// server: UDP telemetry ingestion, stream reassembly, spectral analysis and
// alarm evaluation for electrical-cabinet devices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/HansOlavAarvik/BCH-server/config"
	"github.com/HansOlavAarvik/BCH-server/engine"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "bch-server"
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
		slog.Error("server failed", "error", err)
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

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting",
		"listen_port", cfg.Listen.Port,
		"metrics_port", cfg.Metrics.Port,
		"nats_egress", cfg.NATS.URL != "",
		"config_path", cliCfg.ConfigPath)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received", "timeout", cliCfg.ShutdownTimeout)

	if err := eng.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	return nil
}
