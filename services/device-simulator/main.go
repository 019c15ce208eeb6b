package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"greenhouse-telemetry/internal/logging"
)

func main() {
	// 1. Configuration and logger
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, logging.Options{Service: "device-simulator", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("Invalid logging configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting device simulator", "api", cfg.APIURL, "devices", cfg.Devices, "interval", cfg.Interval.String())

	// 2. API client and devices
	client := NewAPIClient(cfg.APIURL)
	devices := NewDevices(cfg.Devices, uint64(time.Now().UnixNano()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. First batch right away, then on every tick
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		sent := Tick(ctx, client, devices, logger)
		logger.Info("Batch sent", "accepted", sent, "devices", len(devices))

		select {
		case <-ctx.Done():
			logger.Info("Stopping device simulator")
			return
		case <-ticker.C:
		}
	}
}
