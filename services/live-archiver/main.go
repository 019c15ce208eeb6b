package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"greenhouse-telemetry/internal/logging"
)

func main() {
	// 1. Configuration and logger (stdout only; this service is the consumer)
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, logging.Options{Service: "live-archiver", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("Invalid logging configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting live archiver", "dir", cfg.ArchiveDir, "topic", cfg.Topic)

	// 2. Archive directory
	archive, err := NewArchive(cfg.ArchiveDir)
	if err != nil {
		logger.Error("Cannot prepare archive", "error", err)
		os.Exit(1)
	}

	// 3. Every broadcast event becomes one line in its device's file
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		path, err := archive.Append(msg.Payload())
		if err != nil {
			logger.Warn("Event not archived", "topic", msg.Topic(), "error", err)
			return
		}
		logger.Debug("Event archived", "file", path)
	}

	// 4. MQTT connection; the subscription is renewed after every reconnect
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(cfg.Topic, 0, handler); token.Wait() && token.Error() != nil {
			logger.Error("Subscribe failed", "topic", cfg.Topic, "error", token.Error())
			return
		}
		logger.Info("Listening for live readings", "topic", cfg.Topic)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("MQTT connection failed", "error", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	// 5. Wait for SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Stopping live archiver")
}
