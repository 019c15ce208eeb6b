package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"greenhouse-telemetry/internal/aggregation"
	"greenhouse-telemetry/internal/broadcast"
	"greenhouse-telemetry/internal/config"
	"greenhouse-telemetry/internal/httpapi"
	"greenhouse-telemetry/internal/ingest"
	"greenhouse-telemetry/internal/logging"
	"greenhouse-telemetry/internal/query"
	"greenhouse-telemetry/internal/store"
	"greenhouse-telemetry/internal/sysstats"
)

const serviceName = "telemetry-api"

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. MQTT client. It comes before the logger so that the logger can tee
	// into it.
	var client mqtt.Client
	if cfg.MQTTBroker != "" {
		client, err = connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			slog.Error("Fatal MQTT error", "broker", cfg.MQTTBroker, "error", err)
			os.Exit(1)
		}
		defer client.Disconnect(250)
	}

	// 3. Logger
	var out io.Writer = os.Stdout
	if cfg.LogToMQTT {
		out = logging.Tee(os.Stdout, client, serviceName)
	}
	logger, err := logging.New(out, logging.Options{Service: serviceName, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		slog.Error("Invalid logging configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	logger.Info("Starting telemetry API", "env", cfg.Env, "port", cfg.HTTPPort, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Store (retries while the database container starts)
	st, err := store.Open(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		PostgresURL:   cfg.PostgresURL,
		MongoURL:      cfg.MongoURL,
		MongoDatabase: cfg.MongoDatabase,
		ValkeyAddr:    cfg.ValkeyAddr,
	}, logger)
	if err != nil {
		logger.Error("Cannot open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// 5. Broadcast sinks
	hub := broadcast.NewHub(logger)
	defer hub.Close()
	fanout := broadcast.NewFanout(broadcast.Sink{Name: "websocket", Publisher: hub})
	if client != nil {
		fanout.Add("mqtt", broadcast.NewMQTTPublisher(client, cfg.BroadcastTopic))
	}
	if cfg.AMQPURL != "" {
		amqpPub, err := broadcast.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("Cannot connect to AMQP broker", "error", err)
			os.Exit(1)
		}
		defer amqpPub.Close()
		fanout.Add("amqp", amqpPub)
	}
	logger.Info("Broadcast sinks ready", "count", fanout.Len())

	// 6. Ingestion over HTTP and, when enabled, MQTT
	gateway := ingest.NewGateway(st, fanout, logger)
	if client != nil && cfg.IngestTopic != "" {
		sub := ingest.NewMQTTSubscriber(client, cfg.IngestTopic, gateway, logger)
		if err := sub.Start(); err != nil {
			logger.Error("Subscribe failed", "topic", cfg.IngestTopic, "error", err)
			os.Exit(1)
		}
		defer sub.Stop()
	}

	// 7. Aggregation scheduler
	scheduler := aggregation.NewScheduler(st, aggregation.Options{
		Period:     cfg.AggregationPeriod.Std(),
		StartDelay: cfg.AggregationStartDelay.Std(),
		Logger:     logger,
	})
	if cfg.AggregationEnabled {
		scheduler.Start()
	}

	// 8. Queries and retention
	queries := query.NewService(st, logger, nil)
	go queries.RunRetention(ctx, cfg.RetentionInterval.Std(), cfg.RetentionDays)

	// 9. HTTP server
	api := httpapi.NewAPIHandler(httpapi.Deps{
		Ingester:     gateway,
		Queries:      queries,
		Aggregations: scheduler,
		Live:         hub,
		Stats:        sysstats.Collector{},
		Store:        st,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 10. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		logger.Error("HTTP server failed", "error", err)
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", "error", err)
	}

	select {
	case <-scheduler.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Aggregation run still in progress at exit")
	}
	logger.Info("Stopped")
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, errors.New("connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}
