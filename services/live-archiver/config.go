package main

import (
	"greenhouse-telemetry/internal/config"
)

// Config holds the live archiver settings.
type Config struct {
	MQTTBroker   string
	MQTTClientID string

	// Topic carries the broadcast events published by the telemetry API.
	Topic string

	// ArchiveDir receives one <deviceId>.jsonl file per device. In Docker
	// this is a mounted volume.
	ArchiveDir string

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the environment and the optional .env file.
func LoadConfig() (Config, error) {
	env, err := config.NewEnv()
	if err != nil {
		return Config{}, err
	}
	return Config{
		MQTTBroker:   env.Get("MQTT_BROKER", "tcp://mosquitto:1883"),
		MQTTClientID: env.Get("MQTT_CLIENT_ID", "live-archiver"),
		Topic:        env.Get("BROADCAST_TOPIC", "greenhouse/telemetry/live"),
		ArchiveDir:   env.Get("ARCHIVE_DIR", "/var/lib/greenhouse/archive"),
		LogLevel:     env.Get("LOG_LEVEL", "info"),
		LogFormat:    env.Get("LOG_FORMAT", "json"),
	}, nil
}
