package main

import (
	"errors"
	"time"

	"greenhouse-telemetry/internal/config"
)

// Config holds the simulator settings.
type Config struct {
	// APIURL is the telemetry API base address, e.g. http://telemetry-api:8080.
	APIURL string

	// Devices is how many greenhouse devices are simulated (gh-01, gh-02, ...).
	Devices int

	// Interval between two readings of the same device.
	Interval time.Duration

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the environment and the optional .env file.
func LoadConfig() (Config, error) {
	env, err := config.NewEnv()
	if err != nil {
		return Config{}, err
	}

	var errs []error
	cfg := Config{
		APIURL:    env.Get("API_URL", "http://telemetry-api:8080"),
		Devices:   env.Int("SIM_DEVICES", 3, &errs),
		Interval:  env.Duration("SIM_INTERVAL", 10*time.Second, &errs),
		LogLevel:  env.Get("LOG_LEVEL", "info"),
		LogFormat: env.Get("LOG_FORMAT", "json"),
	}
	if cfg.Devices < 1 {
		errs = append(errs, errors.New("SIM_DEVICES: must be at least 1"))
	}
	if cfg.Interval <= 0 {
		errs = append(errs, errors.New("SIM_INTERVAL: must be positive"))
	}
	return cfg, errors.Join(errs...)
}
