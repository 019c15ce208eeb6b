package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"greenhouse-telemetry/internal/config"
)

func noDotenv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(noDotenv(t))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, 5*time.Minute, cfg.AggregationPeriod.Std())
	require.Equal(t, 30*time.Second, cfg.AggregationStartDelay.Std())
	require.Equal(t, 90, cfg.RetentionDays)
	require.Empty(t, cfg.MQTTBroker)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
http_port: "9000"
store_driver: memory
aggregation_period: PT10M
retention_days: 30
mqtt_broker: tcp://yaml:1883
`), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CONFIG_FILE="+yamlPath+"\nRETENTION_DAYS=45\nMQTT_BROKER=tcp://dotenv:1883\n"), 0o600))

	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("AGGREGATION_START_DELAY", "PT1S")

	cfg, err := config.Load(envPath)
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.HTTPPort)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.Equal(t, 10*time.Minute, cfg.AggregationPeriod.Std())
	require.Equal(t, time.Second, cfg.AggregationStartDelay.Std())
	require.Equal(t, 45, cfg.RetentionDays)
	require.Equal(t, "tcp://env:1883", cfg.MQTTBroker)
}

func TestLoadReportsEveryInvalidKey(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")
	t.Setenv("AGGREGATION_PERIOD", "soon")
	t.Setenv("RETENTION_DAYS", "0")
	t.Setenv("AGGREGATION_ENABLED", "maybe")

	_, err := config.Load(noDotenv(t))
	require.Error(t, err)
	for _, key := range []string{"STORE_DRIVER", "AGGREGATION_PERIOD", "RETENTION_DAYS", "AGGREGATION_ENABLED"} {
		require.ErrorContains(t, err, key)
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"5m":      5 * time.Minute,
		"1h30m":   90 * time.Minute,
		"PT5M":    5 * time.Minute,
		"PT1H30M": 90 * time.Minute,
		" 30s ":   30 * time.Second,
	}
	for in, want := range tests {
		got, err := config.ParseDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := config.ParseDuration("five minutes")
	require.Error(t, err)
}

func TestEnvLookup(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ARCHIVE_DIR=/data\n"), 0o600))

	env, err := config.NewEnv(envPath)
	require.NoError(t, err)
	require.Equal(t, "/data", env.Get("ARCHIVE_DIR", "/var/lib"))
	require.Equal(t, "fallback", env.Get("SURELY_UNSET_KEY", "fallback"))

	t.Setenv("ARCHIVE_DIR", "/override")
	require.Equal(t, "/override", env.Get("ARCHIVE_DIR", "/var/lib"))

	var errs []error
	require.Equal(t, 3, env.Int("SURELY_UNSET_KEY", 3, &errs))
	require.Empty(t, errs)
}
