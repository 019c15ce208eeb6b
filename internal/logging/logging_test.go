package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"greenhouse-telemetry/internal/logging"
	"greenhouse-telemetry/internal/mqtttest"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, logging.Options{Service: "telemetry-api", Level: "warn"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "device_id", "gh-01")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "telemetry-api", rec["service"])
	require.Equal(t, "gh-01", rec["device_id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, logging.Options{Format: "text", Level: "debug"})
	require.NoError(t, err)

	logger.Debug("aggregation run finished")
	require.Contains(t, buf.String(), "aggregation run finished")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := logging.New(&bytes.Buffer{}, logging.Options{Level: "loud"})
	require.Error(t, err)

	_, err = logging.New(&bytes.Buffer{}, logging.Options{Format: "xml"})
	require.Error(t, err)
}

func TestTeeWithoutClient(t *testing.T) {
	var buf bytes.Buffer
	require.Same(t, &buf, logging.Tee(&buf, nil, "telemetry-api"))
}

func TestMQTTWriterPublishesLogLines(t *testing.T) {
	broker := mqtttest.StartBroker(t)
	collector := mqtttest.Connect(t, broker, "collector")
	lines := mqtttest.Subscribe(t, collector, "logs/#")

	var buf bytes.Buffer
	out := logging.Tee(&buf, mqtttest.Connect(t, broker, "telemetry-api"), "telemetry-api")
	logger, err := logging.New(out, logging.Options{Service: "telemetry-api"})
	require.NoError(t, err)

	logger.Info("store ready")

	select {
	case raw := <-lines:
		require.Contains(t, string(raw), "store ready")
	case <-time.After(5 * time.Second):
		t.Fatal("log line not published")
	}
	require.Contains(t, buf.String(), "store ready")
	require.Equal(t, "logs/telemetry-api", logging.Topic("telemetry-api"))
}
