package logging

import (
	"io"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTWriter is an io.Writer that publishes every write to logs/<service>.
// Publishing is fire-and-forget so logging never waits on the broker.
type MQTTWriter struct {
	client mqtt.Client
	topic  string
}

// NewMQTTWriter creates a writer for serviceName.
func NewMQTTWriter(client mqtt.Client, serviceName string) *MQTTWriter {
	return &MQTTWriter{client: client, topic: Topic(serviceName)}
}

// Topic returns the log topic of a service.
func Topic(serviceName string) string {
	return "logs/" + serviceName
}

func (w *MQTTWriter) Write(p []byte) (int, error) {
	// slog reuses p after Write returns.
	payload := make([]byte, len(p))
	copy(payload, p)

	w.client.Publish(w.topic, 0, false, payload)
	return len(p), nil
}

// Tee writes to out and, when client is non-nil, to the service's MQTT log
// topic as well.
func Tee(out io.Writer, client mqtt.Client, serviceName string) io.Writer {
	if client == nil {
		return out
	}
	return io.MultiWriter(out, NewMQTTWriter(client, serviceName))
}
