package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"greenhouse-telemetry/internal/telemetry"
)

const subscribeTimeout = 10 * time.Second

// MQTTSubscriber feeds device messages from a broker into a Gateway. A
// message without a deviceId is attributed to the last topic segment, so a
// device publishing to greenhouse/telemetry/ingest/gh-01 may omit it.
type MQTTSubscriber struct {
	client  mqtt.Client
	topic   string
	gateway *Gateway
	logger  *slog.Logger
	timeout time.Duration
}

// NewMQTTSubscriber uses an already connected client.
func NewMQTTSubscriber(client mqtt.Client, topic string, gateway *Gateway, logger *slog.Logger) *MQTTSubscriber {
	return &MQTTSubscriber{
		client:  client,
		topic:   topic,
		gateway: gateway,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Start subscribes to the ingest topic.
func (s *MQTTSubscriber) Start() error {
	token := s.client.Subscribe(s.topic, 0, s.handle)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe %s: timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	s.logger.Info("listening for device readings", "topic", s.topic)
	return nil
}

// Stop unsubscribes; messages already being handled complete.
func (s *MQTTSubscriber) Stop() {
	token := s.client.Unsubscribe(s.topic)
	token.WaitTimeout(subscribeTimeout)
}

func (s *MQTTSubscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.Process(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.Warn("message rejected", "topic", msg.Topic(), "error", err)
	}
}

// Process ingests one message received on topic.
func (s *MQTTSubscriber) Process(ctx context.Context, topic string, payload []byte) (telemetry.RawReading, error) {
	decoded, err := telemetry.DecodePayload(payload)
	if err != nil {
		return telemetry.RawReading{}, err
	}
	if _, ok := decoded[telemetry.FieldDeviceID]; !ok {
		if id := deviceFromTopic(topic); id != "" {
			decoded[telemetry.FieldDeviceID] = id
		}
	}
	return s.gateway.IngestPayload(ctx, decoded)
}

func deviceFromTopic(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	return strings.TrimSpace(topic[i+1:])
}
