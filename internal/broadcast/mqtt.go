package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishTimeout bounds how long Publish waits for the broker.
const DefaultPublishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not confirm in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTPublisher forwards events to a broker topic with QoS 0 and no retain
// flag, so late subscribers never see old readings.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTTPublisher uses an already connected client.
func NewMQTTPublisher(client mqtt.Client, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, timeout: DefaultPublishTimeout}
}

// Topic returns the destination topic.
func (p *MQTTPublisher) Topic() string {
	return p.topic
}

func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", p.topic, err)
	}
	return nil
}
