package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// RoutingKey returns the topic-exchange routing key for a device's readings.
// Consumers bind "telemetry.#" for everything or "telemetry.<id>" for one
// device.
func RoutingKey(deviceID string) string {
	return "telemetry." + deviceID
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQPPublisher emits events to a topic exchange as transient messages. The
// broker closes a channel after any channel-level error; the next Publish
// opens a new one, redialing when the connection is gone too.
type AMQPPublisher struct {
	exchange  string
	open      func() (amqpChannel, error)
	closeConn func() error

	mu      sync.Mutex
	channel amqpChannel
	closed  chan *amqp.Error
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(dsn, exchange string) (*AMQPPublisher, error) {
	d := &amqpDialer{dsn: dsn, exchange: exchange}
	p := &AMQPPublisher{exchange: exchange, open: d.open, closeConn: d.close}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reopen(); err != nil {
		_ = d.close()
		return nil, err
	}
	return p, nil
}

type amqpDialer struct {
	dsn      string
	exchange string
	conn     *amqp.Connection
}

func (d *amqpDialer) open() (amqpChannel, error) {
	if d.conn == nil || d.conn.IsClosed() {
		conn, err := amqp.Dial(d.dsn)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		d.conn = conn
	}

	ch, err := d.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		d.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", d.exchange, err)
	}
	return ch, nil
}

func (d *amqpDialer) close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// reopen replaces the channel. p.mu must be held.
func (p *AMQPPublisher) reopen() error {
	ch, err := p.open()
	if err != nil {
		return err
	}
	p.channel = ch
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// usable reports whether the current channel is still open. p.mu must be held.
func (p *AMQPPublisher) usable() bool {
	if p.channel == nil {
		return false
	}
	select {
	case <-p.closed:
		p.channel = nil
		return false
	default:
		return true
	}
}

func (p *AMQPPublisher) Publish(_ context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Type:         e.Type,
		Body:         payload,
	}
	key := RoutingKey(e.Reading.DeviceID)

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if !p.usable() {
			if err := p.reopen(); err != nil {
				return fmt.Errorf("amqp reopen: %w", err)
			}
		}

		err = p.channel.Publish(p.exchange, key, false, false, msg)
		if errors.Is(err, amqp.ErrClosed) && attempt == 0 {
			p.channel = nil
			continue
		}
		if err != nil {
			return fmt.Errorf("amqp publish: %w", err)
		}
		return nil
	}
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.closeConn == nil {
		return nil
	}
	return p.closeConn()
}
