package broadcast

import (
	"context"
	"errors"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"

	"greenhouse-telemetry/internal/telemetry"
)

type fakeChannel struct {
	publishErr error
	published  []string
	closes     []chan *amqp.Error
	closed     bool
}

func (f *fakeChannel) Publish(_, key string, _, _ bool, _ amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, key)
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = append(f.closes, c)
	return c
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// shutdown mimics the broker closing the channel after a channel-level error.
func (f *fakeChannel) shutdown() {
	for _, c := range f.closes {
		c <- &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}
		close(c)
	}
	f.closes = nil
}

type fakeBroker struct {
	channels []*fakeChannel
	openErr  error
}

func (b *fakeBroker) open() (amqpChannel, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	ch := &fakeChannel{}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func newTestAMQP(t *testing.T, b *fakeBroker) *AMQPPublisher {
	t.Helper()
	p := &AMQPPublisher{exchange: "telemetry", open: b.open}
	require.NoError(t, p.reopen())
	return p
}

func event(device string) Event {
	return NewReadingEvent(telemetry.RawReading{ID: "r1", DeviceID: device})
}

func TestAMQPReopensClosedChannel(t *testing.T) {
	b := &fakeBroker{}
	p := newTestAMQP(t, b)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, event("dev-1")))
	b.channels[0].shutdown()

	require.NoError(t, p.Publish(ctx, event("dev-2")))
	require.NoError(t, p.Publish(ctx, event("dev-3")))

	require.Len(t, b.channels, 2)
	require.Equal(t, []string{"telemetry.dev-1"}, b.channels[0].published)
	require.Equal(t, []string{"telemetry.dev-2", "telemetry.dev-3"}, b.channels[1].published)
}

func TestAMQPRetriesOnceAfterErrClosed(t *testing.T) {
	b := &fakeBroker{}
	p := newTestAMQP(t, b)
	b.channels[0].publishErr = amqp.ErrClosed

	require.NoError(t, p.Publish(context.Background(), event("dev-1")))
	require.Len(t, b.channels, 2)
	require.Equal(t, []string{"telemetry.dev-1"}, b.channels[1].published)
}

func TestAMQPReopenFailureIsReturnedAndRetried(t *testing.T) {
	b := &fakeBroker{}
	p := newTestAMQP(t, b)
	ctx := context.Background()

	b.channels[0].shutdown()
	b.openErr = errors.New("connection refused")
	require.ErrorContains(t, p.Publish(ctx, event("dev-1")), "connection refused")

	b.openErr = nil
	require.NoError(t, p.Publish(ctx, event("dev-1")))
	require.Len(t, b.channels, 2)

	require.NoError(t, p.Close())
	require.True(t, b.channels[1].closed)
}
