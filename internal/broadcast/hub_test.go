package broadcast_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"greenhouse-telemetry/internal/broadcast"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubWithoutSubscribersSucceeds(t *testing.T) {
	hub := broadcast.NewHub(discard())
	require.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(context.Background(), broadcast.NewReadingEvent(sampleReading())))
}

func TestHubStreamsToSubscriber(t *testing.T) {
	hub := broadcast.NewHub(discard())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), broadcast.NewReadingEvent(sampleReading())))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	e, err := broadcast.DecodeEvent(raw)
	require.NoError(t, err)
	require.Equal(t, broadcast.EventReading, e.Type)
	require.Equal(t, "gh-01", e.Reading.DeviceID)
}

func TestHubForgetsDisconnectedSubscriber(t *testing.T) {
	hub := broadcast.NewHub(discard())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
