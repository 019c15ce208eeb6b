// Package mqtttest runs an in-process MQTT broker for tests.
package mqtttest

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// StartBroker serves a broker on a free local port and returns its URL.
// The broker stops when the test ends.
func StartBroker(t *testing.T) string {
	t.Helper()

	addr := freeAddr(t)
	server := mochi.New(&mochi.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "t1",
		Address: addr,
	})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })

	return "tcp://" + addr
}

// Connect returns a paho client connected to broker.
func Connect(t *testing.T, broker, clientID string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "mqtt connect timed out")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

// Subscribe collects every payload on topic into the returned channel.
func Subscribe(t *testing.T, client mqtt.Client, topic string) <-chan []byte {
	t.Helper()

	out := make(chan []byte, 16)
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		out <- msg.Payload()
	})
	require.True(t, token.WaitTimeout(5*time.Second), "mqtt subscribe timed out")
	require.NoError(t, token.Error())
	return out
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return fmt.Sprintf("127.0.0.1:%d", l.Addr().(*net.TCPAddr).Port)
}
