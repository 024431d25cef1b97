package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	assert.NotNil(t, ConnectionsTotal)
	assert.NotNil(t, PacketsReceived)
	assert.NotNil(t, Drops)
	assert.NotNil(t, ConnectedSessions)
}

func TestServe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, listener) }()

	ConnectionsTotal.Inc()
	PacketsReceived.WithLabelValues("PUBLISH").Inc()
	Drops.WithLabelValues(DropQueueFull).Inc()
	ConnectedSessions.Set(2)

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/metrics")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "qos1_broker_connections_total")
	assert.Contains(t, string(body), `qos1_broker_packets_received_total{type="PUBLISH"}`)
	assert.Contains(t, string(body), `qos1_broker_drops_total{reason="queue_full"}`)
	assert.Contains(t, string(body), "qos1_broker_connected_sessions 2")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
