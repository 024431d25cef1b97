// Package metrics 通过 Prometheus 端点暴露 broker 计数器
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
)

// 丢弃原因
const (
	DropQueueFull      = "queue_full"
	DropDuplicate      = "duplicate"
	DropUnsupportedQoS = "unsupported_qos"
	DropMalformed      = "malformed"
	DropTooLarge       = "too_large"
	DropNoSession      = "no_session"
	DropJournalFull    = "journal_full"
)

var (
	// ConnectionsTotal 已接受的 TCP 连接数
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qos1_broker_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// PacketsReceived 按类型统计解码成功的控制报文
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qos1_broker_packets_received_total",
		Help: "The total number of control packets received, by packet type.",
	},
		[]string{"type"},
	)

	PublishesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qos1_broker_publishes_routed_total",
		Help: "The total number of accepted publishes fanned out to subscribers.",
	})

	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qos1_broker_deliveries_total",
		Help: "The total number of publishes placed into subscriber queues.",
	})

	Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qos1_broker_retransmissions_total",
		Help: "The total number of unacknowledged publishes resent.",
	})

	Drops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qos1_broker_drops_total",
		Help: "The total number of packets or deliveries dropped, by reason.",
	},
		[]string{"reason"},
	)

	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qos1_broker_connected_sessions",
		Help: "The number of sessions bound to a live connection.",
	})
)

// Handler 返回默认注册表的 HTTP handler
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve 在 ln 上提供 /metrics，直到 ctx 被取消
func Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoF("Metrics server listening on %s", ln.Addr())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// ListenAndServe 监听 addr 并服务直到 ctx 被取消
func ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln)
}
