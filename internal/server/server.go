package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/packet"
)

type Options struct {
	// ConnectTimeout 第一个报文必须在此时间内到达
	ConnectTimeout time.Duration
	// EnforceKeepAlive 为 true 时读超时为 1.5 倍 keep alive
	EnforceKeepAlive bool
	MaxConnections   int
	// MaxPacketSize 允许的最大剩余长度，超出的报文被跳过
	MaxPacketSize int
}

type Server struct {
	handler     *packet.Handler
	connections *connection.ConnectionManager
	opts        Options
	sem         chan struct{}
	wg          sync.WaitGroup
}

func NewServer(handler *packet.Handler, connections *connection.ConnectionManager, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Minute
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = mqtt.DefaultMaxPacketSize
	}
	return &Server{
		handler:     handler,
		connections: connections,
		opts:        opts,
		sem:         make(chan struct{}, opts.MaxConnections),
	}
}

// ListenAndServe 监听端口并服务直到 ctx 被取消
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("MQTT Server Start error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上接受连接。ctx 取消后关闭监听与所有连接，并等待连接任务退出
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	})
	defer stop()

	defer func() {
		s.connections.CloseAll()
		s.wg.Wait()
		logger.Info("MQTT Server stopped")
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		metrics.ConnectionsTotal.Inc()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			handler := &ConnectionHandler{
				server: s,
				conn:   connection.NewConnection(c, uuid.NewString()),
				reader: bufio.NewReader(c),
			}
			handler.handleConnection()
		}(conn)
	}
}
