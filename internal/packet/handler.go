// Package packet 实现每种控制报文的处理逻辑，连接以传输句柄标识
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/journal"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/session"
)

// ErrSend 写入传输层失败，连接应被视为断开
var ErrSend = errors.New("send failed")

// Transport 按连接句柄写入或关闭连接
type Transport interface {
	SendMessage(connID string, data []byte) error
	CloseConnection(connID string) error
}

// Recorder 接收被接受的发布消息
type Recorder interface {
	Record(record journal.MessageRecord) bool
}

// Outcome 告诉连接任务处理完报文后是否继续读取
type Outcome int

const (
	Continue Outcome = iota
	Close
)

type Handler struct {
	table     *session.Table
	transport Transport
	journal   Recorder
	now       func() time.Time
}

type Option func(*Handler)

func WithJournal(recorder Recorder) Option {
	return func(h *Handler) { h.journal = recorder }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(table *session.Table, transport Transport, opts ...Option) *Handler {
	h := &Handler{
		table:     table,
		transport: transport,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send 编码并发送报文
func (h *Handler) Send(handle string, packet mqtt.Packet) error {
	data, err := packet.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", packet.Type(), err)
	}
	if err := h.transport.SendMessage(handle, data); err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrSend, packet.Type(), handle, err)
	}
	return nil
}

// sendFrame 供会话出站队列使用
func (h *Handler) sendFrame(handle string, frame []byte) error {
	return h.transport.SendMessage(handle, frame)
}

// Dispatch 处理 CONNECT 之后到达的报文
func (h *Handler) Dispatch(handle string, packet mqtt.Packet) (Outcome, error) {
	switch p := packet.(type) {
	case *mqtt.Connect:
		return Close, fmt.Errorf("%w: duplicate CONNECT packet", mqtt.ErrProtocolViolation)
	case *mqtt.Publish:
		return Continue, h.HandlePublish(handle, p)
	case *mqtt.Puback:
		return Continue, h.HandlePuback(handle, p)
	case *mqtt.Subscribe:
		return Continue, h.HandleSubscribe(handle, p)
	case *mqtt.Unsubscribe:
		return Continue, h.HandleUnsubscribe(handle, p)
	case *mqtt.PingReq:
		return Continue, h.HandlePingReq(handle)
	case *mqtt.Disconnect:
		return Close, h.HandleDisconnect(handle)
	default:
		logger.WarnF("[%s] %s package has not been supported", handle, packet.Type())
		return Continue, fmt.Errorf("%w: %s is not accepted from clients", mqtt.ErrProtocolViolation, packet.Type())
	}
}
