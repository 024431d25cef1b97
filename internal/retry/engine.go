// Package retry 周期性重发未确认的 QoS1 消息
package retry

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/session"
)

type Engine struct {
	table    *session.Table
	send     session.SendFunc
	interval time.Duration
	sweep    time.Duration
	now      func() time.Time
}

// NewEngine interval 为重发间隔，sweep 为两次扫描之间的休眠
func NewEngine(table *session.Table, send session.SendFunc, interval, sweep time.Duration) *Engine {
	return &Engine{
		table:    table,
		send:     send,
		interval: interval,
		sweep:    sweep,
		now:      time.Now,
	}
}

// Run 持续扫描直到 ctx 被取消
func (e *Engine) Run(ctx context.Context) error {
	logger.InfoF("Retransmission engine started, interval %v, sweep %v", e.interval, e.sweep)
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Retransmission engine stopped")
			return nil
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}

// Sweep 对所有在线会话执行一次重发，返回重发的报文数
func (e *Engine) Sweep(now time.Time) int {
	total := 0
	for _, s := range e.table.Sessions() {
		resent, err := s.Resend(now, e.interval, false, e.send)
		if err != nil {
			logger.WarnF("Fail to resend messages for %s, details: %v", s.ClientID(), err)
		}
		if resent > 0 {
			logger.DebugF("Resent %d messages to %s", resent, s.ClientID())
		}
		total += resent
	}
	if total > 0 {
		metrics.Retransmissions.Add(float64(total))
	}
	return total
}
