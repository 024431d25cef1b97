package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/journal"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/session"
)

// HandlePublish 去重、分发并回复 PUBACK。仅支持 QoS1，其他等级记录后忽略
func (h *Handler) HandlePublish(handle string, publish *mqtt.Publish) error {
	s, err := h.table.FindByHandle(handle)
	if err != nil {
		metrics.Drops.WithLabelValues(metrics.DropNoSession).Inc()
		return err
	}

	if publish.QoS != 1 {
		metrics.Drops.WithLabelValues(metrics.DropUnsupportedQoS).Inc()
		logger.WarnF("[%s] Ignoring PUBLISH on %s with unsupported QoS %d", handle, publish.Topic, publish.QoS)
		return nil
	}
	if publish.Retain {
		logger.DebugF("[%s] RETAIN flag on %s is not supported, forwarding as a normal message", handle, publish.Topic)
	}

	if s.MarkReceived(publish.PacketID) {
		metrics.Drops.WithLabelValues(metrics.DropDuplicate).Inc()
		logger.DebugF("[%s] Duplicate PUBLISH packet_id=%d, acknowledging without fan-out", handle, publish.PacketID)
	} else {
		fanout := h.FanOut(s, publish)
		metrics.PublishesRouted.Inc()
		if h.journal != nil && !h.journal.Record(journal.MessageRecord{
			ClientID:   s.ClientID(),
			Topic:      publish.Topic,
			PacketID:   publish.PacketID,
			Payload:    publish.Payload,
			Fanout:     fanout,
			ReceivedAt: h.now(),
		}) {
			metrics.Drops.WithLabelValues(metrics.DropJournalFull).Inc()
		}
	}

	return h.Send(handle, &mqtt.Puback{PacketID: publish.PacketID})
}

// FanOut 将消息放入除发布者外每个订阅了该主题的会话的出站队列，返回入队数量
func (h *Handler) FanOut(publisher *session.Session, publish *mqtt.Publish) int {
	outbound := &mqtt.Publish{
		QoS:      1,
		Topic:    publish.Topic,
		PacketID: publish.PacketID,
		Payload:  publish.Payload,
	}

	queued := 0
	for _, target := range h.table.Subscribers(publish.Topic, publisher) {
		delivery, err := target.Enqueue(outbound, h.sendFrame, h.now())
		if err != nil {
			if errors.Is(err, session.ErrQueueFull) {
				metrics.Drops.WithLabelValues(metrics.DropQueueFull).Inc()
			}
			logger.WarnF("Drop message packet_id=%d on %s for %s, details: %v", publish.PacketID, publish.Topic, target.ClientID(), err)
			continue
		}
		queued++
		metrics.Deliveries.Inc()
		switch {
		case errors.Is(delivery.Err, session.ErrOffline):
			logger.DebugF("Client %s offline, message packet_id=%d queued in slot %d", target.ClientID(), publish.PacketID, delivery.Slot)
		case delivery.Err != nil:
			logger.WarnF("[%s] First send of packet_id=%d failed, will retry, details: %v", delivery.Handle, publish.PacketID, delivery.Err)
		}
	}
	return queued
}

// HandlePuback 清除与报文标识符匹配的出站槽位
func (h *Handler) HandlePuback(handle string, puback *mqtt.Puback) error {
	s, err := h.table.FindByHandle(handle)
	if err != nil {
		metrics.Drops.WithLabelValues(metrics.DropNoSession).Inc()
		return err
	}
	if err := s.Acknowledge(puback.PacketID); err != nil {
		return fmt.Errorf("PUBACK: %w", err)
	}
	logger.DebugF("[%s] Message packet_id=%d acknowledged", handle, puback.PacketID)
	return nil
}
