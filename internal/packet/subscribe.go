package packet

import (
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/session"
)

// grantedQoS 所有订阅均按 QoS1 授予
const grantedQoS byte = 0x01

// HandleSubscribe 请求 QoS 大于 1 的条目被跳过，不出现在 SUBACK 中；
// 订阅槽位耗尽的条目返回 0x80
func (h *Handler) HandleSubscribe(handle string, subscribe *mqtt.Subscribe) error {
	s, err := h.table.FindByHandle(handle)
	if err != nil {
		metrics.Drops.WithLabelValues(metrics.DropNoSession).Inc()
		return err
	}

	codes := make([]byte, 0, len(subscribe.Subscriptions))
	for _, subscription := range subscribe.Subscriptions {
		if subscription.QoS > 1 {
			logger.WarnF("[%s] Skip subscription to %s with unsupported QoS %d", handle, subscription.Topic, subscription.QoS)
			continue
		}
		switch s.Subscribe(subscription.Topic) {
		case session.Subscribed:
			logger.DebugF("[%s] Subscribed to %s", handle, subscription.Topic)
			codes = append(codes, grantedQoS)
		case session.AlreadySubscribed:
			codes = append(codes, grantedQoS)
		case session.SubscriptionsFull:
			logger.WarnF("[%s] Subscription slots exhausted, rejecting %s", handle, subscription.Topic)
			codes = append(codes, mqtt.SubackFailure)
		}
	}

	return h.Send(handle, &mqtt.Suback{PacketID: subscribe.PacketID, ReturnCodes: codes})
}
