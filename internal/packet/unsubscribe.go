package packet

import (
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
)

func (h *Handler) HandleUnsubscribe(handle string, unsubscribe *mqtt.Unsubscribe) error {
	s, err := h.table.FindByHandle(handle)
	if err != nil {
		metrics.Drops.WithLabelValues(metrics.DropNoSession).Inc()
		return err
	}
	for _, topic := range unsubscribe.Topics {
		if !s.Unsubscribe(topic) {
			logger.DebugF("[%s] Not subscribed to %s", handle, topic)
		}
	}
	return h.Send(handle, &mqtt.Unsuback{PacketID: unsubscribe.PacketID})
}
