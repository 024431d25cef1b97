package packet

import "github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"

// HandlePingReq 不需要查找会话
func (h *Handler) HandlePingReq(handle string) error {
	return h.Send(handle, &mqtt.PingResp{})
}
