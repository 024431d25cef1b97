package packet

import (
	"errors"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
)

// HandleDisconnect 解绑会话并关闭传输
func (h *Handler) HandleDisconnect(handle string) error {
	s, err := h.table.Detach(handle)
	metrics.ConnectedSessions.Set(float64(h.table.Connected()))
	if closeErr := h.transport.CloseConnection(handle); closeErr != nil && !errors.Is(closeErr, connection.ErrConnectionNotFound) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", handle, closeErr)
	}
	if err != nil {
		return err
	}
	logger.InfoF("[%s] Client %s disconnect", handle, s.ClientID())
	return nil
}

// HandleConnectionLost 读取失败或对端关闭时调用，效果等同 DISCONNECT。
// 会话已被新连接接管时不做任何修改
func (h *Handler) HandleConnectionLost(handle string) {
	s, err := h.table.Detach(handle)
	if err != nil {
		logger.DebugF("[%s] No session bound to lost connection: %v", handle, err)
		return
	}
	metrics.ConnectedSessions.Set(float64(h.table.Connected()))
	logger.InfoF("[%s] Client %s connection lost, session kept offline", handle, s.ClientID())
}
