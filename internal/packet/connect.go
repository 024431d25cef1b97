package packet

// 控制包类型 CONNECT 相关函数

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/session"
)

// HandleConnect 绑定会话并回复 CONNACK。返回错误时连接应被关闭
func (h *Handler) HandleConnect(handle string, connect *mqtt.Connect) (*session.Session, error) {
	if !connect.SignatureValid() {
		if err := h.Send(handle, &mqtt.Connack{ReturnCode: mqtt.UnacceptableProtocol}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: protocol signature % x does not match", mqtt.ErrProtocolViolation, connect.Signature)
	}

	result, err := h.table.Connect(connect.ClientID, handle, connect.KeepAlive)
	if err != nil {
		if errors.Is(err, session.ErrTableFull) || errors.Is(err, session.ErrInvalidClientID) {
			if sendErr := h.Send(handle, &mqtt.Connack{ReturnCode: mqtt.IdentifierRejected}); sendErr != nil {
				return nil, errors.Join(err, sendErr)
			}
		}
		return nil, err
	}

	if result.PreviousHandle != "" && result.PreviousHandle != handle {
		logger.InfoF("[%s] Session %s taken over, closing previous connection %s", handle, connect.ClientID, result.PreviousHandle)
		if err := h.transport.CloseConnection(result.PreviousHandle); err != nil {
			logger.WarnF("[%s] Fail to close previous connection %s, details: %v", handle, result.PreviousHandle, err)
		}
	}
	metrics.ConnectedSessions.Set(float64(h.table.Connected()))

	if err := h.Send(handle, &mqtt.Connack{SessionPresent: result.SessionPresent, ReturnCode: mqtt.Accepted}); err != nil {
		return result.Session, err
	}
	logger.InfoF("[%s] Client %s connected, session present %v, keep alive %ds", handle, connect.ClientID, result.SessionPresent, connect.KeepAlive)

	if result.SessionPresent {
		h.redeliver(handle, result.Session)
	}
	return result.Session, nil
}

// redeliver 会话恢复后立即重发所有未确认的消息
func (h *Handler) redeliver(handle string, s *session.Session) {
	resent, err := s.Resend(h.now(), 0, true, h.sendFrame)
	if resent > 0 {
		metrics.Retransmissions.Add(float64(resent))
		logger.InfoF("[%s] Redelivered %d in-flight messages", handle, resent)
	}
	if err != nil {
		logger.WarnF("[%s] Fail to redeliver in-flight messages, details: %v", handle, err)
	}
}
