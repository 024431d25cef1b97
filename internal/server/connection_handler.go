package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-qos1-broker/internal/packet"
)

// ConnectionHandler 单个连接的读取任务
type ConnectionHandler struct {
	server    *Server
	conn      *connection.Connection
	reader    *bufio.Reader
	keepAlive time.Duration
}

func (c *ConnectionHandler) connID() string {
	return c.conn.ConnID
}

// errDropFrame 帧已完整读出或跳过，内容被丢弃，可以继续读取
var errDropFrame = errors.New("drop frame")

// readPacket 读取并解码一个报文。skipOversize 为 true 时超长报文体被跳过，
// 返回 errDropFrame，否则直接返回 mqtt.ErrPacketTooLarge
func (c *ConnectionHandler) readPacket(skipOversize bool) (mqtt.Packet, error) {
	header, body, err := mqtt.ReadFrameLimit(c.reader, c.server.opts.MaxPacketSize)
	if errors.Is(err, mqtt.ErrPacketTooLarge) {
		metrics.Drops.WithLabelValues(metrics.DropTooLarge).Inc()
		if !skipOversize {
			return nil, err
		}
		if _, discardErr := io.CopyN(io.Discard, c.reader, int64(header.RemainingLength)); discardErr != nil {
			return nil, discardErr
		}
		return nil, fmt.Errorf("%w: %w", errDropFrame, err)
	}
	if err != nil {
		return nil, err
	}
	metrics.PacketsReceived.WithLabelValues(header.Type.String()).Inc()
	logger.DebugF("[%s] Receive %s package, data %v", c.connID(), header.Type, body)
	p, err := mqtt.Decode(header, body)
	if err != nil {
		metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
		return nil, fmt.Errorf("%w: %w", errDropFrame, err)
	}
	return p, nil
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.server.opts.ConnectTimeout))
	p, err := c.readPacket(false)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connID(), err)
		return err
	}

	connect, ok := p.(*mqtt.Connect)
	if !ok {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connID(), mqtt.CONNECT, p.Type())
		return fmt.Errorf("%w: first packet is %s", mqtt.ErrProtocolViolation, p.Type())
	}

	if _, err := c.server.handler.HandleConnect(c.connID(), connect); err != nil {
		logger.ErrorF("[%s] Fail to handle CONNECT packet, details: %v", c.connID(), err)
		return err
	}

	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	if c.keepAlive == 0 || !c.server.opts.EnforceKeepAlive {
		logger.DebugF("[%s] Keep alive not enforced, heartbeat disable", c.connID())
		c.keepAlive = 0
	}
	_ = c.conn.Conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *ConnectionHandler) handlePacket() {
	for {
		if c.keepAlive != 0 {
			_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		}

		p, err := c.readPacket(true)
		switch {
		case errors.Is(err, errDropFrame):
			logger.WarnF("[%s] Drop packet, details: %v", c.connID(), err)
			continue
		case errors.Is(err, mqtt.ErrMalformedPacket):
			// 剩余长度非法时无法确定帧边界，丢弃已缓冲的数据后继续读取
			discarded, _ := c.reader.Discard(c.reader.Buffered())
			metrics.Drops.WithLabelValues(metrics.DropMalformed).Inc()
			logger.WarnF("[%s] Malformed frame, discard %d buffered bytes, details: %v", c.connID(), discarded, err)
			continue
		case err != nil:
			connection.HandleReadError(c.connID(), err)
			return
		}

		outcome, err := c.server.handler.Dispatch(c.connID(), p)
		if err != nil {
			if errors.Is(err, packet.ErrSend) {
				logger.ErrorF("[%s] Fail to respond to %s packet, details: %v", c.connID(), p.Type(), err)
				return
			}
			logger.WarnF("[%s] Fail to handle %s packet, details: %v", c.connID(), p.Type(), err)
		}
		if outcome == packet.Close {
			return
		}
	}
}

func (c *ConnectionHandler) handleConnection() {
	c.server.connections.AddConnection(c.conn)
	defer func() {
		c.server.handler.HandleConnectionLost(c.connID())
		c.server.connections.RemoveConnection(c.connID())
		logger.DebugF("[%s] Connection closed", c.connID())
		if err := c.conn.Conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID(), err)
		}
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}

	c.handlePacket()
}
