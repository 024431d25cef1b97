// Package connection 实现了MQTT服务器的消息发送功能
package connection

import (
	"fmt"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
)

// SendMessage 发送消息到指定连接
func (cm *ConnectionManager) SendMessage(connID string, data []byte) error {
	conn, ok := cm.GetConnection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.Send(data, cm.writeTimeout)
}

// Send 发送完整帧，同一连接上的并发写入不会交错。
// 写入失败后帧可能只写出一部分，字节流已无法对齐，直接关闭底层连接，
// 读取任务随之退出并完成会话解绑与连接移除
func (c *Connection) Send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := Send(c.Conn, data, c.ConnID); err != nil {
		_ = c.Conn.Close()
		return err
	}
	return nil
}

// Send 发送数据到客户端
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client, data %v", connID, total, data)
	return nil
}
