// Package connection 实现了MQTT服务器的连接管理功能
package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-qos1-broker/internal/logger"
)

var ErrConnectionNotFound = errors.New("connection not found")

// Connection 表示一个客户端连接，写入通过 writeMu 串行化
type Connection struct {
	Conn    net.Conn
	ConnID  string
	writeMu sync.Mutex
}

func NewConnection(conn net.Conn, connID string) *Connection {
	return &Connection{Conn: conn, ConnID: connID}
}

// ConnectionManager 以连接句柄索引所有存活连接
type ConnectionManager struct {
	connections  sync.Map
	writeTimeout time.Duration
}

// NewConnectionManager writeTimeout 为 0 时不设置写超时
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{writeTimeout: writeTimeout}
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn *Connection) {
	cm.connections.Store(conn.ConnID, conn)
	logger.DebugF("[%s] Connection registered, remote %s", conn.ConnID, conn.Conn.RemoteAddr())
}

// RemoveConnection 移除连接
func (cm *ConnectionManager) RemoveConnection(connID string) {
	cm.connections.Delete(connID)
	logger.DebugF("[%s] Connection unregistered", connID)
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(connID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Count() int {
	count := 0
	cm.connections.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// CloseConnection 关闭连接，对应的连接任务会因读取失败而退出
func (cm *ConnectionManager) CloseConnection(connID string) error {
	conn, ok := cm.GetConnection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.Conn.Close()
}

// CloseAll 关闭所有连接
func (cm *ConnectionManager) CloseAll() {
	cm.connections.Range(func(key, value any) bool {
		_ = value.(*Connection).Conn.Close()
		return true
	})
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case errors.Is(err, net.ErrClosed):
		logger.InfoF("[%s] Connection closed by broker", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
