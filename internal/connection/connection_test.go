package connection

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	manager := NewConnectionManager(time.Second)
	server, client := net.Pipe()
	defer client.Close()
	manager.AddConnection(NewConnection(server, "h1"))
	assert.Equal(t, 1, manager.Count())

	frame := []byte{0xD0, 0x00}
	go func() { _ = manager.SendMessage("h1", frame) }()

	buf := make([]byte, 2)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf)

	err = manager.SendMessage("missing", frame)
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	manager.RemoveConnection("h1")
	_, ok := manager.GetConnection("h1")
	assert.False(t, ok)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	manager := NewConnectionManager(time.Second)
	server, client := net.Pipe()
	defer client.Close()
	manager.AddConnection(NewConnection(server, "h1"))

	frames := [][]byte{
		bytes.Repeat([]byte{0xAA}, 512),
		bytes.Repeat([]byte{0xBB}, 512),
		bytes.Repeat([]byte{0xCC}, 512),
	}
	var wg sync.WaitGroup
	for _, frame := range frames {
		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			_ = manager.SendMessage("h1", frame)
		}(frame)
	}

	received := make([]byte, 512*len(frames))
	_, err := io.ReadFull(client, received)
	require.NoError(t, err)
	wg.Wait()

	for i := 0; i < len(frames); i++ {
		chunk := received[i*512 : (i+1)*512]
		assert.Equal(t, bytes.Repeat(chunk[:1], 512), chunk)
	}
}

func TestCloseConnection(t *testing.T) {
	manager := NewConnectionManager(0)
	server, client := net.Pipe()
	manager.AddConnection(NewConnection(server, "h1"))

	require.NoError(t, manager.CloseConnection("h1"))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, manager.CloseConnection("h2"), ErrConnectionNotFound)
}

func TestFailedSendClosesConnection(t *testing.T) {
	manager := NewConnectionManager(50 * time.Millisecond)
	server, client := net.Pipe()
	defer client.Close()
	manager.AddConnection(NewConnection(server, "h1"))

	// 对端不读取，写入超时
	err := manager.SendMessage("h1", []byte{0x30, 0x02, 0x00, 0x00})
	require.Error(t, err)

	done := make(chan error, 1)
	go func() {
		_, readErr := client.Read(make([]byte, 1))
		done <- readErr
	}()
	select {
	case readErr := <-done:
		assert.ErrorIs(t, readErr, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("connection still open after failed send")
	}

	assert.Error(t, manager.SendMessage("h1", []byte{0xD0, 0x00}))
}

func TestIsNetClosedError(t *testing.T) {
	assert.True(t, IsNetClosedError(net.ErrClosed))
	assert.True(t, IsNetClosedError(&net.OpError{Op: "read", Err: timeoutError{}}))
	assert.False(t, IsNetClosedError(io.EOF))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
