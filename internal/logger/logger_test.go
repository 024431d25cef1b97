package logger

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterHandler(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := NewWriterHandler(buf, slog.LevelInfo)
	log := slog.New(handler).With("handle", "abc").WithGroup("publish")

	log.Debug("hidden")
	log.Info("delivered", "packet_id", 7)
	log.Log(context.Background(), LevelFatal, "boom")
	require.NoError(t, handler.Close())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "delivered")
	assert.Contains(t, out, "handle=abc")
	assert.Contains(t, out, "publish.packet_id=7")
	assert.Contains(t, out, "FATAL")
}

func TestWriteAfterClose(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := NewWriterHandler(buf, slog.LevelInfo)
	require.NoError(t, handler.Close())
	require.NoError(t, handler.Close())

	slog.New(handler).Info("late line")
	assert.Contains(t, buf.String(), "late line")
}

func TestFileHandler(t *testing.T) {
	dir := t.TempDir()
	callback := Init(true, dir)
	Debug("file line")
	InfoF("formatted %d", 42)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, callback.Invoke(ctx))
	slog.SetDefault(slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))

	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
