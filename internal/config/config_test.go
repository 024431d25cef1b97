package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withPath(t *testing.T, path string) {
	original := Path
	Path = path
	initialized = false
	t.Cleanup(func() {
		Path = original
		initialized = false
		config = DefaultConfig()
	})
}

func TestReadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	withPath(t, path)

	c, err := ReadConfig()
	assert.ErrorIs(t, err, ErrCreated)
	assert.Equal(t, 1883, c.Broker.Port)
	assert.Equal(t, 10, c.Broker.MaxSessions)
	assert.Equal(t, 5*time.Second, c.RetryInterval())
	assert.Equal(t, 262144, c.Broker.MaxPacketSize)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	c, err = ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestReadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"broker":{"port":1999,"retry_interval":"2s"},"debug_mode":true}`), 0644))
	withPath(t, path)

	c, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 1999, c.Broker.Port)
	assert.Equal(t, 2*time.Second, c.RetryInterval())
	assert.Equal(t, 100*time.Millisecond, c.SweepInterval())
	assert.Equal(t, 5, c.Broker.MaxTopics)
	assert.True(t, c.DebugMode)
}

func TestReadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	withPath(t, path)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	_, err := ReadConfig()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"broker":{"max_sessions":0}}`), 0644))
	_, err = ReadConfig()
	assert.ErrorContains(t, err, "max_sessions")

	require.NoError(t, os.WriteFile(path, []byte(`{"broker":{"max_packet_size":-1}}`), 0644))
	_, err = ReadConfig()
	assert.ErrorContains(t, err, "max_packet_size")
}
