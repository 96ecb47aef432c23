package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncwave/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.PongTimeout)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, int64(65536), cfg.MaxFrameBytes)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SW_ADDR", ":9999")
	t.Setenv("SW_PING_INTERVAL", "5s")
	t.Setenv("SW_SEND_BUFFER", "32")
	t.Setenv("SW_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 32, cfg.SendBuffer)
	assert.Equal(t, "debug", cfg.LogLevel)
}
