package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "redis", cfg.WalletBackend)
	assert.Equal(t, time.Second, cfg.SessionTickInterval)
	assert.Equal(t, 5*time.Minute, cfg.WarningThreshold)
	assert.Equal(t, time.Minute, cfg.FinalThreshold)
	assert.Equal(t, 15*time.Minute, cfg.MessageEditWindow)
	assert.Equal(t, 100, cfg.SocketSendBuffer)
	assert.Equal(t, 30, cfg.HTTPRateLimit)
	assert.Equal(t, time.Minute, cfg.HTTPRateWindow)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("WALLET_BACKEND", "memory")
	t.Setenv("SESSION_WARNING_THRESHOLD", "10m")
	t.Setenv("MAX_CONNECTIONS", "42")
	t.Setenv("SOCKET_MESSAGES_PER_SEC", "2.5")
	t.Setenv("ENABLE_METRICS", "false")

	cfg := LoadConfig()

	assert.Equal(t, "memory", cfg.WalletBackend)
	assert.Equal(t, 10*time.Minute, cfg.WarningThreshold)
	assert.Equal(t, 42, cfg.MaxConnections)
	assert.Equal(t, 2.5, cfg.SocketMessagesPerSec)
	assert.False(t, cfg.EnableMetrics)
}

func TestGetEnvAsDuration_InvalidFallsBack(t *testing.T) {
	t.Setenv("SESSION_TICK_INTERVAL", "soon")

	assert.Equal(t, time.Second, getEnvAsDuration("SESSION_TICK_INTERVAL", "1s"))
}

func TestGetEnvAsInt_Invalid(t *testing.T) {
	t.Setenv("MAX_HEAP_MB", "lots")

	assert.Equal(t, 512, getEnvAsInt("MAX_HEAP_MB", 512))
}
