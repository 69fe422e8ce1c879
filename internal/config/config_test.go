package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "APP_ENV", "STORE_TIMEOUT", "AUTH_REQUIRED", "ROOM_JOIN_STRICT", "WS_SEND_BUFFER"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout)
	assert.True(t, cfg.AuthRequired)
	assert.True(t, cfg.RoomJoinStrict)
	assert.Equal(t, 256, cfg.WSSendBuffer)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("WORKER_IDLE_TIMEOUT", "12")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("ROOM_JOIN_STRICT", "0")
	t.Setenv("WS_RATE_PER_SEC", "2.5")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 12*time.Second, cfg.WorkerIdleTimeout)
	assert.False(t, cfg.AuthRequired)
	assert.False(t, cfg.RoomJoinStrict)
	assert.InDelta(t, 2.5, cfg.WSRatePerSec, 0.0001)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WS_SEND_BUFFER", "lots")
	t.Setenv("AUTH_REQUIRED", "maybe")
	t.Setenv("STORE_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 256, cfg.WSSendBuffer)
	assert.True(t, cfg.AuthRequired)
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout)
}
