package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/duel-engine/internal"
)

// TestLoadConfigDefaults 測試預設配置
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 2, cfg.Game.MaxPlayers)
	assert.Equal(t, 8, cfg.Game.RoomCodeLength)
	assert.Equal(t, 5*time.Minute, cfg.Game.EmptyRoomTTL)
	assert.False(t, cfg.Game.NotifyAuthzViolation)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Postgres.URL)
	assert.Empty(t, cfg.NATS.URL)
}

// TestLoadConfigFile 測試 YAML 配置檔
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9000
redis:
  addr: localhost:6379
game:
  room_code_length: 6
  notify_authz_violation: true
log:
  level: debug
  format: text
`), 0o600))

	cfg, err := internal.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 6, cfg.Game.RoomCodeLength)
	assert.True(t, cfg.Game.NotifyAuthzViolation)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 檔案沒寫的欄位保留預設值
	assert.Equal(t, 2, cfg.Game.MaxPlayers)
}

// TestLoadConfigEnvOverride 測試環境變數覆寫
func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/db")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("NATS_URL", "nats://env-nats:4222")
	t.Setenv("PORT", "7777")

	cfg, err := internal.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host/db", cfg.Postgres.URL)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "nats://env-nats:4222", cfg.NATS.URL)
	assert.Equal(t, 7777, cfg.Server.Port)
}

// TestLoadConfigMissingFile 測試不存在的配置檔路徑
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := internal.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

// TestConfigValidate 測試配置驗證
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*internal.Config)
		errMsg string
	}{
		{"bad port", func(c *internal.Config) { c.Server.Port = -1 }, "invalid server port"},
		{"too few players", func(c *internal.Config) { c.Game.MaxPlayers = 1 }, "max_players"},
		{"short room code", func(c *internal.Config) { c.Game.RoomCodeLength = 2 }, "room_code_length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := internal.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
