package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務配置
//
// 外部依賴全部可選：位址留空就退回記憶體實作，
// 一個二進位檔從單機開發到多節點部署都用同一套配置面。
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	NATS        NATSConfig        `yaml:"nats"`
	Game        GameConfig        `yaml:"game"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr 監聽位址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig Redis 配置（留空則配對佇列走記憶體）
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig PostgreSQL 配置（留空則對戰記錄走記憶體）
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig NATS 配置（留空則不跨節點廣播）
type NATSConfig struct {
	URL string `yaml:"url"`
}

// GameConfig 房間與訊框行為
type GameConfig struct {
	MaxPlayers     int           `yaml:"max_players"`
	RoomCodeLength int           `yaml:"room_code_length"`
	EmptyRoomTTL   time.Duration `yaml:"empty_room_ttl"`
	RoomMaxAge     time.Duration `yaml:"room_max_age"`

	// NotifyAuthzViolation 權限不足的訊框是否回覆錯誤；
	// 預設靜默丟棄，不給偽造者任何可觀測的回饋
	NotifyAuthzViolation bool `yaml:"notify_authz_violation"`
}

// MatchmakingConfig 配對佇列行為
type MatchmakingConfig struct {
	// WaitingTTL 等待者的存活時間，超過視為棄隊（Redis 佇列用）
	WaitingTTL time.Duration `yaml:"waiting_ttl"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Game: GameConfig{
			MaxPlayers:     2,
			RoomCodeLength: 8,
			EmptyRoomTTL:   5 * time.Minute,
			RoomMaxAge:     24 * time.Hour,
		},
		Matchmaking: MatchmakingConfig{
			WaitingTTL: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig 載入配置
//
// 順序：預設值 → YAML 檔（路徑為空或檔案不存在則跳過）→
// 環境變數。環境變數優先，容器部署不需要掛載配置檔。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// 沒有配置檔就用預設值
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 套用環境變數覆寫
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

// Validate 檢查配置合法性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Game.MaxPlayers < 2 {
		return fmt.Errorf("max_players must be at least 2, got %d", c.Game.MaxPlayers)
	}
	if c.Game.RoomCodeLength < 4 {
		return fmt.Errorf("room_code_length must be at least 4, got %d", c.Game.RoomCodeLength)
	}
	return nil
}
