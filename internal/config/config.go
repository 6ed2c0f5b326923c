package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL      string
	DBRetryBaseDelay time.Duration
	DBRetryMaxDelay  time.Duration
	DBHealthInterval time.Duration

	// Auth
	JWTSecret        string
	HandshakeTimeout time.Duration

	// Realtime
	SendBufferSize   int
	MaxConnections   int
	MaxMessageLength int
	WSPingInterval   time.Duration
	WSPongWait       time.Duration

	// Rate Limit（いずれも req/min/identity）
	RateLimitGeneral  int
	RateLimitMessages int

	// Activity
	ActivityQueueSize int
	ActivityWorkers   int

	// Backplane
	BackplaneEnabled bool
	BackplaneChannel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBRetryBaseDelay = getEnvDuration("DB_RETRY_BASE_DELAY", 1*time.Second)
	cfg.DBRetryMaxDelay = getEnvDuration("DB_RETRY_MAX_DELAY", 30*time.Second)
	cfg.DBHealthInterval = getEnvDuration("DB_HEALTH_INTERVAL", 5*time.Second)
	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second)
	cfg.SendBufferSize = getEnvInt("SEND_BUFFER_SIZE", 256)
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 10000)
	cfg.MaxMessageLength = getEnvInt("MAX_MESSAGE_LENGTH", 4000)
	cfg.WSPingInterval = getEnvDuration("WS_PING_INTERVAL", 25*time.Second)
	cfg.WSPongWait = getEnvDuration("WS_PONG_WAIT", 60*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 200)
	cfg.RateLimitMessages = getEnvInt("RATE_LIMIT_MESSAGES", 60)
	cfg.ActivityQueueSize = getEnvInt("ACTIVITY_QUEUE_SIZE", 1024)
	cfg.ActivityWorkers = getEnvInt("ACTIVITY_WORKERS", 2)
	cfg.BackplaneEnabled = getEnvBool("BACKPLANE_ENABLED", false)
	cfg.BackplaneChannel = getEnvString("BACKPLANE_CHANNEL", "chatrelay_fanout")
	cfg.ServerPort = getEnvString("SERVER_PORT", "4000")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// ping間隔はpong待ち時間より短くなければ接続が切断される
	if cfg.WSPingInterval >= cfg.WSPongWait {
		return nil, fmt.Errorf("WS_PING_INTERVAL (%v) must be shorter than WS_PONG_WAIT (%v)", cfg.WSPingInterval, cfg.WSPongWait)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
