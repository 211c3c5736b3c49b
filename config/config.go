package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string
	TopUpChannel       string

	// Backends
	WalletBackend string // redis, memory
	StoreBackend  string // pocketbase, memory
	Currency      string

	// Session configuration
	SessionTickInterval time.Duration
	WarningThreshold    time.Duration
	FinalThreshold      time.Duration
	LowBalanceMinutes   int
	MessageEditWindow   time.Duration

	// Queue configuration
	QueuePositionUpdate time.Duration

	// Realtime configuration
	SocketSendBuffer     int
	SocketMessagesPerSec float64
	SocketBurst          int

	// HTTP rate limiting
	HTTPRateLimit  int
	HTTPRateWindow time.Duration

	// Presence configuration
	ConnectionIdleTimeout time.Duration
	MonitorSweepInterval  time.Duration
	MaxHeapMB             int
	MaxConnections        int
	MaxAvgResponseTime    time.Duration
	SpamMessagesPerSecond float64

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("godotenv.Load()", "error", err)
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "consult-server"),
		TopUpChannel:       getEnv("TOPUP_CHANNEL", "wallet-topup-notifications"),

		// Backends
		WalletBackend: getEnv("WALLET_BACKEND", "redis"),
		StoreBackend:  getEnv("STORE_BACKEND", "pocketbase"),
		Currency:      getEnv("CURRENCY", "INR"),

		// Session
		SessionTickInterval: getEnvAsDuration("SESSION_TICK_INTERVAL", "1s"),
		WarningThreshold:    getEnvAsDuration("SESSION_WARNING_THRESHOLD", "5m"),
		FinalThreshold:      getEnvAsDuration("SESSION_FINAL_THRESHOLD", "1m"),
		LowBalanceMinutes:   getEnvAsInt("LOW_BALANCE_MINUTES", 3),
		MessageEditWindow:   getEnvAsDuration("MESSAGE_EDIT_WINDOW", "15m"),

		// Queue
		QueuePositionUpdate: getEnvAsDuration("QUEUE_POSITION_UPDATE", "5s"),

		// Realtime
		SocketSendBuffer:     getEnvAsInt("SOCKET_SEND_BUFFER", 100),
		SocketMessagesPerSec: getEnvAsFloat("SOCKET_MESSAGES_PER_SEC", 5),
		SocketBurst:          getEnvAsInt("SOCKET_BURST", 20),

		// HTTP rate limiting
		HTTPRateLimit:  getEnvAsInt("HTTP_RATE_LIMIT", 30),
		HTTPRateWindow: getEnvAsDuration("HTTP_RATE_WINDOW", "1m"),

		// Presence
		ConnectionIdleTimeout: getEnvAsDuration("CONNECTION_IDLE_TIMEOUT", "5m"),
		MonitorSweepInterval:  getEnvAsDuration("MONITOR_SWEEP_INTERVAL", "30s"),
		MaxHeapMB:             getEnvAsInt("MAX_HEAP_MB", 512),
		MaxConnections:        getEnvAsInt("MAX_CONNECTIONS", 5000),
		MaxAvgResponseTime:    getEnvAsDuration("MAX_AVG_RESPONSE_TIME", "250ms"),
		SpamMessagesPerSecond: getEnvAsFloat("SPAM_MESSAGES_PER_SEC", 200),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, fall back to the default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
