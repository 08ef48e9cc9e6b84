package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	MigrateOnStart     bool
	TopologyPath       string
	Timezone           string
	LogLevel           string
	LogEncoding        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	BridgeURL          string
	BridgeToken        string
	BridgeTimeout      time.Duration
	IngressTokenHash   string
	BatchQueueSize     int
	MarkerAttempts     int
	MarkerBaseDelay    time.Duration
	MessageCacheSize   int
	MessageCacheTTL    time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	topology := os.Getenv("TOPOLOGY_FILE")
	if topology == "" {
		topology = "config/topology.toml"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		MigrateOnStart:     readBool("MIGRATE_ON_START", false),
		TopologyPath:       topology,
		Timezone:           os.Getenv("TIMEZONE"),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogEncoding:        readString("LOG_ENCODING", "console"),
		RedisAddr:          os.Getenv("REDIS_HOST"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            readInt("REDIS_DB", 0),
		BridgeURL:          os.Getenv("BRIDGE_URL"),
		BridgeToken:        os.Getenv("BRIDGE_TOKEN"),
		BridgeTimeout:      readDurationSeconds("BRIDGE_TIMEOUT_SECONDS", 10),
		IngressTokenHash:   os.Getenv("INGRESS_TOKEN_HASH"),
		BatchQueueSize:     readInt("BATCH_QUEUE_SIZE", 64),
		MarkerAttempts:     readInt("MARKER_RETRY_ATTEMPTS", 10),
		MarkerBaseDelay:    readDurationMillis("MARKER_RETRY_BASE_MS", 1000),
		MessageCacheSize:   readInt("MESSAGE_CACHE_SIZE", 500),
		MessageCacheTTL:    readDurationSeconds("MESSAGE_CACHE_TTL_SECONDS", 12*60*60),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

// Location resolves Timezone, falling back to the process zone.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
