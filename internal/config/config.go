package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	RedisURL      string
	AuthIssuerURL string
	AuthSecret    string
	LogLevel      string

	// StoreDriver selects where room logs are persisted: none, memory, redis
	// or badger.
	StoreDriver string
	BadgerPath  string

	ReapInterval    time.Duration
	IdleTimeout     time.Duration
	ConnIdleAfter   time.Duration
	TransformWindow int
	LogLimit        int
	EchoToAuthor    bool

	SendBuffer   int
	MessageRate  float64
	MessageBurst int

	AllowedOrigins []string
	EventsEnabled  bool
}

func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		AuthIssuerURL: getEnv("AUTH_ISSUER_URL", ""),
		AuthSecret:    getEnv("AUTH_HS256_SECRET", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "none")),
		BadgerPath:  getEnv("BADGER_PATH", "./data/badger"),

		ReapInterval:    getEnvDuration("REAP_INTERVAL", 5*time.Minute),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		ConnIdleAfter:   getEnvDuration("CONN_IDLE_AFTER", 2*time.Minute),
		TransformWindow: getEnvInt("TRANSFORM_WINDOW", 50),
		LogLimit:        getEnvInt("LOG_LIMIT", 500),
		EchoToAuthor:    getEnvBool("ECHO_TO_AUTHOR", false),

		SendBuffer:   getEnvInt("SEND_BUFFER", 256),
		MessageRate:  getEnvFloat("MESSAGE_RATE", 50),
		MessageBurst: getEnvInt("MESSAGE_BURST", 100),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),
		EventsEnabled:  getEnvBool("EVENTS_ENABLED", false),
	}
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.EventsEnabled || c.StoreDriver == "redis"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
