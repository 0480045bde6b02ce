// Package config provides environment configuration for the sync agent.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Remote endpoints
	APIBaseURL      string
	WebSocketURL    string
	AuthRefreshPath string
	RequestTimeout  time.Duration

	// Session bootstrap
	AccessToken  string
	RefreshToken string

	// Realtime presence backend
	NATSURL        string
	NATSCAFile     string
	NATSCertFile   string
	NATSKeyFile    string
	NATSToken      string
	PresenceBucket string

	// Local API
	ListenAddr        string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Sync timing
	PollInterval           time.Duration
	NotificationThrottle   time.Duration
	MarkReadInterval       time.Duration
	TypingWindow           time.Duration
	FetchDebounce          time.Duration
	CacheTTL               time.Duration
	ReferenceCacheTTL      time.Duration
	ReconnectBase          time.Duration
	ReconnectMaxAttempts   int
	ReconnectRefetchWithin time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Remote endpoints
		APIBaseURL:      strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000/api"), "/"),
		WebSocketURL:    getEnv("WS_URL", "ws://localhost:8000/ws"),
		AuthRefreshPath: getEnv("AUTH_REFRESH_PATH", "/auth/refresh"),
		RequestTimeout:  getDurationEnv("REQUEST_TIMEOUT", 15*time.Second),

		// Session
		AccessToken:  getEnv("ACCESS_TOKEN", ""),
		RefreshToken: getEnv("REFRESH_TOKEN", ""),

		// NATS
		NATSURL:        getEnv("NATS_URL", ""),
		NATSCAFile:     getEnv("NATS_CA_FILE", ""),
		NATSCertFile:   getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:    getEnv("NATS_KEY_FILE", ""),
		NATSToken:      getEnv("NATS_TOKEN", ""),
		PresenceBucket: getEnv("PRESENCE_BUCKET", "PRESENCE"),

		// Local API
		ListenAddr:        getEnv("LISTEN_ADDR", "127.0.0.1:7420"),
		AllowedOrigins:    getListEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Sync timing
		PollInterval:           getDurationEnv("POLL_INTERVAL", 10*time.Second),
		NotificationThrottle:   getDurationEnv("NOTIFICATION_THROTTLE", 5*time.Second),
		MarkReadInterval:       getDurationEnv("MARK_READ_INTERVAL", 5*time.Second),
		TypingWindow:           getDurationEnv("TYPING_WINDOW", 2*time.Second),
		FetchDebounce:          getDurationEnv("FETCH_DEBOUNCE", time.Second),
		CacheTTL:               getDurationEnv("CACHE_TTL", 5*time.Minute),
		ReferenceCacheTTL:      getDurationEnv("REFERENCE_CACHE_TTL", 30*time.Minute),
		ReconnectBase:          getDurationEnv("RECONNECT_BASE", time.Second),
		ReconnectMaxAttempts:   getIntEnv("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectRefetchWithin: getDurationEnv("RECONNECT_REFETCH_WITHIN", 2*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
