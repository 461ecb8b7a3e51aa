// Package config provides configuration for the control-plane daemon.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the daemon configuration.
type Config struct {
	// Server settings
	Host string
	Port int

	// Storage
	SessionDir string // one JSON file per session record
	AuditDB    string // sqlite DSN for the audit log

	// Session lifecycle thresholds
	IdleTimeout    time.Duration // active -> idle
	SuspendTimeout time.Duration // idle -> suspended
	CloseTimeout   time.Duration // suspended -> closed
	SweepInterval  time.Duration

	// Capacity limits
	MaxSessionsPerSender int
	MaxTotalSessions     int

	// Client liveness
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	ClientTimeout     time.Duration

	// WebSocket settings
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Auth settings
	AdminToken string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Host:                 getEnv("CP_HOST", "127.0.0.1"),
		Port:                 getEnvInt("CP_PORT", 18789),
		SessionDir:           getEnv("SESSION_DIR", "data/sessions"),
		AuditDB:              getEnv("AUDIT_DB", "file:data/audit.db?cache=shared&mode=rwc"),
		IdleTimeout:          time.Duration(getEnvInt("IDLE_TIMEOUT_MS", 300000)) * time.Millisecond,
		SuspendTimeout:       time.Duration(getEnvInt("SUSPEND_TIMEOUT_MS", 1800000)) * time.Millisecond,
		CloseTimeout:         time.Duration(getEnvInt("CLOSE_TIMEOUT_MS", 3600000)) * time.Millisecond,
		SweepInterval:        time.Duration(getEnvInt("SWEEP_INTERVAL_MS", 30000)) * time.Millisecond,
		MaxSessionsPerSender: getEnvInt("MAX_SESSIONS_PER_SENDER", 5),
		MaxTotalSessions:     getEnvInt("MAX_TOTAL_SESSIONS", 200),
		HeartbeatInterval:    time.Duration(getEnvInt("HEARTBEAT_INTERVAL_MS", 30000)) * time.Millisecond,
		CleanupInterval:      time.Duration(getEnvInt("CLEANUP_INTERVAL_MS", 60000)) * time.Millisecond,
		ClientTimeout:        time.Duration(getEnvInt("CLIENT_TIMEOUT_MS", 300000)) * time.Millisecond,
		WriteTimeout:         time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:          time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		AdminToken:           getEnv("ADMIN_TOKEN", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
