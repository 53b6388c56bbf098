// Package config provides configuration loading and management for all services.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the base configuration shared by services.
type Config struct {
	// Service identification
	ServiceName string
	Environment string
	Version     string

	// Server settings
	HTTPPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Shared event store
	RedisAddresses  []string
	RedisPassword   string
	RedisDB         int
	RedisCluster    bool
	RedisMasterName string

	// Audit persistence
	PostgresHost     string
	PostgresPort     int
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Kafka settings
	KafkaBrokers []string
	KafkaGroupID string

	// Observability
	LogLevel  string
	LogFormat string

	// Timeouts for calls leaving the process
	StoreTimeout        time.Duration
	NotificationTimeout time.Duration

	// Security
	AuditEncryptionKey string // hex encoded, 32 bytes
	GeoIPDatabasePath  string
	PolicyFile         string
}

// Load creates a new Config from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:         GetEnv("SERVICE_NAME", "secmon"),
		Environment:         GetEnv("ENVIRONMENT", "development"),
		Version:             GetEnv("VERSION", "0.0.0"),
		HTTPPort:            GetEnvAsInt("HTTP_PORT", 8080),
		ReadTimeout:         GetEnvAsDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:        GetEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:         GetEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		RedisAddresses:      GetEnvAsSlice("REDIS_ADDRESSES", []string{"localhost:6379"}),
		RedisPassword:       GetEnv("REDIS_PASSWORD", ""),
		RedisDB:             GetEnvAsInt("REDIS_DB", 0),
		RedisCluster:        GetEnvAsBool("REDIS_CLUSTER", false),
		RedisMasterName:     GetEnv("REDIS_MASTER_NAME", ""),
		PostgresHost:        GetEnv("POSTGRES_HOST", ""),
		PostgresPort:        GetEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDatabase:    GetEnv("POSTGRES_DB", "secmon"),
		PostgresUser:        GetEnv("POSTGRES_USER", "secmon"),
		PostgresPassword:    GetEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:     GetEnv("POSTGRES_SSLMODE", "disable"),
		KafkaBrokers:        GetEnvAsSlice("KAFKA_BROKERS", nil),
		KafkaGroupID:        GetEnv("KAFKA_GROUP_ID", "secmon"),
		LogLevel:            GetEnv("LOG_LEVEL", "info"),
		LogFormat:           GetEnv("LOG_FORMAT", "json"),
		StoreTimeout:        GetEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		NotificationTimeout: GetEnvAsDuration("NOTIFICATION_TIMEOUT", 30*time.Second),
		AuditEncryptionKey:  GetEnv("AUDIT_ENCRYPTION_KEY", ""),
		GeoIPDatabasePath:   GetEnv("GEOIP_DB_PATH", ""),
		PolicyFile:          GetEnv("POLICY_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required fields are set based on environment.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required in production")
		}
	}
	if len(c.RedisAddresses) == 0 {
		return fmt.Errorf("REDIS_ADDRESSES must name at least one address")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.AuditEncryptionKey != "" {
		key, err := hex.DecodeString(c.AuditEncryptionKey)
		if err != nil {
			return fmt.Errorf("AUDIT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("AUDIT_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
	}
	return nil
}

// EncryptionKey returns the decoded audit encryption key, or nil when none is configured.
func (c *Config) EncryptionKey() []byte {
	if c.AuditEncryptionKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.AuditEncryptionKey)
	if err != nil {
		return nil
	}
	return key
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions for environment variable parsing

// GetEnv returns the value of key or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsSlice parses a comma separated list, trimming blanks.
func GetEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
