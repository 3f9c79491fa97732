package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Queue    QueueConfig
	Database DatabaseConfig
	Worker   WorkerConfig
	Export   ExportConfig
}

// QueueConfig holds job-queue configuration
type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	JobTTL        time.Duration
}

// DatabaseConfig holds session-store configuration
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
	RetentionDays   int
}

// WorkerConfig holds worker-pool configuration
type WorkerConfig struct {
	Count          int
	DequeueTimeout time.Duration
}

// ExportConfig holds export-manager configuration
type ExportConfig struct {
	Dir             string
	BatchSize       int
	BatchThreshold  int
	DownloadExpiry  time.Duration
	DownloadMax     int
	CleanupInterval time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			Name:          getEnv("QUEUE_NAME", "extraction_queue"),
			JobTTL:        getEnvAsDuration("JOB_TTL", 24*time.Hour),
		},
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			RetentionDays:   getEnvAsInt("SESSION_RETENTION_DAYS", 30),
		},
		Worker: WorkerConfig{
			Count:          getEnvAsInt("WORKER_COUNT", 4),
			DequeueTimeout: getEnvAsDuration("DEQUEUE_TIMEOUT", 5*time.Second),
		},
		Export: ExportConfig{
			Dir:             getEnv("EXPORT_DIR", "./exports"),
			BatchSize:       getEnvAsInt("EXPORT_BATCH_SIZE", 1000),
			BatchThreshold:  getEnvAsInt("EXPORT_BATCH_THRESHOLD", 5000),
			DownloadExpiry:  getEnvAsDuration("DOWNLOAD_EXPIRY", 24*time.Hour),
			DownloadMax:     getEnvAsInt("DOWNLOAD_MAX", 10),
			CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", 6*time.Hour),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Queue.RedisAddr == "" {
		return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Worker.Count < 1 {
		return NewAppError("CONFIG_ERROR", "WORKER_COUNT must be at least 1", ErrInvalidInput)
	}
	if c.Export.BatchSize < 1 || c.Export.BatchThreshold < 1 {
		return NewAppError("CONFIG_ERROR", "export batch sizes must be positive", ErrInvalidInput)
	}
	return nil
}
