package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends selectable with STORAGE_TYPE
const (
	StorageFilesystem = "filesystem"
	StorageMemory     = "memory"
	StoragePostgres   = "postgres"
	StorageS3         = "s3"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Storage
	StorageType      string
	LocalStoragePath string
	S3Bucket         string
	S3Prefix         string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Collaboration
	SaveDelay      time.Duration // Debounce window before a dirty document is written
	MaxMessageSize int64
	SendBuffer     int // Outbound frames queued per connection

	// Observability
	JaegerEndpoint string
	LogLevel       string
	LogFormat      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		StorageType:      getEnv("STORAGE_TYPE", StorageFilesystem),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "."),
		S3Bucket:         getEnv("S3_BUCKET_NAME", ""),
		S3Prefix:         getEnv("S3_PREFIX", ""),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_relay"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		SaveDelay:      getEnvDuration("SAVE_DELAY", time.Second),
		MaxMessageSize: int64(getEnvInt("MAX_MESSAGE_SIZE", 1024*1024*1024)),
		SendBuffer:     getEnvInt("SEND_BUFFER", 256),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.StorageType {
	case StorageFilesystem, StorageMemory, StoragePostgres:
	case StorageS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET_NAME is required when STORAGE_TYPE=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}
	if c.SaveDelay <= 0 {
		return fmt.Errorf("SAVE_DELAY must be positive, got %s", c.SaveDelay)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
