package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds archive backend configuration
type StorageConfig struct {
	// Type selects the backend kind: local, s3 or remote
	Type      string `yaml:"type"`
	LocalPath string `yaml:"local_path"`

	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	RemoteURL   string `yaml:"remote_url"`
	RemoteToken string `yaml:"remote_token"`

	// CallTimeout bounds each individual backend call; retries are
	// governed separately by the retry policy.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ArchiveConfig holds session and index defaults
type ArchiveConfig struct {
	// Root is the archive root URI sessions are opened against,
	// e.g. archive://local/case42
	Root            string        `yaml:"root"`
	CacheCapacity   int64         `yaml:"cache_capacity"`
	RevisionPolicy  string        `yaml:"revision_policy"` // latest, pinned
	VerifyIntegrity bool          `yaml:"verify_integrity"`
	IndexKind       string        `yaml:"index_kind"` // postgres, redis
	IndexPrefix     string        `yaml:"index_prefix"`
	IndexTimeout    time.Duration `yaml:"index_timeout"`
}

// AuthConfig holds download token settings
type AuthConfig struct {
	TokenSecret     string        `yaml:"token_secret"`
	TokenExpiration time.Duration `yaml:"token_expiration"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "docfold"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "docfold"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "local"),
			LocalPath:   getEnv("STORAGE_LOCAL_PATH", "./archive"),
			Bucket:      getEnv("STORAGE_BUCKET", "docfold-archive"),
			Prefix:      getEnv("STORAGE_PREFIX", ""),
			Region:      getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:    getEnv("STORAGE_ENDPOINT", ""),
			AccessKey:   getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:   getEnv("STORAGE_SECRET_KEY", ""),
			RemoteURL:   getEnv("STORAGE_REMOTE_URL", ""),
			RemoteToken: getEnv("STORAGE_REMOTE_TOKEN", ""),
			CallTimeout: getEnvDuration("STORAGE_CALL_TIMEOUT", 30*time.Second),
		},
		Archive: ArchiveConfig{
			Root:            getEnv("ARCHIVE_ROOT", "archive://local/default"),
			CacheCapacity:   getEnvInt64("ARCHIVE_CACHE_CAPACITY", 64<<20),
			RevisionPolicy:  getEnv("ARCHIVE_REVISION_POLICY", "latest"),
			VerifyIntegrity: getEnvBool("ARCHIVE_VERIFY_INTEGRITY", true),
			IndexKind:       getEnv("ARCHIVE_INDEX_KIND", "postgres"),
			IndexPrefix:     getEnv("ARCHIVE_INDEX_PREFIX", "docfold"),
			IndexTimeout:    getEnvDuration("ARCHIVE_INDEX_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			TokenSecret:     getEnv("TOKEN_SECRET", "change-for-production"),
			TokenExpiration: getEnvDuration("TOKEN_EXPIRATION", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// SetupLogging configures the global zerolog logger
func (l *LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if l.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
