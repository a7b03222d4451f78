package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends selectable with STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Cache backends selectable with CACHE_DRIVER. "store" keeps cache entries
// in the same backend as areas and samples.
const (
	CacheDriverStore = "store"
	CacheDriverRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Janitor  JanitorConfig
	CORS     CORSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	PoolMin  int
	PoolMax  int
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver string
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	Driver     string
	DefaultTTL time.Duration
	Grace      time.Duration
}

// RedisConfig holds Redis connection configuration for CACHE_DRIVER=redis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KafkaConfig holds the hazard event consumer configuration. The consumer
// is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	GroupID     string
}

// Enabled reports whether the event consumer should run.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// JanitorConfig holds background sweep configuration. A zero
// EventRetention disables pruning of closed events.
type JanitorConfig struct {
	Interval        time.Duration
	MetricRetention time.Duration
	EventRetention  time.Duration
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory. Variables already set in
// the environment take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set defaults for development
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_HOST", "host.docker.internal")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "echosphere")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("CACHE_DRIVER", CacheDriverStore)
	v.SetDefault("DEFAULT_CACHE_TTL_SECONDS", 3600)
	v.SetDefault("CACHE_GRACE_SECONDS", 30)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "echosphere:cache:")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC_EVENTS", "hazard.events")
	v.SetDefault("KAFKA_GROUP_ID", "echosphere-events")
	v.SetDefault("JANITOR_INTERVAL_SECONDS", 300)
	v.SetDefault("METRIC_RETENTION_DAYS", 90)
	v.SetDefault("EVENT_RETENTION_DAYS", 0)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")

	// Bind environment variables
	v.AutomaticEnv()

	// Build configuration
	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("PORT"),
			Env:  v.GetString("ENV"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			SSLMode:  v.GetString("DB_SSLMODE"),
			PoolMin:  v.GetInt("DB_POOL_MIN"),
			PoolMax:  v.GetInt("DB_POOL_MAX"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("STORE_DRIVER")),
		},
		Cache: CacheConfig{
			Driver:     strings.ToLower(v.GetString("CACHE_DRIVER")),
			DefaultTTL: seconds(v.GetInt("DEFAULT_CACHE_TTL_SECONDS")),
			Grace:      seconds(v.GetInt("CACHE_GRACE_SECONDS")),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("REDIS_ADDR"),
			Password:  v.GetString("REDIS_PASSWORD"),
			DB:        v.GetInt("REDIS_DB"),
			KeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(v.GetString("KAFKA_BROKERS")),
			EventsTopic: v.GetString("KAFKA_TOPIC_EVENTS"),
			GroupID:     v.GetString("KAFKA_GROUP_ID"),
		},
		Janitor: JanitorConfig{
			Interval:        seconds(v.GetInt("JANITOR_INTERVAL_SECONDS")),
			MetricRetention: days(v.GetInt("METRIC_RETENTION_DAYS")),
			EventRetention:  days(v.GetInt("EVENT_RETENTION_DAYS")),
		},
		CORS: CORSConfig{
			Origins: splitList(v.GetString("CORS_ORIGINS")),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// Validate store config
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if err := c.Database.validate(); err != nil {
			return err
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Store.Driver)
	}

	// Validate cache config
	switch c.Cache.Driver {
	case CacheDriverStore:
	case CacheDriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_DRIVER=redis")
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("REDIS_DB must be non-negative")
		}
	default:
		return fmt.Errorf("CACHE_DRIVER must be %q or %q, got %q", CacheDriverStore, CacheDriverRedis, c.Cache.Driver)
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("DEFAULT_CACHE_TTL_SECONDS must be positive")
	}
	if c.Cache.Grace < 0 {
		return fmt.Errorf("CACHE_GRACE_SECONDS must be non-negative")
	}

	// Validate kafka config
	if c.Kafka.Enabled() {
		if c.Kafka.EventsTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC_EVENTS is required when KAFKA_BROKERS is set")
		}
		if c.Kafka.GroupID == "" {
			return fmt.Errorf("KAFKA_GROUP_ID is required when KAFKA_BROKERS is set")
		}
	}

	// Validate janitor config
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL_SECONDS must be positive")
	}
	if c.Janitor.MetricRetention <= 0 {
		return fmt.Errorf("METRIC_RETENTION_DAYS must be positive")
	}
	if c.Janitor.EventRetention < 0 {
		return fmt.Errorf("EVENT_RETENTION_DAYS must be non-negative")
	}

	// Validate CORS config
	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	return nil
}

func (d DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if d.Port == "" {
		return fmt.Errorf("DB_PORT is required")
	}
	if d.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if d.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if d.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if d.PoolMin < 0 {
		return fmt.Errorf("DB_POOL_MIN must be non-negative")
	}
	if d.PoolMax < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1")
	}
	if d.PoolMin > d.PoolMax {
		return fmt.Errorf("DB_POOL_MIN must be less than or equal to DB_POOL_MAX")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// splitList splits a comma-separated string into a slice, dropping blanks.
func splitList(list string) []string {
	if list == "" {
		return []string{}
	}

	parts := strings.Split(list, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
