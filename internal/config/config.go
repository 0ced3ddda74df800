package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all configuration for the server.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage
	StoreBackend    string
	DBPath          string
	RedisURL        string
	RedisKeyPrefix  string
	StoreTimeout    time.Duration
	StoreRetries    int
	StoreRetryDelay time.Duration

	// Sweeper
	SweepInterval time.Duration
	RoomRetention time.Duration
	CompressAfter time.Duration
	MaxTextLength int

	BcryptCost  int
	CORSOrigins []string
}

// Load reads configuration from the environment, after loading a .env file
// if one exists.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		DBPath:          getEnv("WHITEBOARD_DB_PATH", "./data/whiteboard.db"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisKeyPrefix:  getEnv("REDIS_KEY_PREFIX", "wb:"),
		StoreTimeout:    getDuration("STORE_TIMEOUT", 20*time.Second),
		StoreRetries:    getInt("STORE_RETRIES", 3),
		StoreRetryDelay: getDuration("STORE_RETRY_DELAY", 500*time.Millisecond),

		SweepInterval: getDuration("SWEEP_INTERVAL", time.Hour),
		RoomRetention: getDuration("ROOM_RETENTION", 24*time.Hour),
		CompressAfter: getDuration("COMPRESS_AFTER", time.Hour),
		MaxTextLength: getInt("MAX_TEXT_LENGTH", 1000),

		BcryptCost:  getInt("BCRYPT_COST", 10),
		CORSOrigins: getList("CORS_ORIGINS", []string{"*"}),
	}

	return cfg
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("WHITEBOARD_DB_PATH must not be empty"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"STORE_TIMEOUT", c.StoreTimeout},
		{"STORE_RETRY_DELAY", c.StoreRetryDelay},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"ROOM_RETENTION", c.RoomRetention},
		{"COMPRESS_AFTER", c.CompressAfter},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	if c.StoreRetries < 0 {
		errs = append(errs, errors.New("STORE_RETRIES must not be negative"))
	}
	if c.MaxTextLength <= 0 {
		errs = append(errs, errors.New("MAX_TEXT_LENGTH must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": value}).Warn("Invalid duration, using default")
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": value}).Warn("Invalid integer, using default")
		return defaultValue
	}
	return n
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
