package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/namefreezers/serverless-weather-api/internal/retry"
)

// Cache backends selectable through CACHE_BACKEND.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all the environment‐driven settings for the application.
type Config struct {
	Env      string `validate:"required"`
	LogLevel string `validate:"oneof=debug info warn error"`
	Port     string `validate:"required,numeric"`

	// OpenWeatherMap. The key is only a fallback: callers normally pass their own.
	OpenWeatherAPIKey  string
	OpenWeatherBaseURL string        `validate:"required,url"`
	OpenWeatherTimeout time.Duration `validate:"gt=0"`
	HealthCheckCity    string        `validate:"required"`

	// Cache
	CacheBackend    string `validate:"oneof=dynamodb redis postgres memory"`
	CacheTTLMinutes int    `validate:"gte=1"`

	// DynamoDB
	DynamoDBTableName string `validate:"required_if=CacheBackend dynamodb"`
	AWSRegion         string `validate:"required"`
	DynamoDBEndpoint  string

	// Redis
	RedisAddr     string `validate:"required_if=CacheBackend redis"`
	RedisPassword string

	// Postgres
	DatabaseURL string `validate:"required_if=CacheBackend postgres"`

	// API
	MaxBatchCities int `validate:"gte=1"`

	// Warm job
	WarmCities   []string
	WarmSchedule string `validate:"required"`
}

// Load reads and validates all environment variables, applying defaults
// where appropriate. Variables from a local .env file are loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	timeout, err := time.ParseDuration(getenvDefault("OPENWEATHER_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid OPENWEATHER_TIMEOUT: %w", err)
	}
	ttl, err := getenvInt("CACHE_TTL_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	maxBatch, err := getenvInt("MAX_BATCH_CITIES", 10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:      getenvDefault("ENV", "development"),
		LogLevel: strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		Port:     getenvDefault("PORT", "8080"),

		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherBaseURL: strings.TrimRight(getenvDefault("OPENWEATHER_BASE_URL", "https://api.openweathermap.org/data/2.5"), "/"),
		OpenWeatherTimeout: timeout,
		HealthCheckCity:    getenvDefault("HEALTH_CHECK_CITY", "London"),

		CacheBackend:    strings.ToLower(getenvDefault("CACHE_BACKEND", BackendDynamoDB)),
		CacheTTLMinutes: ttl,

		DynamoDBTableName: os.Getenv("DYNAMODB_TABLE_NAME"),
		AWSRegion:         getenvDefault("AWS_REGION", "ap-northeast-2"),
		DynamoDBEndpoint:  os.Getenv("DYNAMODB_ENDPOINT"),

		RedisAddr:     getenvDefault("REDIS_ADDR", "redis:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		MaxBatchCities: maxBatch,

		WarmCities:   splitList(os.Getenv("WARM_CITIES")),
		WarmSchedule: getenvDefault("WARM_SCHEDULE", "*/5 * * * *"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags on Config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CacheTTL is the cache-wide entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// ProviderRetry is the retry policy for the upstream weather provider.
func ProviderRetry() retry.Config {
	return retry.Config{
		Name:              "openweathermap",
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		Jitter:            true,
		JitterRange:       0.1,
	}
}

// CacheRetry is the retry policy for cache store operations.
func CacheRetry() retry.Config {
	return retry.Config{
		Name:              "cache",
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
		Jitter:            true,
		JitterRange:       0.1,
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
