package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://api.openweathermap.org/data/2.5", cfg.OpenWeatherBaseURL)
	assert.Equal(t, 10*time.Second, cfg.OpenWeatherTimeout)
	assert.Equal(t, 10, cfg.CacheTTLMinutes)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL())
	assert.Equal(t, "ap-northeast-2", cfg.AWSRegion)
	assert.Equal(t, 10, cfg.MaxBatchCities)
	assert.Equal(t, "London", cfg.HealthCheckCity)
	assert.Empty(t, cfg.WarmCities)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "DynamoDB")
	t.Setenv("DYNAMODB_TABLE_NAME", "weather-cache-dev")
	t.Setenv("CACHE_TTL_MINUTES", "15")
	t.Setenv("MAX_BATCH_CITIES", "5")
	t.Setenv("OPENWEATHER_BASE_URL", "http://localhost:9999/data/2.5/")
	t.Setenv("WARM_CITIES", "Seoul, Tokyo,,Paris ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendDynamoDB, cfg.CacheBackend)
	assert.Equal(t, "weather-cache-dev", cfg.DynamoDBTableName)
	assert.Equal(t, 15, cfg.CacheTTLMinutes)
	assert.Equal(t, 5, cfg.MaxBatchCities)
	assert.Equal(t, "http://localhost:9999/data/2.5", cfg.OpenWeatherBaseURL)
	assert.Equal(t, []string{"Seoul", "Tokyo", "Paris"}, cfg.WarmCities)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"dynamodb without table", map[string]string{"CACHE_BACKEND": "dynamodb", "DYNAMODB_TABLE_NAME": ""}},
		{"postgres without url", map[string]string{"CACHE_BACKEND": "postgres", "DATABASE_URL": ""}},
		{"unknown backend", map[string]string{"CACHE_BACKEND": "memcached"}},
		{"bad ttl", map[string]string{"CACHE_BACKEND": "memory", "CACHE_TTL_MINUTES": "ten"}},
		{"zero ttl", map[string]string{"CACHE_BACKEND": "memory", "CACHE_TTL_MINUTES": "0"}},
		{"bad timeout", map[string]string{"CACHE_BACKEND": "memory", "OPENWEATHER_TIMEOUT": "soon"}},
		{"bad log level", map[string]string{"CACHE_BACKEND": "memory", "LOG_LEVEL": "verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestRetryPolicies(t *testing.T) {
	p := ProviderRetry()
	require.NoError(t, p.Validate())
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)

	c := CacheRetry()
	require.NoError(t, c.Validate())
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.BaseDelay)
	assert.Equal(t, 10*time.Second, c.MaxDelay)
}
