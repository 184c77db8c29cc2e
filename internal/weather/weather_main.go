// Package weather wires the provider client, the cache backend and the
// weather service together from configuration.
package weather

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/cache"
	"github.com/namefreezers/serverless-weather-api/internal/cache/dynamo"
	"github.com/namefreezers/serverless-weather-api/internal/cache/redistable"
	"github.com/namefreezers/serverless-weather-api/internal/config"
	"github.com/namefreezers/serverless-weather-api/internal/metrics"
	"github.com/namefreezers/serverless-weather-api/internal/repository"
	"github.com/namefreezers/serverless-weather-api/internal/retry"
	"github.com/namefreezers/serverless-weather-api/internal/services"
	"github.com/namefreezers/serverless-weather-api/internal/weather/openweathermap"
)

// Purger removes expired cache items from backends that never expire them on
// their own.
type Purger interface {
	PurgeExpired(ctx context.Context, now int64) (int64, error)
}

// Runtime is everything a process entry point needs.
type Runtime struct {
	Service  *services.WeatherService
	Store    *cache.Store
	Provider *openweathermap.Client
	// Purger is nil unless the backend needs explicit reclamation.
	Purger Purger

	closers []func() error
	logger  *zap.Logger
}

// Close releases backend connections.
func (r *Runtime) Close() {
	for _, c := range r.closers {
		if err := c(); err != nil {
			r.logger.Warn("failed to close cache backend", zap.Error(err))
		}
	}
}

// NewExecutor returns the process-wide retry executor. Every scheduled retry
// is counted in m.
func NewExecutor(m *metrics.Collector, logger *zap.Logger) *retry.Executor {
	return retry.NewExecutor(logger, retry.WithRetryHook(m.RetryHook))
}

// Build constructs the provider, the cache store for cfg.CacheBackend and the
// weather service on top of them.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Collector, logger *zap.Logger) (*Runtime, error) {
	cacheRetry := config.CacheRetry()
	if err := validateRetryPolicies(config.ProviderRetry(), cacheRetry); err != nil {
		return nil, err
	}

	executor := NewExecutor(m, logger)
	rt := &Runtime{logger: logger}

	table, err := rt.openTable(ctx, cfg, executor, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Store = cache.NewStore(table, cache.Options{
		Backend: cfg.CacheBackend,
		Region:  cfg.AWSRegion,
		TTL:     cfg.CacheTTL(),
		Retry:   cacheRetry,
	}, executor, m, logger)
	rt.Provider = openweathermap.NewClient(cfg, executor, m, logger)
	rt.Service = services.NewWeatherService(rt.Provider, rt.Store, m, logger)

	logger.Info("weather service ready",
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Int("cache_ttl_minutes", cfg.CacheTTLMinutes),
	)
	return rt, nil
}

func validateRetryPolicies(policies ...retry.Config) error {
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid retry policy: %w", err)
		}
	}
	return nil
}

func (rt *Runtime) openTable(ctx context.Context, cfg *config.Config, executor *retry.Executor, logger *zap.Logger) (cache.Table, error) {
	// connecting blocks startup, so the plain executor is enough here
	connectRetry := config.CacheRetry()
	connectRetry.Name = "cache-connect"

	switch cfg.CacheBackend {
	case config.BackendDynamoDB:
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		table := dynamo.NewTable(client, cfg.DynamoDBTableName, logger)
		// a missing table only degrades the cache, it must not stop a cold start
		err = executor.Execute(connectRetry, func() error {
			_, err := table.Describe(ctx)
			return err
		}, cache.IsRetryable)
		if err != nil {
			logger.Warn("dynamodb table probe failed", zap.String("table", cfg.DynamoDBTableName), zap.Error(err))
		}
		return table, nil

	case config.BackendRedis:
		rdb, err := retry.Do(executor, connectRetry, func() (*redis.Client, error) {
			return redistable.NewClient(ctx, cfg)
		}, cache.IsRetryable)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rdb.Close)
		return redistable.NewTable(rdb, logger), nil

	case config.BackendPostgres:
		db, err := retry.Do(executor, connectRetry, func() (*sqlx.DB, error) {
			return repository.OpenDB(ctx, cfg.DatabaseURL)
		}, cache.IsRetryable)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)

		table := repository.NewWeatherCache(db, logger)
		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := table.EnsureSchema(schemaCtx); err != nil {
			return nil, err
		}
		rt.Purger = table
		return table, nil

	case config.BackendMemory:
		return cache.NewMemoryTable(), nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
