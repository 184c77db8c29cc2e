package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/namefreezers/serverless-weather-api/internal/cache"
	"github.com/namefreezers/serverless-weather-api/internal/metrics"
	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

// Provider is the upstream weather source.
type Provider interface {
	GetWeather(ctx context.Context, city string) (types.Record, error)
	GetBatchWeather(ctx context.Context, cities []string) map[string]types.Record
	HealthCheck(ctx context.Context) bool
	HasCredential(ctx context.Context) bool
}

// Cache is the best-effort weather cache. None of its methods fail.
type Cache interface {
	Get(ctx context.Context, city string) (types.Record, bool)
	Set(ctx context.Context, rec types.Record) bool
	BatchGet(ctx context.Context, cities []string) map[string]types.Record
	BatchSet(ctx context.Context, records []types.Record) int
	HealthCheck(ctx context.Context) bool
	Stats(ctx context.Context) cache.Stats
}

// Health check states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusSkipped   = "skipped"
)

// HealthReport is the aggregate health of provider and cache.
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (h HealthReport) Healthy() bool { return h.Status == StatusHealthy }

// defaultFetchTimeout bounds a shared provider fetch once it no longer follows the
// cancellation of the caller that started it.
const defaultFetchTimeout = 45 * time.Second

// WeatherService combines the cache and the provider into the read-through
// operations the API serves.
type WeatherService struct {
	provider     Provider
	cache        Cache
	flights      singleflight.Group
	fetchTimeout time.Duration
	metrics      *metrics.Collector
	logger       *zap.Logger
	now          func() time.Time
}

func NewWeatherService(provider Provider, c Cache, m *metrics.Collector, logger *zap.Logger) *WeatherService {
	return &WeatherService{
		provider:     provider,
		cache:        c,
		fetchTimeout: defaultFetchTimeout,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// GetWeather returns the cached record for city, or fetches and caches it on a
// miss. Provider errors are returned unchanged; cache failures only cost a
// provider call. Concurrent misses for the same city and credential share one
// provider fetch; a caller that gives up does not cancel it for the others.
func (s *WeatherService) GetWeather(ctx context.Context, city string) (types.Record, error) {
	if strings.TrimSpace(city) == "" {
		return types.Record{}, types.InvalidRequest("city name cannot be empty")
	}

	if rec, ok := s.cache.Get(ctx, city); ok {
		s.logger.Info("returning cached weather data", zap.String("city", city))
		return rec, nil
	}

	credential, _ := types.CredentialFrom(ctx)
	key := credential + "\x00" + types.NormalizeCity(city)

	flight := s.flights.DoChan(key, func() (interface{}, error) {
		// detached from the first caller; every caller waits on its own ctx below
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		s.logger.Info("fetching fresh weather data", zap.String("city", city))
		rec, err := s.provider.GetWeather(fetchCtx, city)
		if err != nil {
			return nil, err
		}
		s.cache.Set(fetchCtx, rec)
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return types.Record{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return types.Record{}, res.Err
		}
		if res.Shared {
			s.logger.Debug("shared provider fetch", zap.String("city", city))
		}
		return res.Val.(types.Record), nil
	}
}

// GetBatchWeather looks up to maxAllowed cities. Duplicates are dropped, cache
// hits are served from the cache, and the rest are fetched concurrently. The
// results follow the first-occurrence order of the request; cities that could
// not be fetched are left out.
func (s *WeatherService) GetBatchWeather(ctx context.Context, cities []string, maxAllowed int) (types.BatchResult, error) {
	if len(cities) == 0 {
		return types.BatchResult{}, types.InvalidRequest("cities list cannot be empty")
	}
	if len(cities) > maxAllowed {
		return types.BatchResult{}, types.InvalidRequest("maximum %d cities allowed per batch request", maxAllowed)
	}

	unique := types.UniqueCities(cities)

	cached := s.cache.BatchGet(ctx, unique)
	var toFetch []string
	for _, city := range unique {
		if _, ok := cached[city]; !ok {
			toFetch = append(toFetch, city)
		}
	}
	s.logger.Info("batch cache lookup",
		zap.Int("cached", len(cached)),
		zap.Int("to_fetch", len(toFetch)),
	)

	var fresh map[string]types.Record
	if len(toFetch) > 0 {
		fresh = s.provider.GetBatchWeather(ctx, toFetch)
		if len(fresh) > 0 {
			records := make([]types.Record, 0, len(fresh))
			for _, city := range toFetch {
				if rec, ok := fresh[city]; ok {
					records = append(records, rec)
				}
			}
			s.writeChunks(ctx, records)
		}
	}

	results := make([]types.Record, 0, len(unique))
	for _, city := range unique {
		if rec, ok := cached[city]; ok {
			results = append(results, rec)
		} else if rec, ok := fresh[city]; ok {
			results = append(results, rec)
		}
	}

	return types.BatchResult{
		Results:            results,
		TotalCities:        len(unique),
		SuccessfulRequests: len(results),
	}, nil
}

// Warm fetches cities from the provider, ignoring what is cached, and writes
// the results to the cache. It returns how many records were written.
func (s *WeatherService) Warm(ctx context.Context, cities []string) int {
	unique := types.UniqueCities(cities)
	if len(unique) == 0 {
		return 0
	}

	fetched := s.provider.GetBatchWeather(ctx, unique)
	records := make([]types.Record, 0, len(fetched))
	for _, city := range unique {
		if rec, ok := fetched[city]; ok {
			records = append(records, rec)
		}
	}

	written := s.writeChunks(ctx, records)
	s.metrics.ObserveWarmed(written)
	s.logger.Info("cache warmed",
		zap.Int("requested", len(unique)),
		zap.Int("fetched", len(records)),
		zap.Int("written", written),
	)
	return written
}

// Health probes the cache, and the provider when the request carries or falls
// back to a credential.
func (s *WeatherService) Health(ctx context.Context) HealthReport {
	checks := map[string]string{
		"openweathermap_api": StatusSkipped,
		"cache":              StatusUnhealthy,
	}
	healthy := true

	if s.cache.HealthCheck(ctx) {
		checks["cache"] = StatusHealthy
	} else {
		healthy = false
	}

	if s.provider.HasCredential(ctx) {
		if s.provider.HealthCheck(ctx) {
			checks["openweathermap_api"] = StatusHealthy
		} else {
			checks["openweathermap_api"] = StatusUnhealthy
			healthy = false
		}
	}

	status := StatusHealthy
	if !healthy {
		status = StatusUnhealthy
	}
	return HealthReport{
		Status:    status,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

// CacheStats reports the cache's table and settings.
func (s *WeatherService) CacheStats(ctx context.Context) cache.Stats {
	return s.cache.Stats(ctx)
}

func (s *WeatherService) writeChunks(ctx context.Context, records []types.Record) int {
	written := 0
	for start := 0; start < len(records); start += cache.MaxBatchWrite {
		end := min(start+cache.MaxBatchWrite, len(records))
		written += s.cache.BatchSet(ctx, records[start:end])
	}
	return written
}
