package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/metrics"
	"github.com/namefreezers/serverless-weather-api/internal/retry"
	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

// Options describe a Store.
type Options struct {
	// Backend and Region are informational and only appear in Stats.
	Backend string
	Region  string
	TTL     time.Duration
	Retry   retry.Config
}

// Store is the weather cache. Every table call is retried with the cache retry
// policy; failures that survive retries are logged and turned into misses or
// zero counts, so callers never see a cache error.
type Store struct {
	table   Table
	opts    Options
	retry   *retry.Executor
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

func NewStore(table Table, opts Options, executor *retry.Executor, m *metrics.Collector, logger *zap.Logger) *Store {
	return &Store{
		table:   table,
		opts:    opts,
		retry:   executor,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the cached record for city. Expired entries, misses and store
// failures all report ok == false.
func (s *Store) Get(ctx context.Context, city string) (types.Record, bool) {
	key := KeyFor(city)

	item, err := retry.DoContext(ctx, s.retry, s.opts.Retry, func(ctx context.Context) (*Item, error) {
		return s.table.GetItem(ctx, key)
	}, IsRetryable)
	if err != nil {
		s.metrics.ObserveCacheLookup("get", "error", 1)
		s.logger.Error("cache get failed", zap.String("city", city), zap.Error(err))
		return types.Record{}, false
	}
	if item == nil {
		s.metrics.ObserveCacheLookup("get", "miss", 1)
		s.logger.Debug("cache miss", zap.String("city", city))
		return types.Record{}, false
	}
	if !s.fresh(*item, s.now()) {
		s.metrics.ObserveCacheLookup("get", "expired", 1)
		s.logger.Debug("cache expired", zap.String("city", city), zap.Int64("expires_at", item.ExpiresAt))
		return types.Record{}, false
	}

	s.metrics.ObserveCacheLookup("get", "hit", 1)
	s.logger.Debug("cache hit", zap.String("city", city))
	return item.Record(), true
}

// Set writes rec with expires_at = now + TTL. Writes are unconditional.
func (s *Store) Set(ctx context.Context, rec types.Record) bool {
	now := s.now()
	item := NewItem(rec, s.expiresAt(now), now)

	err := s.retry.ExecuteContext(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.table.PutItem(ctx, item)
	}, IsRetryable)
	if err != nil {
		s.metrics.ObserveCacheWrite("set", "error", 1)
		s.logger.Error("cache set failed", zap.String("city", rec.City), zap.Error(err))
		return false
	}

	s.metrics.ObserveCacheWrite("set", "ok", 1)
	s.logger.Debug("cached weather data", zap.String("city", rec.City))
	return true
}

// BatchGet looks up many cities in one store request. The result is keyed by
// the requested spelling; every spelling that shares a hit key gets the record.
// Only the first MaxBatchGet distinct keys are queried, the rest are dropped.
func (s *Store) BatchGet(ctx context.Context, cities []string) map[string]types.Record {
	out := make(map[string]types.Record)
	if len(cities) == 0 {
		return out
	}

	var (
		keys      []Key
		spellings = make(map[Key][]string)
		dropped   int
	)
	for _, city := range types.UniqueCities(cities) {
		key := KeyFor(city)
		if _, ok := spellings[key]; !ok {
			if len(keys) == MaxBatchGet {
				dropped++
				continue
			}
			keys = append(keys, key)
		}
		spellings[key] = append(spellings[key], city)
	}
	if dropped > 0 {
		s.logger.Warn("batch get truncated to store limit",
			zap.Int("limit", MaxBatchGet),
			zap.Int("dropped", dropped),
		)
	}

	items, err := retry.DoContext(ctx, s.retry, s.opts.Retry, func(ctx context.Context) ([]Item, error) {
		return s.table.BatchGetItems(ctx, keys)
	}, IsRetryable)
	if err != nil {
		s.metrics.ObserveCacheLookup("batch_get", "error", len(keys))
		s.logger.Error("cache batch get failed", zap.Int("keys", len(keys)), zap.Error(err))
		return out
	}

	now := s.now()
	hits, expired := 0, 0
	for _, item := range items {
		names, ok := spellings[item.Key()]
		if !ok {
			continue
		}
		if !s.fresh(item, now) {
			expired++
			continue
		}
		hits++
		rec := item.Record()
		for _, name := range names {
			out[name] = rec
		}
	}

	s.metrics.ObserveCacheLookup("batch_get", "hit", hits)
	s.metrics.ObserveCacheLookup("batch_get", "expired", expired)
	s.metrics.ObserveCacheLookup("batch_get", "miss", len(keys)-hits-expired)
	s.logger.Debug("batch cache lookup",
		zap.Int("hits", hits),
		zap.Int("expired", expired),
		zap.Int("keys", len(keys)),
	)
	return out
}

// BatchSet writes up to MaxBatchWrite distinct records in one store request and
// returns how many were written. All of them share one expires_at.
func (s *Store) BatchSet(ctx context.Context, records []types.Record) int {
	if len(records) == 0 {
		return 0
	}

	now := s.now()
	expiresAt := s.expiresAt(now)

	items := make([]Item, 0, min(len(records), MaxBatchWrite))
	index := make(map[Key]int, len(records))
	dropped := 0
	for _, rec := range records {
		item := NewItem(rec, expiresAt, now)
		if i, ok := index[item.Key()]; ok {
			// a store batch may not carry the same key twice; last write wins
			items[i] = item
			continue
		}
		if len(items) == MaxBatchWrite {
			dropped++
			continue
		}
		index[item.Key()] = len(items)
		items = append(items, item)
	}
	if dropped > 0 {
		s.logger.Warn("batch set truncated to store limit",
			zap.Int("limit", MaxBatchWrite),
			zap.Int("dropped", dropped),
		)
	}

	written, err := retry.DoContext(ctx, s.retry, s.opts.Retry, func(ctx context.Context) (int, error) {
		return s.table.BatchPutItems(ctx, items)
	}, IsRetryable)
	if err != nil {
		s.metrics.ObserveCacheWrite("batch_set", "error", len(items))
		s.logger.Error("cache batch set failed", zap.Int("items", len(items)), zap.Error(err))
		return 0
	}

	s.metrics.ObserveCacheWrite("batch_set", "ok", written)
	s.logger.Debug("batch cached weather entries", zap.Int("count", written))
	return written
}

// HealthCheck probes the table with a describe call.
func (s *Store) HealthCheck(ctx context.Context) bool {
	_, err := s.describe(ctx)
	if err != nil {
		s.logger.Error("cache health check failed", zap.Error(err))
		return false
	}
	s.logger.Debug("cache health check passed")
	return true
}

// Stats summarises the cache for monitoring.
type Stats struct {
	Table      string     `json:"table_name,omitempty"`
	Status     string     `json:"table_status,omitempty"`
	Backend    string     `json:"backend"`
	Region     string     `json:"region,omitempty"`
	TTLMinutes int        `json:"ttl_minutes"`
	Retry      RetryStats `json:"retry_config"`
	Error      string     `json:"error,omitempty"`
}

type RetryStats struct {
	MaxAttempts       int     `json:"max_attempts"`
	BaseDelaySeconds  float64 `json:"base_delay"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// Stats describes the table and the cache settings. A failed describe is
// reported in Stats.Error rather than returned.
func (s *Store) Stats(ctx context.Context) Stats {
	st := Stats{
		Backend:    s.opts.Backend,
		Region:     s.opts.Region,
		TTLMinutes: int(s.opts.TTL / time.Minute),
		Retry: RetryStats{
			MaxAttempts:       s.opts.Retry.MaxAttempts,
			BaseDelaySeconds:  s.opts.Retry.BaseDelay.Seconds(),
			BackoffMultiplier: s.opts.Retry.BackoffMultiplier,
		},
	}
	desc, err := s.describe(ctx)
	if err != nil {
		s.logger.Error("error getting cache stats", zap.Error(err))
		st.Error = err.Error()
		return st
	}
	st.Table = desc.Name
	st.Status = desc.Status
	return st
}

func (s *Store) describe(ctx context.Context) (Description, error) {
	return retry.DoContext(ctx, s.retry, s.opts.Retry, func(ctx context.Context) (Description, error) {
		return s.table.Describe(ctx)
	}, IsRetryable)
}

func (s *Store) expiresAt(now time.Time) int64 {
	return now.Add(s.opts.TTL).Unix()
}

func (s *Store) fresh(item Item, now time.Time) bool {
	return now.Unix() < item.ExpiresAt
}
