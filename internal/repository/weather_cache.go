package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/cache"
)

// TableName is the Postgres table holding cached weather items.
const TableName = "weather_cache"

const itemColumns = `pk, sk, city, temperature, description, humidity, observed_at, expires_at, created_at`

const upsertItem = `
        INSERT INTO weather_cache (pk, sk, city, temperature, description, humidity, observed_at, expires_at, created_at)
        VALUES (:pk, :sk, :city, :temperature, :description, :humidity, :observed_at, :expires_at, :created_at)
        ON CONFLICT (pk, sk) DO UPDATE
        SET city        = EXCLUDED.city,
            temperature = EXCLUDED.temperature,
            description = EXCLUDED.description,
            humidity    = EXCLUDED.humidity,
            observed_at = EXCLUDED.observed_at,
            expires_at  = EXCLUDED.expires_at,
            created_at  = EXCLUDED.created_at;
    `

// WeatherCache implements cache.Table on a Postgres table.
type WeatherCache struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewWeatherCache(db *sqlx.DB, logger *zap.Logger) *WeatherCache {
	return &WeatherCache{db: db, logger: logger}
}

// EnsureSchema creates the cache table and its expiry index when missing.
func (r *WeatherCache) EnsureSchema(ctx context.Context) error {
	const q = `
        CREATE TABLE IF NOT EXISTS weather_cache (
            pk          TEXT             NOT NULL,
            sk          TEXT             NOT NULL,
            city        TEXT             NOT NULL,
            temperature DOUBLE PRECISION NOT NULL,
            description TEXT             NOT NULL,
            humidity    INTEGER          NOT NULL,
            observed_at TEXT             NOT NULL,
            expires_at  BIGINT           NOT NULL,
            created_at  TEXT             NOT NULL,
            PRIMARY KEY (pk, sk)
        );
        CREATE INDEX IF NOT EXISTS weather_cache_expires_at_idx ON weather_cache (expires_at);
    `
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		r.logger.Error("failed to create weather cache schema", zap.Error(err))
		return storeError("schema", err)
	}
	return nil
}

func (r *WeatherCache) GetItem(ctx context.Context, key cache.Key) (*cache.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM weather_cache WHERE pk = $1 AND sk = $2;`

	var item cache.Item
	if err := r.db.GetContext(ctx, &item, q, key.PK, key.SK); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("failed to get cache item", zap.String("pk", key.PK), zap.Error(err))
		return nil, storeError("get", err)
	}
	return &item, nil
}

func (r *WeatherCache) PutItem(ctx context.Context, item cache.Item) error {
	if _, err := r.db.NamedExecContext(ctx, upsertItem, item); err != nil {
		r.logger.Error("failed to put cache item", zap.String("pk", item.PK), zap.Error(err))
		return storeError("put", err)
	}
	return nil
}

// BatchGetItems selects every requested key in one query.
func (r *WeatherCache) BatchGetItems(ctx context.Context, keys []cache.Key) ([]cache.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > cache.MaxBatchGet {
		return nil, &cache.StoreError{Op: "batch_get", Code: cache.CodeValidation,
			Err: fmt.Errorf("%d keys exceeds limit of %d", len(keys), cache.MaxBatchGet)}
	}

	// every weather item shares one sort key, so filtering on pk is enough
	pks := make([]string, len(keys))
	for i, k := range keys {
		if k.SK != cache.SortKeyData {
			return nil, &cache.StoreError{Op: "batch_get", Code: cache.CodeValidation,
				Err: fmt.Errorf("unsupported sort key %q", k.SK)}
		}
		pks[i] = k.PK
	}

	q, args, err := sqlx.In(`SELECT `+itemColumns+` FROM weather_cache WHERE sk = ? AND pk IN (?);`, cache.SortKeyData, pks)
	if err != nil {
		return nil, &cache.StoreError{Op: "batch_get", Code: cache.CodeValidation, Err: err}
	}

	var items []cache.Item
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(q), args...); err != nil {
		r.logger.Error("failed to batch get cache items", zap.Int("keys", len(keys)), zap.Error(err))
		return nil, storeError("batch_get", err)
	}
	r.logger.Debug("batch got cache items", zap.Int("keys", len(keys)), zap.Int("found", len(items)))
	return items, nil
}

// BatchPutItems upserts all items in a single transaction.
func (r *WeatherCache) BatchPutItems(ctx context.Context, items []cache.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if len(items) > cache.MaxBatchWrite {
		return 0, &cache.StoreError{Op: "batch_put", Code: cache.CodeValidation,
			Err: fmt.Errorf("%d items exceeds limit of %d", len(items), cache.MaxBatchWrite)}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storeError("batch_put", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		if _, err := tx.NamedExecContext(ctx, upsertItem, item); err != nil {
			r.logger.Error("failed to upsert cache item", zap.String("pk", item.PK), zap.Error(err))
			return 0, storeError("batch_put", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("batch_put", err)
	}
	return len(items), nil
}

// Describe checks that the cache table exists.
func (r *WeatherCache) Describe(ctx context.Context) (cache.Description, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT to_regclass($1) IS NOT NULL;`, TableName); err != nil {
		return cache.Description{}, storeError("describe", err)
	}
	if !exists {
		return cache.Description{}, &cache.StoreError{Op: "describe", Code: cache.CodeResourceNotFound,
			Err: fmt.Errorf("table %s does not exist", TableName)}
	}
	return cache.Description{Name: TableName, Status: "ACTIVE"}, nil
}

// PurgeExpired deletes items whose expires_at is at or before now (epoch
// seconds). Reads never depend on it; it only reclaims space.
func (r *WeatherCache) PurgeExpired(ctx context.Context, now int64) (int64, error) {
	const q = `DELETE FROM weather_cache WHERE expires_at <= $1;`
	res, err := r.db.ExecContext(ctx, q, now)
	if err != nil {
		r.logger.Error("failed to purge expired cache items", zap.Error(err))
		return 0, storeError("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	r.logger.Info("purged expired cache items", zap.Int64("count", n))
	return n, nil
}

// storeError maps SQLSTATE classes onto store error codes.
func storeError(op string, err error) error {
	if errors.Is(err, driver.ErrBadConn) {
		return &cache.StoreError{Op: op, Code: cache.CodeServiceUnavailable, Err: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}

	code := cache.CodeInternalError
	switch {
	case pgErr.Code == "42P01":
		code = cache.CodeResourceNotFound
	case strings.HasPrefix(pgErr.Code, "40"), pgErr.Code == "55P03":
		// serialization failure, deadlock, lock not available
		code = cache.CodeThrottling
	case strings.HasPrefix(pgErr.Code, "53"):
		code = cache.CodeThroughputExceeded
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
		code = cache.CodeServiceUnavailable
	case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
		code = cache.CodeAccessDenied
	case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"):
		code = cache.CodeValidation
	}
	return &cache.StoreError{Op: op, Code: code, Err: err}
}
