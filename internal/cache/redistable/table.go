// Package redistable backs the weather cache with Redis. Each item is stored
// as a JSON blob whose Redis expiry mirrors the item's expires_at.
package redistable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/cache"
	"github.com/namefreezers/serverless-weather-api/internal/config"
)

type Table struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewClient opens a Redis client for cfg and pings it.
func NewClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         0,
		MaxRetries: -1, // cache.Store retries
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewTable(rdb redis.UniversalClient, logger *zap.Logger) *Table {
	return &Table{rdb: rdb, logger: logger}
}

func redisKey(k cache.Key) string {
	return k.PK + "#" + k.SK
}

func (t *Table) GetItem(ctx context.Context, key cache.Key) (*cache.Item, error) {
	raw, err := t.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get", err)
	}

	var item cache.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		t.logger.Warn("cache unmarshal failed", zap.String("key", redisKey(key)), zap.Error(err))
		return nil, nil
	}
	return &item, nil
}

func (t *Table) PutItem(ctx context.Context, item cache.Item) error {
	blob, err := json.Marshal(item)
	if err != nil {
		return &cache.StoreError{Op: "put", Code: cache.CodeValidation, Err: err}
	}
	if err := t.set(ctx, t.rdb, item, blob).Err(); err != nil {
		return storeError("put", err)
	}
	return nil
}

func (t *Table) set(ctx context.Context, cmd redis.Cmdable, item cache.Item, blob []byte) *redis.StatusCmd {
	return cmd.SetArgs(ctx, redisKey(item.Key()), blob, redis.SetArgs{
		ExpireAt: time.Unix(item.ExpiresAt, 0),
	})
}

// BatchGetItems reads every key with a single MGET.
func (t *Table) BatchGetItems(ctx context.Context, keys []cache.Key) ([]cache.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = redisKey(k)
	}

	vals, err := t.rdb.MGet(ctx, rkeys...).Result()
	if err != nil {
		return nil, storeError("batch_get", err)
	}

	items := make([]cache.Item, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item cache.Item
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			t.logger.Warn("cache unmarshal failed", zap.String("key", rkeys[i]), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// BatchPutItems pipelines one SET per item and counts the ones Redis accepted.
func (t *Table) BatchPutItems(ctx context.Context, items []cache.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.StatusCmd, 0, len(items))
	_, err := t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			blob, err := json.Marshal(item)
			if err != nil {
				return &cache.StoreError{Op: "batch_put", Code: cache.CodeValidation, Err: err}
			}
			cmds = append(cmds, t.set(ctx, pipe, item, blob))
		}
		return nil
	})

	written := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			written++
		}
	}
	if err != nil && written == 0 {
		return 0, storeError("batch_put", err)
	}
	if written < len(items) {
		t.logger.Warn("batch write partially failed",
			zap.Int("written", written),
			zap.Int("requested", len(items)),
		)
	}
	return written, nil
}

func (t *Table) Describe(ctx context.Context) (cache.Description, error) {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return cache.Description{}, storeError("describe", err)
	}
	return cache.Description{Name: "redis", Status: "ACTIVE"}, nil
}

// storeError maps Redis server replies onto store error codes. Connection
// failures carry no code and reach the retry predicate unchanged.
func storeError(op string, err error) error {
	var se *cache.StoreError
	if errors.As(err, &se) {
		return err
	}
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return fmt.Errorf("redis %s: %w", op, err)
	}

	msg := rerr.Error()
	code := cache.CodeValidation
	switch {
	case hasPrefix(msg, "LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "CLUSTERDOWN"):
		code = cache.CodeServiceUnavailable
	case hasPrefix(msg, "OOM"):
		code = cache.CodeThroughputExceeded
	case hasPrefix(msg, "NOAUTH", "WRONGPASS", "NOPERM"):
		code = cache.CodeAccessDenied
	}
	return &cache.StoreError{Op: op, Code: code, Err: err}
}

func hasPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
