// Package cache is a read-through TTL cache for weather records on top of a
// key-value Table.
//
// Records are stored under partition key "WEATHER#"+NormalizeCity(city) and
// the constant sort key "DATA". An entry is fresh strictly while
// now < expires_at; any expiry the backing store performs on its own is only
// storage reclamation and may lag behind, so Store re-checks every item it reads.
package cache

import (
	"context"
	"time"

	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

const (
	// SortKeyData is the sort key shared by every weather entry.
	SortKeyData = "DATA"

	partitionPrefix = "WEATHER#"

	// MaxBatchGet and MaxBatchWrite are the store's per-request item limits.
	MaxBatchGet   = 100
	MaxBatchWrite = 25
)

// Key addresses one item in a Table.
type Key struct {
	PK string `dynamodbav:"PK" db:"pk" json:"pk"`
	SK string `dynamodbav:"SK" db:"sk" json:"sk"`
}

// KeyFor returns the cache key for city. Spellings that normalize to the same
// name share a key.
func KeyFor(city string) Key {
	return Key{PK: partitionPrefix + types.NormalizeCity(city), SK: SortKeyData}
}

// Item is the persisted form of a weather record.
type Item struct {
	PK          string  `dynamodbav:"PK" db:"pk" json:"pk"`
	SK          string  `dynamodbav:"SK" db:"sk" json:"sk"`
	City        string  `dynamodbav:"city" db:"city" json:"city"`
	Temperature float64 `dynamodbav:"temperature" db:"temperature" json:"temperature"`
	Description string  `dynamodbav:"description" db:"description" json:"description"`
	Humidity    int     `dynamodbav:"humidity" db:"humidity" json:"humidity"`
	ObservedAt  string  `dynamodbav:"timestamp" db:"observed_at" json:"timestamp"`
	// ExpiresAt is in epoch seconds.
	ExpiresAt int64  `dynamodbav:"expires_at" db:"expires_at" json:"expires_at"`
	CreatedAt string `dynamodbav:"created_at" db:"created_at" json:"created_at"`
}

// NewItem builds the item for rec, keyed by the normalized city name.
func NewItem(rec types.Record, expiresAt int64, createdAt time.Time) Item {
	key := KeyFor(rec.City)
	return Item{
		PK:          key.PK,
		SK:          key.SK,
		City:        rec.City,
		Temperature: rec.Temperature,
		Description: rec.Description,
		Humidity:    rec.Humidity,
		ObservedAt:  rec.ObservedAt,
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt.UTC().Format(time.RFC3339),
	}
}

func (i Item) Key() Key { return Key{PK: i.PK, SK: i.SK} }

// Record converts the item back into a weather record.
func (i Item) Record() types.Record {
	return types.Record{
		City:        i.City,
		Temperature: i.Temperature,
		Description: i.Description,
		Humidity:    i.Humidity,
		ObservedAt:  i.ObservedAt,
	}
}

// Description is what a Table reports about itself.
type Description struct {
	Name   string
	Status string
}

// Table is the key-value store boundary.
//
// GetItem returns (nil, nil) when the key is absent. BatchGetItems accepts at
// most MaxBatchGet distinct keys and BatchPutItems at most MaxBatchWrite
// distinct items; BatchPutItems reports how many items were written. Errors
// should expose a store error code through an ErrorCode() string method so
// IsRetryable can classify them.
type Table interface {
	GetItem(ctx context.Context, key Key) (*Item, error)
	PutItem(ctx context.Context, item Item) error
	BatchGetItems(ctx context.Context, keys []Key) ([]Item, error)
	BatchPutItems(ctx context.Context, items []Item) (int, error)
	Describe(ctx context.Context) (Description, error)
}
