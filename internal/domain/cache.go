package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest asset prices, quoted in the
// basket's quote asset.
type PriceCache interface {
	SetPrice(ctx context.Context, asset AssetID, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, asset AssetID) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, assets []AssetID) (map[AssetID]decimal.Decimal, error)
}

// PriceQuote is one observation pushed into the price cache.
type PriceQuote struct {
	Asset AssetID         `json:"asset"`
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
