package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each asset's price is stored at "{ns}:price:{asset}" with fields "price"
// (decimal string, quote asset per unit) and "ts" (Unix nanoseconds).
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) key(asset domain.AssetID) string {
	return pc.c.Key("price", string(asset))
}

// SetPrice stores the latest price and timestamp for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset domain.AssetID, price decimal.Decimal, ts time.Time) error {
	if !price.IsPositive() {
		return fmt.Errorf("redis: set price %s: non-positive price %s: %w", asset, price, domain.ErrInvalidParameters)
	}
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.key(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for an asset.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, asset domain.AssetID) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(asset)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	price, ts, ok, err := parsePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: price %s: %w", asset, domain.ErrNotFound)
	}
	return price, ts, nil
}

// GetPrices retrieves the latest prices for several assets in one pipeline.
// Assets without a usable price are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, assets []domain.AssetID) (map[domain.AssetID]decimal.Decimal, error) {
	result := make(map[domain.AssetID]decimal.Decimal, len(assets))
	if len(assets) == 0 {
		return result, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[domain.AssetID]*redis.MapStringStringCmd, len(assets))
	for _, a := range assets {
		cmds[a] = pipe.HGetAll(ctx, pc.key(a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	for a, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parsePrice(vals); err == nil && ok {
			result[a] = price
		}
	}
	return result, nil
}

func parsePrice(vals map[string]string) (decimal.Decimal, time.Time, bool, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, false, nil
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, false, nil
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("parse ts %q: %w", tsStr, err)
	}
	return price, time.Unix(0, tsNano).UTC(), true, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
