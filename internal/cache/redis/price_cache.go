package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// price is stored at "<prefix>:price:<mint>" with fields "price" and "ts"
// (Unix nanoseconds) and expires after ttl.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) key(assetID string) string {
	return pc.c.Key("price", assetID)
}

// SetPrice stores the latest price and timestamp for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, assetID string, price float64, ts time.Time) error {
	key := pc.key(assetID)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", assetID, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for an asset.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (float64, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(assetID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	price, ts, ok, err := parsePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetPrices retrieves the latest prices for multiple assets using a pipeline.
// Assets whose keys do not exist are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	if len(assetIDs) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGetAll(ctx, pc.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(assetIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parsePrice(vals); err == nil && ok {
			result[id] = price
		}
	}
	return result, nil
}

// parsePrice decodes a price hash. ok is false when a field is missing.
func parsePrice(vals map[string]string) (price float64, ts time.Time, ok bool, err error) {
	priceStr, hasPrice := vals["price"]
	tsStr, hasTS := vals["ts"]
	if !hasPrice || !hasTS {
		return 0, time.Time{}, false, nil
	}
	if price, err = strconv.ParseFloat(priceStr, 64); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos), true, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
