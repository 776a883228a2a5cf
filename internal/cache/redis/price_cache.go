package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per market holding
// the YES price and its timestamp.
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) priceKey(marketID string) string {
	return pc.c.key("price", marketID)
}

// SetPrice stores the latest YES price of a market.
func (pc *PriceCache) SetPrice(ctx context.Context, marketID string, priceYes float64, ts time.Time) error {
	fields := map[string]any{
		"yes": strconv.FormatFloat(priceYes, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.priceKey(marketID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", marketID, err)
	}
	return nil
}

// GetPrice returns the cached YES price. It returns domain.ErrNotFound when
// nothing is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, marketID string) (float64, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(marketID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	price, ts, ok, err := parsePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	if !ok {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", marketID, domain.ErrNotFound)
	}
	return price, ts, nil
}

// GetPrices returns cached YES prices for several markets in one pipeline.
// Markets without a cached price are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, marketIDs []string) (map[string]float64, error) {
	if len(marketIDs) == 0 {
		return map[string]float64{}, nil
	}
	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(marketIDs))
	for _, id := range marketIDs {
		cmds[id] = pipe.HGetAll(ctx, pc.priceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]float64, len(marketIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parsePrice(vals); err == nil && ok {
			out[id] = price
		}
	}
	return out, nil
}

func parsePrice(vals map[string]string) (float64, time.Time, bool, error) {
	ps, ok := vals["yes"]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	price, err := strconv.ParseFloat(ps, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse price: %w", err)
	}
	var ts time.Time
	if s, ok := vals["ts"]; ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, time.Time{}, false, fmt.Errorf("parse ts: %w", err)
		}
		ts = time.Unix(0, n).UTC()
	}
	return price, ts, true, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
