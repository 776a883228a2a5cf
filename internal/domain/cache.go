package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest market prices.
type PriceCache interface {
	SetPrice(ctx context.Context, marketID string, priceYes float64, ts time.Time) error
	GetPrice(ctx context.Context, marketID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, marketIDs []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
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

// Event channels published on the SignalBus.
const (
	ChannelTrades      = "trades"
	ChannelPrices      = "prices"
	ChannelLifecycle   = "lifecycle"
	ChannelPredictions = "predictions"
	ChannelSettlement  = "settlement"
	ChannelAgents      = "agents"

	// StreamEvents is the durable journal of every published event.
	StreamEvents = "events"
)
