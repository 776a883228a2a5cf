// Package memory provides in-process implementations of the domain cache,
// lock, rate limit and event bus interfaces for single-node deployments
// without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

type price struct {
	yes float64
	ts  time.Time
}

// PriceCache is a map-backed domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]price
}

// NewPriceCache returns an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]price)}
}

func (c *PriceCache) SetPrice(_ context.Context, marketID string, priceYes float64, ts time.Time) error {
	c.mu.Lock()
	c.prices[marketID] = price{yes: priceYes, ts: ts}
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, marketID string) (float64, time.Time, error) {
	c.mu.RLock()
	p, ok := c.prices[marketID]
	c.mu.RUnlock()
	if !ok {
		return 0, time.Time{}, fmt.Errorf("memory: price %s: %w", marketID, domain.ErrNotFound)
	}
	return p.yes, p.ts, nil
}

func (c *PriceCache) GetPrices(_ context.Context, marketIDs []string) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(marketIDs))
	for _, id := range marketIDs {
		if p, ok := c.prices[id]; ok {
			out[id] = p.yes
		}
	}
	return out, nil
}

// RateLimiter is a sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter returns an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-window)
	hits := r.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		r.hits[key] = hits
		return false, nil
	}
	r.hits[key] = append(hits, now)
	return true, nil
}

// LockManager is a process-local domain.LockManager honouring TTLs.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]uint64
	until map[string]time.Time
	seq   uint64
	now   func() time.Time
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]uint64), until: make(map[string]time.Time), now: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok && l.now().Before(l.until[key]) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.seq++
	token := l.seq
	l.held[key] = token
	l.until[key] = l.now().Add(ttl)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
				delete(l.until, key)
			}
		})
	}, nil
}

type subscriber struct {
	pattern string
	ch      chan []byte
}

// SignalBus fans out published payloads to local subscribers and keeps a
// bounded in-memory journal per stream.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[int]subscriber
	nextSub int
	streams map[string][]domain.StreamMessage
	seq     map[string]int64
	maxLen  int
}

// NewSignalBus returns a SignalBus keeping at most maxLen entries per stream.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &SignalBus{
		subs:    make(map[int]subscriber),
		streams: make(map[string][]domain.StreamMessage),
		seq:     make(map[string]int64),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to matching subscribers. Slow subscribers miss
// messages rather than block the publisher.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, 128)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[stream]++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatInt(b.seq[stream], 10),
		Payload: payload,
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries with an ID greater than lastID.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseInt(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseID(id string) (int64, error) {
	switch id {
	case "", "0", "0-0":
		return 0, nil
	}
	return strconv.ParseInt(id, 10, 64)
}

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
)
