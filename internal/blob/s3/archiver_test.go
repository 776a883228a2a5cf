package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/store/sqlite"
)

type memBlobs struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objs[path] = raw
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objs[path]
	return ok, nil
}

func TestArchiveMarket(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	stores := db.Stores()

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m := domain.Market{ID: "m1", Question: "q", State: domain.MarketStateFinalized, CreatedAt: t0}
	require.NoError(t, stores.Markets.Upsert(ctx, m))
	for i, id := range []string{"t1", "t2"} {
		require.NoError(t, stores.Trades.Insert(ctx, domain.Trade{
			ID: id, MarketID: "m1", HolderID: "alice", Outcome: domain.OutcomeYes, Side: domain.TradeSideBuy,
			Shares: domain.Units(1), Cost: domain.MustAmount("0.5"), ExecutedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, stores.Predictions.Upsert(ctx, domain.Prediction{
		ID: "p1", MarketID: "m1", AgentID: "a1", Outcome: domain.OutcomeYes, Confidence: 70,
		Stake: domain.Units(10), SubmittedAt: t0,
	}))
	require.NoError(t, stores.Resolutions.Upsert(ctx, domain.ResolutionRecord{
		MarketID: "m1", Outcome: domain.OutcomeYes, DisputeState: domain.DisputeStateFinalized, AggregatedAt: t0,
	}))

	blobs := &memBlobs{objs: map[string][]byte{}}
	a := NewArchiver(blobs, blobs, stores)

	_, err = a.ArchiveMarket(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState, "only closed markets are archived")

	m.State = domain.MarketStateClosed
	require.NoError(t, stores.Markets.Upsert(ctx, m))
	n, err := a.ArchiveMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	trades := string(blobs.objs["archive/markets/m1/trades.jsonl"])
	assert.Equal(t, 2, strings.Count(trades, "\n"))
	assert.Contains(t, blobs.objs, "archive/markets/m1/predictions.jsonl")
	assert.Contains(t, string(blobs.objs["archive/markets/m1/resolution.json"]), `"Outcome":"YES"`)
	assert.Contains(t, blobs.objs, "archive/markets/m1/market.json")

	n, err = a.ArchiveMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, n, "second archive is a no-op")

	audit, err := stores.Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "archive.market", audit[0].Event)
}
