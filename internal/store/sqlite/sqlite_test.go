package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/store/sqlite"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newStores(t *testing.T) domain.Stores {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db.Stores()
}

func TestMarketRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	fin := t0.Add(time.Hour)
	m := domain.Market{
		ID: "m1", Question: "Will it snow?", Tags: []string{"weather"}, Category: "weather",
		B: domain.Units(100), QYes: domain.Units(5), Collateral: domain.MustAmount("2.612504"),
		State: domain.MarketStateFinalized, SubmissionWindow: time.Hour, DisputeWindow: 2 * time.Hour,
		ResolutionDeadline: t0, CreatedAt: t0.Add(-time.Hour), FinalizedAt: &fin, UpdatedAt: fin,
	}
	require.NoError(t, s.Markets.Upsert(ctx, m))
	require.NoError(t, s.Markets.Upsert(ctx, domain.Market{ID: "m2", Question: "q2", State: domain.MarketStateActive, CreatedAt: t0}))

	got, err := s.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, m.Collateral, got.Collateral)
	assert.Equal(t, 2*time.Hour, got.DisputeWindow)
	assert.True(t, got.FinalizedAt.Equal(fin))
	assert.Equal(t, []string{"weather"}, got.Tags)

	_, err = s.Markets.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	active, err := s.Markets.ListByState(ctx, domain.MarketStateActive, domain.MarketStateDisputable)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "m2", active[0].ID)

	all, err := s.Markets.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "m2", all[0].ID)
}

func TestPositionsTradesClaims(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	p := domain.Position{MarketID: "m1", HolderID: "alice", Outcome: domain.OutcomeYes, Shares: domain.Units(3), UpdatedAt: t0}
	require.NoError(t, s.Positions.Upsert(ctx, p))
	p.Shares = 0
	p.Claimed = true
	require.NoError(t, s.Positions.Upsert(ctx, p))

	ps, err := s.Positions.ListByHolder(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].Claimed)
	assert.Zero(t, ps[0].Shares)

	for i, side := range []domain.TradeSide{domain.TradeSideBuy, domain.TradeSideSell} {
		require.NoError(t, s.Trades.Insert(ctx, domain.Trade{
			ID: string(side), MarketID: "m1", HolderID: "alice", Outcome: domain.OutcomeYes, Side: side,
			Shares: domain.Units(1), Cost: domain.MustAmount("0.51"), PriceYesAfter: 0.51,
			ExecutedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	trades, err := s.Trades.ListByMarket(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.TradeSideBuy, trades[0].Side)
	assert.Equal(t, domain.MustAmount("0.51"), trades[1].Cost)

	c := domain.Claim{MarketID: "m1", HolderID: "alice", Outcome: domain.OutcomeYes, Shares: domain.Units(3), Payout: domain.Units(3), ClaimedAt: t0}
	require.NoError(t, s.Claims.Insert(ctx, c))
	assert.ErrorIs(t, s.Claims.Insert(ctx, c), domain.ErrAlreadyClaimed)
	claims, err := s.Claims.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestAgentsPredictionsResolutions(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	a := domain.Agent{ID: "a1", Name: "tech", Specializations: []string{"crypto"}, Expertise: map[string]int{"btc": 80},
		Stake: domain.Units(50), Active: true, RegisteredAt: t0, UpdatedAt: t0}
	require.NoError(t, s.Agents.Upsert(ctx, a))
	a.Stake = domain.Units(60)
	a.PredictionsMade = 1
	require.NoError(t, s.Agents.Upsert(ctx, a))

	got, err := s.Agents.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.Units(60), got.Stake)
	assert.Equal(t, 80, got.Expertise["btc"])
	list, err := s.Agents.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	p := domain.Prediction{ID: "p1", MarketID: "m1", AgentID: "a1", Outcome: domain.OutcomeYes, Confidence: 70,
		Stake: domain.Units(10), SubmittedAt: t0}
	require.NoError(t, s.Predictions.Upsert(ctx, p))
	p.Outcome = domain.OutcomeNo
	p.Challenge = true
	require.NoError(t, s.Predictions.Upsert(ctx, p))
	preds, err := s.Predictions.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, domain.OutcomeNo, preds[0].Outcome)
	assert.False(t, preds[0].Challenge, "challenge flag is fixed at first insert")

	rec := domain.ResolutionRecord{
		MarketID: "m1", Outcome: domain.OutcomeYes, Probability: 0.652, Confidence: 30,
		Contributions: []domain.Contribution{{PredictionID: "p1", AgentID: "a1", Outcome: domain.OutcomeYes, Confidence: 70, Stake: domain.Units(10), Weight: 0.7}},
		TotalWeight:   0.7, DisputeState: domain.DisputeStateOpen, DisputeDeadline: t0.Add(time.Hour),
		Forfeits: map[string]domain.Amount{"a9": domain.Units(2)}, AggregatedAt: t0,
	}
	require.NoError(t, s.Resolutions.Upsert(ctx, rec))
	rec.DisputeState = domain.DisputeStateFinalized
	require.NoError(t, s.Resolutions.Upsert(ctx, rec))
	gotRec, err := s.Resolutions.GetByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStateFinalized, gotRec.DisputeState)
	assert.Equal(t, domain.Units(2), gotRec.Forfeits["a9"])
	require.Len(t, gotRec.Contributions, 1)
	assert.InDelta(t, 0.7, gotRec.Contributions[0].Weight, 1e-12)

	_, err = s.Resolutions.GetByMarket(ctx, "m2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	require.NoError(t, s.Audit.Log(ctx, "market_created", map[string]any{"market_id": "m1"}))
	require.NoError(t, s.Audit.Log(ctx, "trade", nil))

	entries, err := s.Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	events := []string{entries[0].Event, entries[1].Event}
	assert.ElementsMatch(t, []string{"market_created", "trade"}, events)
}
