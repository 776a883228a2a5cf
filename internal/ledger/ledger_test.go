package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func params() ledger.MarketParams {
	return ledger.MarketParams{
		Question:         "Will ETH close above 5000 on 2026-06-30?",
		Category:         "crypto",
		B:                domain.Units(100),
		SubmissionWindow: time.Hour,
		DisputeWindow:    2 * time.Hour,
	}
}

func TestNewMarket(t *testing.T) {
	m, err := ledger.NewMarket(params(), t0)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStateActive, m.State)
	assert.Equal(t, amm.MaxLoss(domain.Units(100)), m.Subsidy)
	assert.Equal(t, domain.DataSourceOffchain, m.DataSource)
	assert.NotEmpty(t, m.ID)

	p := params()
	p.B = 0
	p.Subsidy = domain.Units(50)
	m, err = ledger.NewMarket(p, t0)
	require.NoError(t, err)
	assert.LessOrEqual(t, m.Subsidy, domain.Units(50))
	assert.Positive(t, m.B)

	p = params()
	p.Question = " "
	p.FeeBps = 10_000
	_, err = ledger.NewMarket(p, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestTransitions(t *testing.T) {
	assert.True(t, ledger.CanTransition(domain.MarketStateActive, domain.MarketStateResolutionRequested))
	assert.True(t, ledger.CanTransition(domain.MarketStateDisputable, domain.MarketStateAggregating))
	assert.False(t, ledger.CanTransition(domain.MarketStateActive, domain.MarketStateFinalized))
	assert.False(t, ledger.CanTransition(domain.MarketStateClosed, domain.MarketStateActive))
	assert.False(t, ledger.CanTransition(domain.MarketStateFinalized, domain.MarketStateDisputable))

	book := ledger.NewBook()
	m, err := ledger.NewMarket(params(), t0)
	require.NoError(t, err)
	l, err := book.Add(m)
	require.NoError(t, err)

	err = l.Update(t0, func(tx *ledger.Tx) error { return tx.Transition(domain.MarketStateClosed) })
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)
	assert.Equal(t, domain.MarketStateActive, l.Snapshot().State)

	for _, s := range []domain.MarketState{
		domain.MarketStateResolutionRequested,
		domain.MarketStateAwaitingPredictions,
		domain.MarketStateAggregating,
		domain.MarketStateDisputable,
		domain.MarketStateFinalized,
		domain.MarketStateClosed,
	} {
		require.NoError(t, l.Update(t0, func(tx *ledger.Tx) error { return tx.Transition(s) }))
	}
	snap := l.Snapshot()
	require.NotNil(t, snap.FinalizedAt)
	require.NotNil(t, snap.ClosedAt)
}

func TestBookAddGet(t *testing.T) {
	book := ledger.NewBook()
	m, err := ledger.NewMarket(params(), t0)
	require.NoError(t, err)
	_, err = book.Add(m)
	require.NoError(t, err)
	_, err = book.Add(m)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	_, err = book.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m2, err := ledger.NewMarket(params(), t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = book.Add(m2)
	require.NoError(t, err)
	list := book.List()
	require.Len(t, list, 2)
	assert.Equal(t, m.ID, list[0].ID())
}

func buy(t *testing.T, l *ledger.Ledger, holder string, o domain.Outcome, shares domain.Amount) domain.Trade {
	t.Helper()
	var tr domain.Trade
	require.NoError(t, l.Update(t0, func(tx *ledger.Tx) error {
		cost, err := amm.StateOf(*tx.Market()).BuyCost(o, shares)
		if err != nil {
			return err
		}
		tr = domain.Trade{ID: holder + string(o), MarketID: l.ID(), HolderID: holder, Outcome: o,
			Side: domain.TradeSideBuy, Shares: shares, Cost: cost, ExecutedAt: tx.Now()}
		return tx.Execute(tr)
	}))
	return tr
}

func TestRedeem(t *testing.T) {
	book := ledger.NewBook()
	m, _ := ledger.NewMarket(params(), t0)
	l, _ := book.Add(m)
	buy(t, l, "alice", domain.OutcomeYes, domain.Units(3))
	buy(t, l, "alice", domain.OutcomeNo, domain.Units(2))

	require.NoError(t, l.Update(t0, func(tx *ledger.Tx) error {
		yes, no, err := tx.Redeem("alice")
		require.NoError(t, err)
		assert.Equal(t, domain.Units(3), yes.Shares)
		assert.Equal(t, domain.Units(2), no.Shares)
		tx.AddPaidOut(yes.Shares)
		return nil
	}))
	assert.True(t, l.Position("alice", domain.OutcomeYes).Claimed)
	assert.Equal(t, domain.Amount(0), l.Position("alice", domain.OutcomeNo).Shares)
	assert.Equal(t, domain.Units(3), l.Snapshot().QYes, "outstanding quantity is unchanged by redemption")

	err := l.Update(t0, func(tx *ledger.Tx) error {
		_, _, err := tx.Redeem("alice")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	err = l.Update(t0, func(tx *ledger.Tx) error {
		_, _, err := tx.Redeem("bob")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvariantViolationHaltsMarket(t *testing.T) {
	book := ledger.NewBook()
	m, _ := ledger.NewMarket(params(), t0)
	l, _ := book.Add(m)
	buy(t, l, "alice", domain.OutcomeYes, domain.Units(1))

	err := l.Update(t0, func(tx *ledger.Tx) error {
		tx.Market().Collateral += domain.Unit
		return nil
	})
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.True(t, l.Snapshot().Halted)

	err = l.Update(t0, func(tx *ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, domain.ErrMarketHalted)
}

func TestReadOnlyUpdateLeavesMarketClean(t *testing.T) {
	book := ledger.NewBook()
	m, _ := ledger.NewMarket(params(), t0)
	l, _ := book.Add(m)
	before := l.Snapshot().UpdatedAt

	later := t0.Add(time.Minute)
	err := l.Update(later, func(tx *ledger.Tx) error {
		v := tx.View()
		v.Collateral += domain.Units(5)
		assert.Equal(t, domain.MarketStateActive, v.State)
		return nil
	})
	require.NoError(t, err)
	got := l.Snapshot()
	assert.Equal(t, before, got.UpdatedAt, "read-only update does not touch the market")
	assert.Zero(t, got.Collateral)

	err = l.Update(later, func(tx *ledger.Tx) error {
		tx.Market().Tags = append(tx.Market().Tags, "eth")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, later, l.Snapshot().UpdatedAt)
}

func TestRestore(t *testing.T) {
	book := ledger.NewBook()
	m, _ := ledger.NewMarket(params(), t0)
	l, _ := book.Add(m)
	buy(t, l, "alice", domain.OutcomeYes, domain.Units(4))
	buy(t, l, "bob", domain.OutcomeNo, domain.Units(1))
	require.NoError(t, l.Update(t0, func(tx *ledger.Tx) error {
		_, _, err := tx.Redeem("bob")
		return err
	}))

	other := ledger.NewBook()
	r, err := other.Restore(l.Snapshot(), l.Positions(), l.Trades())
	require.NoError(t, err)
	assert.False(t, r.Snapshot().Halted)
	assert.Equal(t, l.Snapshot().Collateral, r.Snapshot().Collateral)

	// tampered history halts on restore
	bad := l.Snapshot()
	bad.ID = "tampered"
	bad.Collateral++
	r, err = other.Restore(bad, nil, nil)
	require.NoError(t, err)
	assert.True(t, r.Snapshot().Halted)
}
