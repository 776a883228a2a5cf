package trading_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
	"github.com/alanyoungcy/duckoracle/internal/trading"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMarket(t *testing.T, book *ledger.Book, b domain.Amount, feeBps int) string {
	t.Helper()
	m, err := ledger.NewMarket(ledger.MarketParams{
		Question:         "Will it rain in Lisbon tomorrow?",
		B:                b,
		FeeBps:           feeBps,
		SubmissionWindow: time.Hour,
		DisputeWindow:    time.Hour,
	}, t0)
	require.NoError(t, err)
	_, err = book.Add(m)
	require.NoError(t, err)
	return m.ID
}

func TestBuyMovesPriceAndCollateral(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(100), 0)
	eng := trading.NewEngine(book, trading.Config{})

	q, err := eng.QuoteBuy(id, domain.OutcomeYes, domain.Units(50))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, q.PriceYesBefore, 1e-12)

	tr, err := eng.Buy(trading.BuyRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeYes,
		Shares: domain.Units(50), MaxCost: domain.Units(30),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, q.Cost, tr.Cost, "quote must match execution at unchanged state")

	l, err := book.Get(id)
	require.NoError(t, err)
	m := l.Snapshot()
	assert.Equal(t, domain.Units(50), m.QYes)
	assert.Equal(t, tr.Cost, m.Collateral)
	assert.Equal(t, domain.Units(50), l.Position("alice", domain.OutcomeYes).Shares)
	assert.Greater(t, tr.PriceYesAfter, 0.5)
	assert.Len(t, l.Trades(), 1)
}

func TestBuySlippage(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(100), 0)
	eng := trading.NewEngine(book, trading.Config{})

	_, err := eng.Buy(trading.BuyRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeYes,
		Shares: domain.Units(50), MaxCost: domain.Units(28),
	}, t0)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	l, _ := book.Get(id)
	assert.Equal(t, domain.Amount(0), l.Snapshot().QYes, "failed trade must not change state")
}

func TestSellValidation(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(100), 0)
	eng := trading.NewEngine(book, trading.Config{})

	_, err := eng.Buy(trading.BuyRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeNo,
		Shares: domain.Units(10), MaxCost: domain.Units(10),
	}, t0)
	require.NoError(t, err)

	_, err = eng.Sell(trading.SellRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeNo, Shares: domain.Units(11),
	}, t0)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = eng.Sell(trading.SellRequest{
		MarketID: id, HolderID: "bob", Outcome: domain.OutcomeNo, Shares: domain.Units(1),
	}, t0)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = eng.Sell(trading.SellRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeNo,
		Shares: domain.Units(5), MinProceeds: domain.Units(5),
	}, t0)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	tr, err := eng.Sell(trading.SellRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeNo,
		Shares: domain.Units(5), MinProceeds: domain.Units(2),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeSideSell, tr.Side)

	l, _ := book.Get(id)
	assert.Equal(t, domain.Units(5), l.Position("alice", domain.OutcomeNo).Shares)
}

func TestGranularityAndOutcome(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(100), 0)
	eng := trading.NewEngine(book, trading.Config{ShareStep: domain.Unit})

	_, err := eng.QuoteBuy(id, domain.OutcomeYes, domain.MustAmount("1.5"))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = eng.QuoteBuy(id, domain.OutcomeYes, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = eng.QuoteBuy(id, "maybe", domain.Unit)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = eng.QuoteBuy("missing", domain.OutcomeYes, domain.Unit)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTradingOnlyWhileActive(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(100), 0)
	eng := trading.NewEngine(book, trading.Config{})

	l, _ := book.Get(id)
	require.NoError(t, l.Update(t0, func(tx *ledger.Tx) error {
		return tx.Transition(domain.MarketStateResolutionRequested)
	}))

	_, err := eng.Buy(trading.BuyRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeYes,
		Shares: domain.Unit, MaxCost: domain.Units(1),
	}, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)
}

func TestFeesAreTrackedOutsideCollateral(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(100), 200) // 2%
	eng := trading.NewEngine(book, trading.Config{})

	tr, err := eng.Buy(trading.BuyRequest{
		MarketID: id, HolderID: "alice", Outcome: domain.OutcomeYes,
		Shares: domain.Units(10), MaxCost: domain.Units(10),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, trading.Fee(tr.Cost, 200), tr.Fee)
	assert.Positive(t, tr.Fee)

	l, _ := book.Get(id)
	m := l.Snapshot()
	assert.Equal(t, tr.Cost, m.Collateral)
	assert.Equal(t, tr.Fee, m.FeesCollected)
}

func TestFeeRoundsUp(t *testing.T) {
	assert.Equal(t, domain.Amount(0), trading.Fee(domain.Units(1), 0))
	assert.Equal(t, domain.Amount(1), trading.Fee(1, 1))
	assert.Equal(t, domain.Amount(20_000), trading.Fee(domain.Units(1), 200))
}

func TestConcurrentTradesKeepCollateralEqualToTradeSum(t *testing.T) {
	book := ledger.NewBook()
	id := newMarket(t, book, domain.Units(20), 0)
	eng := trading.NewEngine(book, trading.Config{})

	var wg sync.WaitGroup
	holders := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			o := domain.OutcomeYes
			if i%2 == 1 {
				o = domain.OutcomeNo
			}
			for j := 0; j < 25; j++ {
				_, err := eng.Buy(trading.BuyRequest{
					MarketID: id, HolderID: h, Outcome: o,
					Shares: domain.MustAmount("0.5"), MaxCost: domain.Units(1),
				}, t0)
				assert.NoError(t, err)
				if j%5 == 4 {
					_, err = eng.Sell(trading.SellRequest{
						MarketID: id, HolderID: h, Outcome: o, Shares: domain.MustAmount("0.5"),
					}, t0)
					assert.NoError(t, err)
				}
			}
		}(i, h)
	}
	wg.Wait()

	l, _ := book.Get(id)
	m := l.Snapshot()
	var sum domain.Amount
	for _, tr := range l.Trades() {
		sum += tr.Signed()
	}
	assert.Equal(t, sum, m.Collateral)
	assert.False(t, m.Halted)
	assert.Equal(t, domain.Units(40), m.QYes)
	assert.Equal(t, domain.Units(40), m.QNo)
}
