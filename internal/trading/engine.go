// Package trading executes quotes, buys and sells against market ledgers.
package trading

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// DefaultShareStep is 0.01 share.
const DefaultShareStep domain.Amount = 10_000

// Config holds trading parameters.
type Config struct {
	// ShareStep is the trade granularity. Quantities must be positive
	// multiples of it.
	ShareStep domain.Amount
}

// Quote is a priced but unexecuted trade.
type Quote struct {
	MarketID       string           `json:"market_id"`
	Outcome        domain.Outcome   `json:"outcome"`
	Side           domain.TradeSide `json:"side"`
	Shares         domain.Amount    `json:"shares"`
	Cost           domain.Amount    `json:"cost"`
	Fee            domain.Amount    `json:"fee"`
	Total          domain.Amount    `json:"total"` // cost+fee for buys, cost-fee for sells
	AvgPrice       float64          `json:"avg_price"`
	PriceYesBefore float64          `json:"price_yes_before"`
	PriceYesAfter  float64          `json:"price_yes_after"`
}

// Engine validates and executes trades.
type Engine struct {
	book *ledger.Book
	cfg  Config
}

// NewEngine creates a trading engine over book.
func NewEngine(book *ledger.Book, cfg Config) *Engine {
	if cfg.ShareStep <= 0 {
		cfg.ShareStep = DefaultShareStep
	}
	return &Engine{book: book, cfg: cfg}
}

// ShareStep returns the configured trade granularity.
func (e *Engine) ShareStep() domain.Amount { return e.cfg.ShareStep }

// QuoteBuy prices buying shares of outcome without side effects.
func (e *Engine) QuoteBuy(marketID string, outcome domain.Outcome, shares domain.Amount) (Quote, error) {
	return e.quote(marketID, domain.TradeSideBuy, outcome, shares)
}

// QuoteSell prices selling shares of outcome without side effects. It does
// not check holdings.
func (e *Engine) QuoteSell(marketID string, outcome domain.Outcome, shares domain.Amount) (Quote, error) {
	return e.quote(marketID, domain.TradeSideSell, outcome, shares)
}

func (e *Engine) quote(marketID string, side domain.TradeSide, outcome domain.Outcome, shares domain.Amount) (Quote, error) {
	if err := e.validate(outcome, shares); err != nil {
		return Quote{}, err
	}
	l, err := e.book.Get(marketID)
	if err != nil {
		return Quote{}, err
	}
	var (
		q    Quote
		qErr error
	)
	l.View(func(m domain.Market) {
		q, qErr = price(m, side, outcome, shares)
	})
	if qErr != nil {
		return Quote{}, fmt.Errorf("trading: quote %s: %w", marketID, qErr)
	}
	return q, nil
}

// BuyRequest is a buy order against the market maker.
type BuyRequest struct {
	MarketID string
	HolderID string
	Outcome  domain.Outcome
	Shares   domain.Amount
	MaxCost  domain.Amount // upper bound on cost+fee
}

// Buy executes a buy. The quote and the execution happen under the same
// lock, so MaxCost is checked against the executed price.
func (e *Engine) Buy(req BuyRequest, now time.Time) (domain.Trade, error) {
	if err := e.validate(req.Outcome, req.Shares); err != nil {
		return domain.Trade{}, err
	}
	if req.HolderID == "" {
		return domain.Trade{}, fmt.Errorf("trading: buy: holder required: %w", domain.ErrInvalidParams)
	}
	l, err := e.book.Get(req.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}

	var trade domain.Trade
	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Require(domain.MarketStateActive); err != nil {
			return err
		}
		q, err := price(tx.View(), domain.TradeSideBuy, req.Outcome, req.Shares)
		if err != nil {
			return err
		}
		if q.Total > req.MaxCost {
			return fmt.Errorf("trading: buy cost %s exceeds max %s: %w", q.Total, req.MaxCost, domain.ErrSlippageExceeded)
		}
		trade = newTrade(req.MarketID, req.HolderID, q, now)
		return tx.Execute(trade)
	})
	if err != nil {
		return domain.Trade{}, err
	}
	return trade, nil
}

// SellRequest is a sell order against the market maker.
type SellRequest struct {
	MarketID    string
	HolderID    string
	Outcome     domain.Outcome
	Shares      domain.Amount
	MinProceeds domain.Amount // lower bound on proceeds-fee
}

// Sell executes a sell.
func (e *Engine) Sell(req SellRequest, now time.Time) (domain.Trade, error) {
	if err := e.validate(req.Outcome, req.Shares); err != nil {
		return domain.Trade{}, err
	}
	l, err := e.book.Get(req.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}

	var trade domain.Trade
	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Require(domain.MarketStateActive); err != nil {
			return err
		}
		if pos := tx.Position(req.HolderID, req.Outcome); pos.Shares < req.Shares {
			return fmt.Errorf("trading: sell %s of %s: holding %s: %w", req.Shares, req.Outcome, pos.Shares, domain.ErrInsufficientShares)
		}
		q, err := price(tx.View(), domain.TradeSideSell, req.Outcome, req.Shares)
		if err != nil {
			return err
		}
		if q.Total < req.MinProceeds {
			return fmt.Errorf("trading: sell proceeds %s below min %s: %w", q.Total, req.MinProceeds, domain.ErrSlippageExceeded)
		}
		trade = newTrade(req.MarketID, req.HolderID, q, now)
		return tx.Execute(trade)
	})
	if err != nil {
		return domain.Trade{}, err
	}
	return trade, nil
}

func (e *Engine) validate(outcome domain.Outcome, shares domain.Amount) error {
	if !outcome.Valid() {
		return fmt.Errorf("trading: %w: %q", domain.ErrInvalidOutcome, outcome)
	}
	if shares <= 0 || shares%e.cfg.ShareStep != 0 {
		return fmt.Errorf("trading: shares %s must be a positive multiple of %s: %w", shares, e.cfg.ShareStep, domain.ErrInvalidQuantity)
	}
	return nil
}

func price(m domain.Market, side domain.TradeSide, outcome domain.Outcome, shares domain.Amount) (Quote, error) {
	s := amm.StateOf(m)
	q := Quote{
		MarketID:       m.ID,
		Outcome:        outcome,
		Side:           side,
		Shares:         shares,
		PriceYesBefore: s.PriceYes(),
	}
	var err error
	if side == domain.TradeSideBuy {
		q.Cost, err = s.BuyCost(outcome, shares)
		if err != nil {
			return Quote{}, err
		}
		q.Fee = Fee(q.Cost, m.FeeBps)
		q.Total = q.Cost + q.Fee
		q.PriceYesAfter = s.Apply(outcome, shares).PriceYes()
	} else {
		if shares > m.Shares(outcome) {
			return Quote{}, fmt.Errorf("trading: %s outstanding %s shares: %w", m.Shares(outcome), outcome, domain.ErrInsufficientShares)
		}
		q.Cost, err = s.SellProceeds(outcome, shares)
		if err != nil {
			return Quote{}, err
		}
		q.Fee = Fee(q.Cost, m.FeeBps)
		q.Total = q.Cost - q.Fee
		q.PriceYesAfter = s.Apply(outcome, -shares).PriceYes()
	}
	q.AvgPrice = float64(q.Cost) / float64(shares)
	return q, nil
}

// Fee returns ceil(cost*bps/10000).
func Fee(cost domain.Amount, bps int) domain.Amount {
	if bps <= 0 || cost <= 0 {
		return 0
	}
	return (cost*domain.Amount(bps) + 9_999) / 10_000
}

func newTrade(marketID, holderID string, q Quote, now time.Time) domain.Trade {
	return domain.Trade{
		ID:            uuid.NewString(),
		MarketID:      marketID,
		HolderID:      holderID,
		Outcome:       q.Outcome,
		Side:          q.Side,
		Shares:        q.Shares,
		Cost:          q.Cost,
		Fee:           q.Fee,
		PriceYesAfter: q.PriceYesAfter,
		ExecutedAt:    now,
	}
}
