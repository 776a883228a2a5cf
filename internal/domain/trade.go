package domain

import "time"

// TradeSide is the direction of a trade against the market maker.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is an executed buy or sell. Cost is the collateral moved into
// (buy) or out of (sell) the market maker, excluding Fee.
type Trade struct {
	ID            string
	MarketID      string
	HolderID      string
	Outcome       Outcome
	Side          TradeSide
	Shares        Amount
	Cost          Amount
	Fee           Amount
	PriceYesAfter float64
	ExecutedAt    time.Time
}

// Signed returns the trade's contribution to market collateral.
func (t Trade) Signed() Amount {
	if t.Side == TradeSideSell {
		return -t.Cost
	}
	return t.Cost
}
