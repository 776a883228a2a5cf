package domain

import "time"

// Position is a holder's share balance on one outcome of a market.
type Position struct {
	MarketID  string
	HolderID  string
	Outcome   Outcome
	Shares    Amount
	Claimed   bool
	UpdatedAt time.Time
}

// Claim records a settled payout for a holder.
type Claim struct {
	MarketID  string
	HolderID  string
	Outcome   Outcome
	Shares    Amount
	Payout    Amount
	ClaimedAt time.Time
}
