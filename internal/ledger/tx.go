package ledger

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// transitions lists the allowed lifecycle edges.
var transitions = map[domain.MarketState][]domain.MarketState{
	domain.MarketStateActive:              {domain.MarketStateResolutionRequested},
	domain.MarketStateResolutionRequested: {domain.MarketStateAwaitingPredictions},
	domain.MarketStateAwaitingPredictions: {domain.MarketStateAggregating, domain.MarketStateFinalized},
	domain.MarketStateAggregating:         {domain.MarketStateDisputable, domain.MarketStateAwaitingPredictions},
	domain.MarketStateDisputable:          {domain.MarketStateAggregating, domain.MarketStateFinalized},
	domain.MarketStateFinalized:           {domain.MarketStateClosed},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to domain.MarketState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tx is a mutation in progress on one ledger. It is only valid inside the
// Update callback that received it.
type Tx struct {
	l     *Ledger
	now   time.Time
	dirty bool
}

// Now returns the timestamp the update runs at.
func (tx *Tx) Now() time.Time { return tx.now }

// View returns a copy of the market. Reading through it does not trigger the
// invariant check.
func (tx *Tx) View() domain.Market { return cloneMarket(tx.l.market) }

// Market returns the mutable market. Callers that modify it directly must
// keep the accounting identities intact.
func (tx *Tx) Market() *domain.Market {
	tx.dirty = true
	return &tx.l.market
}

// State returns the current lifecycle state.
func (tx *Tx) State() domain.MarketState { return tx.l.market.State }

// Require returns domain.ErrInvalidMarketState unless the market is in one
// of states.
func (tx *Tx) Require(states ...domain.MarketState) error {
	for _, s := range states {
		if tx.l.market.State == s {
			return nil
		}
	}
	return fmt.Errorf("ledger: market %s is %s: %w", tx.l.market.ID, tx.l.market.State, domain.ErrInvalidMarketState)
}

// Transition moves the market to state to.
func (tx *Tx) Transition(to domain.MarketState) error {
	from := tx.l.market.State
	if !CanTransition(from, to) {
		return fmt.Errorf("ledger: market %s: %s -> %s: %w", tx.l.market.ID, from, to, domain.ErrInvalidMarketState)
	}
	tx.dirty = true
	tx.l.market.State = to
	switch to {
	case domain.MarketStateFinalized:
		t := tx.now
		tx.l.market.FinalizedAt = &t
	case domain.MarketStateClosed:
		t := tx.now
		tx.l.market.ClosedAt = &t
	}
	return nil
}

// Position returns the holder's current position on o.
func (tx *Tx) Position(holder string, o domain.Outcome) domain.Position {
	return tx.l.position(holder, o)
}

// Execute records a trade: it moves the outcome quantity, collateral, fee
// and the holder's position together. Sells must carry a positive Shares
// value and are rejected if the holder's position is too small.
func (tx *Tx) Execute(t domain.Trade) error {
	m := &tx.l.market
	signed := t.Shares
	if t.Side == domain.TradeSideSell {
		signed = -t.Shares
	}

	key := posKey{t.HolderID, t.Outcome}
	pos, ok := tx.l.positions[key]
	if !ok {
		pos = &domain.Position{MarketID: m.ID, HolderID: t.HolderID, Outcome: t.Outcome}
	}
	if pos.Shares+signed < 0 {
		return fmt.Errorf("ledger: holder %s has %s %s shares: %w", t.HolderID, pos.Shares, t.Outcome, domain.ErrInsufficientShares)
	}

	tx.dirty = true
	pos.Shares += signed
	pos.UpdatedAt = tx.now
	tx.l.positions[key] = pos

	if t.Outcome == domain.OutcomeYes {
		m.QYes += signed
	} else {
		m.QNo += signed
	}
	m.Collateral += t.Signed()
	m.FeesCollected += t.Fee
	m.Volume += t.Cost
	tx.l.trades = append(tx.l.trades, t)
	return nil
}

// Redeem zeroes both of the holder's positions, marks them claimed and
// returns them as they were before redemption. Payout accounting is the
// caller's responsibility via AddPaidOut.
func (tx *Tx) Redeem(holder string) (yes, no domain.Position, err error) {
	yesPos, hasYes := tx.l.positions[posKey{holder, domain.OutcomeYes}]
	noPos, hasNo := tx.l.positions[posKey{holder, domain.OutcomeNo}]
	if !hasYes && !hasNo {
		return yes, no, fmt.Errorf("ledger: holder %s in market %s: %w", holder, tx.l.market.ID, domain.ErrNotFound)
	}
	if (hasYes && yesPos.Claimed) || (hasNo && noPos.Claimed) {
		return yes, no, fmt.Errorf("ledger: holder %s in market %s: %w", holder, tx.l.market.ID, domain.ErrAlreadyClaimed)
	}

	tx.dirty = true
	if hasYes {
		yes = *yesPos
		tx.l.redeemed[domain.OutcomeYes] += yesPos.Shares
		yesPos.Shares = 0
		yesPos.Claimed = true
		yesPos.UpdatedAt = tx.now
	}
	if hasNo {
		no = *noPos
		tx.l.redeemed[domain.OutcomeNo] += noPos.Shares
		noPos.Shares = 0
		noPos.Claimed = true
		noPos.UpdatedAt = tx.now
	}
	return yes, no, nil
}

// AddPaidOut records a payout.
func (tx *Tx) AddPaidOut(a domain.Amount) {
	tx.dirty = true
	tx.l.market.PaidOut += a
}

// AllClaimed reports whether every non-empty position has been redeemed.
func (tx *Tx) AllClaimed() bool {
	for _, p := range tx.l.positions {
		if !p.Claimed && p.Shares > 0 {
			return false
		}
	}
	return true
}
