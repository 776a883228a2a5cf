// Package ledger owns per-market state: the market maker quantities,
// collateral, positions, the trade log and the lifecycle state.
//
// Every mutation runs inside Ledger.Update under the market's write lock and
// is followed by an invariant check. A failed check halts the market; all
// later mutations return domain.ErrMarketHalted.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

type posKey struct {
	holder  string
	outcome domain.Outcome
}

// Ledger is the state of a single market.
type Ledger struct {
	mu        sync.RWMutex
	market    domain.Market
	positions map[posKey]*domain.Position
	trades    []domain.Trade
	redeemed  map[domain.Outcome]domain.Amount
}

func newLedger(m domain.Market) *Ledger {
	return &Ledger{
		market:    m,
		positions: make(map[posKey]*domain.Position),
		redeemed:  make(map[domain.Outcome]domain.Amount),
	}
}

// ID returns the market id.
func (l *Ledger) ID() string {
	return l.market.ID
}

// Snapshot returns a copy of the market.
func (l *Ledger) Snapshot() domain.Market {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneMarket(l.market)
}

// Position returns the holder's position on outcome o. A missing position
// is returned with zero shares.
func (l *Ledger) Position(holder string, o domain.Outcome) domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.position(holder, o)
}

func (l *Ledger) position(holder string, o domain.Outcome) domain.Position {
	if p, ok := l.positions[posKey{holder, o}]; ok {
		return *p
	}
	return domain.Position{MarketID: l.market.ID, HolderID: holder, Outcome: o}
}

// Positions returns every position, sorted by holder then outcome.
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HolderID != out[j].HolderID {
			return out[i].HolderID < out[j].HolderID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// Trades returns a copy of the trade log in execution order.
func (l *Ledger) Trades() []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Trade(nil), l.trades...)
}

// View runs fn under the read lock. fn must not retain m.
func (l *Ledger) View(fn func(m domain.Market)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.market)
}

// Update runs fn under the market's write lock and verifies invariants
// afterwards. Errors returned by fn are passed through unchanged; fn is
// responsible for leaving the state untouched when it fails.
func (l *Ledger) Update(now time.Time, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.market.Halted {
		return fmt.Errorf("ledger: market %s: %w: %s", l.market.ID, domain.ErrMarketHalted, l.market.HaltReason)
	}

	tx := &Tx{l: l, now: now}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	l.market.UpdatedAt = now
	if err := l.checkInvariants(); err != nil {
		l.market.Halted = true
		l.market.HaltReason = err.Error()
		return fmt.Errorf("ledger: market %s halted: %w", l.market.ID, err)
	}
	return nil
}

// Halt stops all further mutation of the market. It is used when corrupt
// state is detected outside the ledger's own accounting checks.
func (l *Ledger) Halt(now time.Time, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.market.Halted {
		return
	}
	l.market.Halted = true
	l.market.HaltReason = reason
	l.market.UpdatedAt = now
}

// checkInvariants verifies the accounting identities of the market.
func (l *Ledger) checkInvariants() error {
	m := l.market

	var collateral domain.Amount
	for _, t := range l.trades {
		collateral += t.Signed()
	}
	if collateral != m.Collateral {
		return fmt.Errorf("%w: collateral %s != trade sum %s", domain.ErrInvariantViolation, m.Collateral, collateral)
	}

	held := map[domain.Outcome]domain.Amount{}
	for _, p := range l.positions {
		if p.Shares < 0 {
			return fmt.Errorf("%w: negative position %s/%s", domain.ErrInvariantViolation, p.HolderID, p.Outcome)
		}
		held[p.Outcome] += p.Shares
	}
	for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		if held[o]+l.redeemed[o] != m.Shares(o) {
			return fmt.Errorf("%w: %s shares %s != positions %s", domain.ErrInvariantViolation, o, m.Shares(o), held[o]+l.redeemed[o])
		}
	}

	if !amm.StateOf(m).Solvent(m.Collateral, m.Subsidy) {
		return fmt.Errorf("%w: collateral %s plus subsidy %s below liability", domain.ErrInvariantViolation, m.Collateral, m.Subsidy)
	}
	if m.PaidOut > m.Collateral+m.Subsidy {
		return fmt.Errorf("%w: paid out %s exceeds funds", domain.ErrInvariantViolation, m.PaidOut)
	}
	return nil
}

func cloneMarket(m domain.Market) domain.Market {
	m.Tags = append([]string(nil), m.Tags...)
	if m.FinalizedAt != nil {
		t := *m.FinalizedAt
		m.FinalizedAt = &t
	}
	if m.ClosedAt != nil {
		t := *m.ClosedAt
		m.ClosedAt = &t
	}
	return m
}
