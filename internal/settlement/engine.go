// Package settlement pays out winning positions of finalized markets,
// rewards and slashes the agents that resolved them, and closes markets once
// claims are done.
package settlement

import (
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// Engine settles finalized markets.
type Engine struct {
	book     *ledger.Book
	resolver *consensus.Resolver
	registry *agent.Registry
}

// NewEngine creates a settlement engine.
func NewEngine(book *ledger.Book, resolver *consensus.Resolver, registry *agent.Registry) *Engine {
	return &Engine{book: book, resolver: resolver, registry: registry}
}

// AgentSettlement is the result of settling a market's agents.
type AgentSettlement struct {
	MarketID string
	Outcome  domain.Outcome
	Entries  []domain.AgentSettlement
	Pool     domain.Amount
	Residual domain.Amount
	Agents   []domain.Agent
	Record   domain.ResolutionRecord
}

// Claim pays the holder one unit per winning share and zeroes both of the
// holder's positions. A holder with only losing shares gets a zero payout.
// The first claim on a market freezes its resolution record.
func (e *Engine) Claim(marketID, holderID string, now time.Time) (domain.Claim, error) {
	l, err := e.book.Get(marketID)
	if err != nil {
		return domain.Claim{}, err
	}
	if st := l.Snapshot().State; !st.Claimable() {
		return domain.Claim{}, fmt.Errorf("settlement: claim on %s market %s: %w", st, marketID, domain.ErrInvalidMarketState)
	}

	rec, err := e.resolver.Freeze(marketID)
	if err != nil {
		return domain.Claim{}, err
	}
	if !rec.Manual && rec.TotalWeight <= 0 {
		reason := fmt.Sprintf("finalized record has total weight %v", rec.TotalWeight)
		l.Halt(now, reason)
		return domain.Claim{}, fmt.Errorf("settlement: market %s: %w: %s", marketID, domain.ErrInvariantViolation, reason)
	}

	claim := domain.Claim{MarketID: marketID, HolderID: holderID, Outcome: rec.Outcome, ClaimedAt: now}
	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Require(domain.MarketStateFinalized, domain.MarketStateClosed); err != nil {
			return err
		}
		yes, no, err := tx.Redeem(holderID)
		if err != nil {
			return err
		}
		won := yes
		if rec.Outcome == domain.OutcomeNo {
			won = no
		}
		claim.Shares = won.Shares
		claim.Payout = won.Shares // one unit of collateral per share
		if claim.Payout > 0 {
			tx.AddPaidOut(claim.Payout)
		}
		return nil
	})
	if err != nil {
		return domain.Claim{}, fmt.Errorf("settlement: claim %s/%s: %w", marketID, holderID, err)
	}
	return claim, nil
}

// SettleAgents applies rewards and slashes for a finalized market. Agents
// whose counted prediction missed the outcome lose its stake, and forfeited
// challenge stakes join the pool. Correct agents share the pool pro rata by
// stake, each capped at its own stake. Whatever cannot be distributed stays
// with the record as residual. Stake commitments to the market are released.
func (e *Engine) SettleAgents(marketID string, now time.Time) (AgentSettlement, error) {
	l, err := e.book.Get(marketID)
	if err != nil {
		return AgentSettlement{}, err
	}
	if st := l.Snapshot().State; !st.Claimable() {
		return AgentSettlement{}, fmt.Errorf("settlement: settle agents of %s market %s: %w", st, marketID, domain.ErrInvalidMarketState)
	}
	rec, err := e.resolver.Record(marketID)
	if err != nil {
		return AgentSettlement{}, err
	}
	if rec.DisputeState != domain.DisputeStateFinalized {
		return AgentSettlement{}, fmt.Errorf("settlement: record of %s is %s: %w", marketID, rec.DisputeState, domain.ErrInvalidMarketState)
	}
	if rec.Settled {
		return AgentSettlement{}, fmt.Errorf("settlement: %s: %w", marketID, domain.ErrAlreadySettled)
	}

	entries, pool, residual := Distribute(rec)
	if err := e.registry.CheckSettlement(entries); err != nil {
		return AgentSettlement{}, fmt.Errorf("settlement: %s: %w", marketID, err)
	}
	rec, err = e.resolver.MarkSettled(marketID, residual)
	if err != nil {
		return AgentSettlement{}, err
	}
	agents, err := e.registry.ApplySettlement(entries, now)
	if err != nil {
		return AgentSettlement{}, fmt.Errorf("settlement: apply %s: %w", marketID, err)
	}
	return AgentSettlement{
		MarketID: marketID,
		Outcome:  rec.Outcome,
		Entries:  entries,
		Pool:     pool,
		Residual: residual,
		Agents:   agents,
		Record:   rec,
	}, nil
}

// Distribute computes the agent deltas for a finalized record. The sum of
// all deltas plus residual is zero.
func Distribute(rec domain.ResolutionRecord) (entries []domain.AgentSettlement, pool, residual domain.Amount) {
	var winners []domain.Contribution
	var winStake domain.Amount
	byAgent := map[string]int{}

	for _, c := range rec.Contributions {
		e := domain.AgentSettlement{AgentID: c.AgentID, Correct: c.Outcome == rec.Outcome, Counted: true}
		if e.Correct {
			winners = append(winners, c)
			winStake += c.Stake
		} else {
			e.Delta = -c.Stake
			pool += c.Stake
		}
		byAgent[c.AgentID] = len(entries)
		entries = append(entries, e)
	}

	forfeiters := make([]string, 0, len(rec.Forfeits))
	for id := range rec.Forfeits {
		forfeiters = append(forfeiters, id)
	}
	sort.Strings(forfeiters)
	for _, id := range forfeiters {
		amt := rec.Forfeits[id]
		if amt <= 0 {
			continue
		}
		pool += amt
		if i, ok := byAgent[id]; ok {
			entries[i].Delta -= amt
			continue
		}
		byAgent[id] = len(entries)
		entries = append(entries, domain.AgentSettlement{AgentID: id, Delta: -amt})
	}

	var paid domain.Amount
	if winStake > 0 {
		for _, c := range winners {
			reward := domain.MulDivFloor(pool, c.Stake, winStake)
			if reward > c.Stake {
				reward = c.Stake
			}
			entries[byAgent[c.AgentID]].Delta += reward
			paid += reward
		}
	}
	return entries, pool, pool - paid
}

// Close moves a finalized market to Closed once every position has been
// claimed or the claim timeout has elapsed since finalization. Unclaimed
// positions stay claimable.
func (e *Engine) Close(marketID string, now time.Time) (domain.Market, error) {
	l, err := e.book.Get(marketID)
	if err != nil {
		return domain.Market{}, err
	}
	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Require(domain.MarketStateFinalized); err != nil {
			return err
		}
		m := tx.View()
		timedOut := m.ClaimTimeout > 0 && m.FinalizedAt != nil && domain.Elapsed(now, m.FinalizedAt.Add(m.ClaimTimeout))
		if !tx.AllClaimed() && !timedOut {
			return fmt.Errorf("settlement: market %s has open claims: %w", marketID, domain.ErrDeadlineNotReached)
		}
		return tx.Transition(domain.MarketStateClosed)
	})
	if err != nil {
		return domain.Market{}, err
	}
	return l.Snapshot(), nil
}

// Sweep closes every finalized market that is ready at now and returns the
// closed markets.
func (e *Engine) Sweep(now time.Time) []domain.Market {
	var out []domain.Market
	for _, l := range e.book.List() {
		if l.Snapshot().State != domain.MarketStateFinalized {
			continue
		}
		if m, err := e.Close(l.ID(), now); err == nil {
			out = append(out, m)
		}
	}
	return out
}
