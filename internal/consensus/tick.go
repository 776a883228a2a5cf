package consensus

import (
	"errors"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// Transition reports a lifecycle step taken by Tick.
type Transition struct {
	MarketID string
	From     domain.MarketState
	To       domain.MarketState
	// Record is the resolution record created or finalized by the step.
	Record *domain.ResolutionRecord
	// Err carries a recoverable outcome such as ErrNoValidPredictions.
	Err error
}

// Tick advances every market whose deadline has elapsed at now:
// Active markets past their resolution deadline request resolution,
// closed submission windows aggregate, and closed dispute windows finalize.
func (r *Resolver) Tick(now time.Time) []Transition {
	var out []Transition
	for _, l := range r.book.List() {
		m := l.Snapshot()
		if m.Halted {
			continue
		}
		switch m.State {
		case domain.MarketStateActive:
			if !domain.Elapsed(now, m.ResolutionDeadline) {
				continue
			}
			if _, err := r.RequestResolution(m.ID, now); err == nil {
				out = append(out, Transition{MarketID: m.ID, From: m.State, To: domain.MarketStateAwaitingPredictions})
			}
		case domain.MarketStateAwaitingPredictions:
			if m.ManualRequired || !domain.Elapsed(now, m.SubmissionDeadline) {
				continue
			}
			if t, ok := r.closeSubmissions(l, now); ok {
				out = append(out, t)
			}
		case domain.MarketStateDisputable:
			if !domain.Elapsed(now, m.DisputeDeadline) {
				continue
			}
			if t, ok := r.closeDispute(l, now); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func (r *Resolver) closeSubmissions(l *ledger.Ledger, now time.Time) (Transition, bool) {
	s := r.state(l.ID())
	s.mu.Lock()
	defer s.mu.Unlock()

	m := l.Snapshot()
	if m.State != domain.MarketStateAwaitingPredictions || m.ManualRequired || !domain.Elapsed(now, m.SubmissionDeadline) {
		return Transition{}, false
	}
	rec, err := r.aggregateLocked(l, s, now, false)
	after := l.Snapshot()
	t := Transition{MarketID: m.ID, From: m.State, To: after.State, Record: rec, Err: err}
	if err != nil && !errors.Is(err, domain.ErrNoValidPredictions) {
		return t, after.State != m.State || after.Halted
	}
	return t, true
}

func (r *Resolver) closeDispute(l *ledger.Ledger, now time.Time) (Transition, bool) {
	s := r.state(l.ID())
	s.mu.Lock()
	defer s.mu.Unlock()

	m := l.Snapshot()
	if m.State != domain.MarketStateDisputable || !domain.Elapsed(now, m.DisputeDeadline) || s.record == nil {
		return Transition{}, false
	}
	rec := s.record.Clone()
	if err := r.finalizeLocked(l, &rec, now); err != nil {
		return Transition{MarketID: m.ID, From: m.State, To: m.State, Err: err}, true
	}
	s.record = &rec
	out := rec.Clone()
	return Transition{MarketID: m.ID, From: m.State, To: domain.MarketStateFinalized, Record: &out}, true
}
