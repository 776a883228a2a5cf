package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// ResolutionService drives markets from resolution request to
// finalization and hands finalized markets to settlement.
type ResolutionService struct {
	resolver   *consensus.Resolver
	book       *ledger.Book
	registry   *agent.Registry
	settlement *SettlementService
	journal    *Journal
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.RWMutex
	listeners []func(marketID string)
}

// NewResolutionService creates a ResolutionService.
func NewResolutionService(resolver *consensus.Resolver, book *ledger.Book, registry *agent.Registry, settlement *SettlementService, journal *Journal, now func() time.Time, logger *slog.Logger) *ResolutionService {
	return &ResolutionService{
		resolver:   resolver,
		book:       book,
		registry:   registry,
		settlement: settlement,
		journal:    journal,
		now:        now,
		logger:     logger.With(slog.String("component", "resolution_service")),
	}
}

// OnAwaitingPredictions registers fn to run whenever a market opens or
// reopens its submission window. fn must not block.
func (s *ResolutionService) OnAwaitingPredictions(fn func(marketID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Request opens resolution of an Active market.
func (s *ResolutionService) Request(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := s.resolver.RequestResolution(marketID, s.now())
	if err != nil {
		s.checkHalt(ctx, marketID, err)
		return domain.Market{}, err
	}
	s.journal.Lifecycle(ctx, m, domain.MarketStateActive, nil)
	s.journal.Audit(ctx, "resolution.requested", map[string]any{
		"market_id":           marketID,
		"submission_deadline": m.SubmissionDeadline,
	})
	s.logger.InfoContext(ctx, "resolution requested",
		slog.String("market_id", marketID),
		slog.Time("submission_deadline", m.SubmissionDeadline),
	)
	s.awaiting(marketID)
	return m, nil
}

// Submit records an agent prediction. While the market is disputable it is
// treated as a challenge.
func (s *ResolutionService) Submit(ctx context.Context, marketID string, in consensus.PredictionInput) (consensus.Submission, error) {
	from := s.state(marketID)
	sub, err := s.resolver.SubmitPrediction(marketID, in, s.now())
	return s.apply(ctx, marketID, from, sub, err)
}

// Challenge disputes the current record of a disputable market.
func (s *ResolutionService) Challenge(ctx context.Context, marketID string, in consensus.PredictionInput) (consensus.Submission, error) {
	from := s.state(marketID)
	sub, err := s.resolver.Challenge(marketID, in, s.now())
	return s.apply(ctx, marketID, from, sub, err)
}

// ResolveManually finalizes a market flagged for manual resolution.
func (s *ResolutionService) ResolveManually(ctx context.Context, marketID string, outcome domain.Outcome) (domain.ResolutionRecord, error) {
	now := s.now()
	rec, err := s.resolver.ResolveManually(marketID, outcome, now)
	if err != nil {
		s.checkHalt(ctx, marketID, err)
		return domain.ResolutionRecord{}, err
	}
	s.journal.Record(ctx, rec, now)
	if m, ok := s.snapshot(marketID); ok {
		s.journal.Lifecycle(ctx, m, domain.MarketStateAwaitingPredictions, nil)
	}
	s.journal.Audit(ctx, "resolution.manual", map[string]any{"market_id": marketID, "outcome": string(outcome)})
	s.logger.InfoContext(ctx, "market resolved manually",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
	)
	s.settlement.Finalized(ctx, marketID)
	return rec, nil
}

// Record returns the current resolution record of a market.
func (s *ResolutionService) Record(_ context.Context, marketID string) (domain.ResolutionRecord, error) {
	if _, err := s.book.Get(marketID); err != nil {
		return domain.ResolutionRecord{}, err
	}
	return s.resolver.Record(marketID)
}

// Current returns the current record of a market, or nil when the market
// has not been aggregated yet.
func (s *ResolutionService) Current(ctx context.Context, marketID string) (*domain.ResolutionRecord, error) {
	rec, err := s.Record(ctx, marketID)
	if err != nil {
		if _, merr := s.book.Get(marketID); merr == nil && errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// History returns the overturned records of a market, oldest first.
func (s *ResolutionService) History(_ context.Context, marketID string) []domain.ResolutionRecord {
	return s.resolver.History(marketID)
}

// Predictions returns every prediction and challenge on a market.
func (s *ResolutionService) Predictions(_ context.Context, marketID string) []domain.Prediction {
	return s.resolver.Predictions(marketID)
}

// Tick advances every market with an elapsed deadline and records the
// resulting transitions.
func (s *ResolutionService) Tick(ctx context.Context) []consensus.Transition {
	now := s.now()
	trs := s.resolver.Tick(now)
	for _, tr := range trs {
		m, ok := s.snapshot(tr.MarketID)
		if !ok {
			continue
		}
		s.journal.Lifecycle(ctx, m, tr.From, tr.Err)
		if tr.Record != nil {
			s.journal.Record(ctx, *tr.Record, now)
		}

		attrs := []any{
			slog.String("market_id", tr.MarketID),
			slog.String("from", string(tr.From)),
			slog.String("to", string(tr.To)),
		}
		switch {
		case m.Halted:
			s.journal.Halted(ctx, m)
		case errors.Is(tr.Err, domain.ErrNoValidPredictions) && m.ManualRequired:
			s.logger.WarnContext(ctx, "market needs manual resolution", attrs...)
			s.journal.Audit(ctx, "resolution.manual_required", map[string]any{"market_id": m.ID})
			s.journal.notify(ctx, "manual_required", func(n Notifier) error { return n.ManualRequired(ctx, m) })
		case errors.Is(tr.Err, domain.ErrNoValidPredictions):
			s.logger.InfoContext(ctx, "no valid predictions, submission window extended", attrs...)
			s.awaiting(tr.MarketID)
		case tr.Err != nil:
			s.logger.WarnContext(ctx, "lifecycle step failed", append(attrs, slog.String("error", tr.Err.Error()))...)
		case tr.To == domain.MarketStateAwaitingPredictions:
			s.logger.InfoContext(ctx, "resolution deadline reached", attrs...)
			s.awaiting(tr.MarketID)
		case tr.To == domain.MarketStateFinalized:
			s.logger.InfoContext(ctx, "market finalized", attrs...)
			s.settlement.Finalized(ctx, tr.MarketID)
		default:
			s.logger.InfoContext(ctx, "market advanced", attrs...)
		}
	}
	return trs
}

// apply persists the effects of a submission or challenge.
func (s *ResolutionService) apply(ctx context.Context, marketID string, from domain.MarketState, sub consensus.Submission, err error) (consensus.Submission, error) {
	upheld := errors.Is(err, domain.ErrChallengeRejected) && sub.Record != nil
	if err != nil && !upheld {
		s.checkHalt(ctx, marketID, err)
		return sub, err
	}

	now := s.now()
	p := sub.Prediction
	s.journal.Prediction(ctx, p)
	s.logger.InfoContext(ctx, "prediction recorded",
		slog.String("market_id", marketID),
		slog.String("agent_id", p.AgentID),
		slog.String("outcome", string(p.Outcome)),
		slog.Int("confidence", p.Confidence),
		slog.String("stake", p.Stake.String()),
		slog.Bool("challenge", p.Challenge),
	)
	if a, aerr := s.registry.Get(p.AgentID); aerr == nil {
		s.journal.Agents(ctx, a)
	}
	if sub.Record == nil {
		return sub, err
	}

	s.journal.Record(ctx, *sub.Record, now)
	m, ok := s.snapshot(marketID)
	if ok && m.State != from {
		s.journal.Lifecycle(ctx, m, from, nil)
	}
	if p.Challenge && ok {
		overturned := sub.Overturned != nil
		if overturned {
			s.journal.Publish(ctx, domain.ChannelLifecycle, Event{Type: EventRecord, MarketID: marketID, At: now, Data: *sub.Overturned})
		}
		s.journal.Audit(ctx, "resolution.challenge", map[string]any{
			"market_id":  marketID,
			"agent_id":   p.AgentID,
			"outcome":    string(p.Outcome),
			"overturned": overturned,
		})
		s.journal.notify(ctx, "challenge", func(n Notifier) error { return n.Challenge(ctx, m, p, overturned) })
	}
	if sub.Record.DisputeState == domain.DisputeStateFinalized {
		s.settlement.Finalized(ctx, marketID)
	}
	return sub, err
}

func (s *ResolutionService) awaiting(marketID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.listeners {
		fn(marketID)
	}
}

func (s *ResolutionService) checkHalt(ctx context.Context, marketID string, err error) {
	if !errors.Is(err, domain.ErrInvariantViolation) {
		return
	}
	if m, ok := s.snapshot(marketID); ok && m.Halted {
		s.journal.Halted(ctx, m)
	}
}

func (s *ResolutionService) state(marketID string) domain.MarketState {
	m, _ := s.snapshot(marketID)
	return m.State
}

func (s *ResolutionService) snapshot(marketID string) (domain.Market, bool) {
	l, err := s.book.Get(marketID)
	if err != nil {
		return domain.Market{}, false
	}
	return l.Snapshot(), true
}
