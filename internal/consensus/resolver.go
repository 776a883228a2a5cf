// Package consensus resolves markets from staked, confidence-weighted agent
// predictions. It drives the lifecycle from resolution request through the
// dispute window to finalization.
//
// Lock order: a market's resolver lock is always taken before its ledger
// lock, and the agent registry lock is only ever taken innermost.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// Config holds resolver parameters.
type Config struct {
	// Quorum is the number of distinct specialized agents whose submissions
	// trigger aggregation before the submission window elapses. Zero
	// disables early aggregation.
	Quorum            int
	Weighting         Weighting
	MinChallengeStake domain.Amount
	// RetryWindow extends the submission window once after an aggregation
	// finds no valid predictions. Zero reuses the market's window.
	RetryWindow time.Duration
}

// Verifier checks prediction signatures for agents with a registered
// address.
type Verifier interface {
	VerifyPrediction(address string, p domain.Prediction) error
}

// PredictionInput is a prediction as submitted by an agent.
type PredictionInput struct {
	AgentID    string
	Outcome    domain.Outcome
	Confidence int
	Reasoning  string
	// Stake is the amount put behind the prediction. Zero commits whatever
	// the agent has not committed to other markets.
	Stake     domain.Amount
	Signature string
}

// Submission is the outcome of SubmitPrediction or Challenge.
type Submission struct {
	Prediction domain.Prediction
	// Record is set when the submission caused an aggregation or a
	// finalization.
	Record *domain.ResolutionRecord
	// Overturned is the superseded record when a challenge reopened
	// aggregation.
	Overturned *domain.ResolutionRecord
}

type marketState struct {
	mu          sync.Mutex
	predictions []domain.Prediction // counted set, at most one per agent
	rejected    []domain.Prediction // forfeited challenges
	record      *domain.ResolutionRecord
	history     []domain.ResolutionRecord // overturned records
}

// Resolver runs the consensus protocol for every market in a book.
type Resolver struct {
	book     *ledger.Book
	registry *agent.Registry
	cfg      Config
	verifier Verifier

	mu      sync.Mutex
	markets map[string]*marketState
}

// NewResolver creates a resolver.
func NewResolver(book *ledger.Book, registry *agent.Registry, cfg Config) *Resolver {
	return &Resolver{
		book:     book,
		registry: registry,
		cfg:      cfg,
		markets:  make(map[string]*marketState),
	}
}

// WithVerifier enables signature checks.
func (r *Resolver) WithVerifier(v Verifier) *Resolver {
	r.verifier = v
	return r
}

func (r *Resolver) state(marketID string) *marketState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.markets[marketID]
	if !ok {
		s = &marketState{}
		r.markets[marketID] = s
	}
	return s
}

// Restore loads persisted predictions and the latest record of a market.
// Agents with predictions in an unsettled market are locked again.
func (r *Resolver) Restore(marketID string, predictions []domain.Prediction, rec *domain.ResolutionRecord) {
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.predictions = s.predictions[:0]
	s.rejected = s.rejected[:0]
	for _, p := range predictions {
		if p.Challenge && rec != nil && rec.Forfeits[p.AgentID] > 0 {
			s.rejected = append(s.rejected, p)
			continue
		}
		s.predictions = append(s.predictions, p)
	}
	if rec != nil {
		c := rec.Clone()
		s.record = &c
	}
	if rec == nil || !rec.Settled {
		for _, p := range predictions {
			r.registry.Lock(p.AgentID, marketID, p.Stake)
		}
	}
}

// Record returns the latest resolution record of a market.
func (r *Resolver) Record(marketID string) (domain.ResolutionRecord, error) {
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: record for %s: %w", marketID, domain.ErrNotFound)
	}
	return s.record.Clone(), nil
}

// History returns the overturned records of a market, oldest first.
func (r *Resolver) History(marketID string) []domain.ResolutionRecord {
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResolutionRecord, len(s.history))
	for i, h := range s.history {
		out[i] = h.Clone()
	}
	return out
}

// Predictions returns every prediction of a market, including forfeited
// challenges, in submission order.
func (r *Resolver) Predictions(marketID string) []domain.Prediction {
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Prediction, 0, len(s.predictions)+len(s.rejected))
	out = append(out, s.predictions...)
	out = append(out, s.rejected...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// RequestResolution moves an Active market to AwaitingPredictions and opens
// the submission window. Before the resolution deadline this is only
// allowed for markets flagged as manually resolvable.
func (r *Resolver) RequestResolution(marketID string, now time.Time) (domain.Market, error) {
	l, err := r.book.Get(marketID)
	if err != nil {
		return domain.Market{}, err
	}
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Require(domain.MarketStateActive); err != nil {
			return err
		}
		m := tx.Market()
		if !domain.Elapsed(now, m.ResolutionDeadline) && !m.ManualResolvable {
			return fmt.Errorf("consensus: market %s resolves at %s: %w", marketID, m.ResolutionDeadline.Format(time.RFC3339), domain.ErrDeadlineNotReached)
		}
		if err := tx.Transition(domain.MarketStateResolutionRequested); err != nil {
			return err
		}
		if err := tx.Transition(domain.MarketStateAwaitingPredictions); err != nil {
			return err
		}
		m.SubmissionDeadline = now.Add(m.SubmissionWindow)
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	return l.Snapshot(), nil
}

// SubmitPrediction records an agent's prediction. An agent resubmitting in
// the same window replaces its earlier prediction. While the market is
// Disputable the submission is treated as a challenge. When a quorum of
// specialized agents has submitted, aggregation runs immediately.
func (r *Resolver) SubmitPrediction(marketID string, in PredictionInput, now time.Time) (Submission, error) {
	l, err := r.book.Get(marketID)
	if err != nil {
		return Submission{}, err
	}
	if err := validateInput(in); err != nil {
		return Submission{}, err
	}
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m := l.Snapshot()
	switch {
	case m.State == domain.MarketStateDisputable:
		return r.challengeLocked(l, s, in, now)
	case m.State != domain.MarketStateAwaitingPredictions:
		return Submission{}, fmt.Errorf("consensus: submit to %s market %s: %w", m.State, marketID, domain.ErrInvalidMarketState)
	case m.ManualRequired:
		return Submission{}, fmt.Errorf("consensus: market %s awaits manual resolution: %w", marketID, domain.ErrInvalidMarketState)
	case domain.Elapsed(now, m.SubmissionDeadline):
		return Submission{}, fmt.Errorf("consensus: submission window for %s closed: %w", marketID, domain.ErrDeadlineElapsed)
	}

	p, err := r.admit(m, in, now, 0, false)
	if err != nil {
		return Submission{}, err
	}

	replaced := false
	for i := range s.predictions {
		if s.predictions[i].AgentID == p.AgentID {
			p.ID = s.predictions[i].ID
			s.predictions[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.predictions = append(s.predictions, p)
	}
	sub := Submission{Prediction: p}

	if r.cfg.Quorum > 0 && r.specializedCount(m, s.predictions) >= r.cfg.Quorum {
		rec, err := r.aggregateLocked(l, s, now, true)
		switch {
		case err == nil:
			sub.Record = rec
		case errors.Is(err, domain.ErrNoValidPredictions):
			// keep collecting until the window closes
		default:
			return sub, err
		}
	}
	return sub, nil
}

// admit validates the agent side of a submission and commits its stake.
func (r *Resolver) admit(m domain.Market, in PredictionInput, now time.Time, cycle int, challenge bool) (domain.Prediction, error) {
	a, err := r.registry.Get(in.AgentID)
	if err != nil {
		return domain.Prediction{}, err
	}
	if a.Address != "" && r.verifier != nil {
		// signatures cover the stake as submitted, before defaulting
		signed := domain.Prediction{
			MarketID: m.ID, AgentID: a.ID, Outcome: in.Outcome,
			Confidence: in.Confidence, Reasoning: in.Reasoning,
			Stake: in.Stake, Signature: in.Signature,
		}
		if err := r.verifier.VerifyPrediction(a.Address, signed); err != nil {
			return domain.Prediction{}, fmt.Errorf("consensus: agent %s: %w", a.ID, err)
		}
	}
	stake := in.Stake
	if stake == 0 {
		stake = r.registry.Available(a.ID, m.ID)
	}
	if challenge && stake < r.cfg.MinChallengeStake {
		return domain.Prediction{}, fmt.Errorf("consensus: challenge stake %s below minimum %s: %w", stake, r.cfg.MinChallengeStake, domain.ErrInsufficientStake)
	}

	p := domain.Prediction{
		ID:          uuid.NewString(),
		MarketID:    m.ID,
		AgentID:     a.ID,
		Outcome:     in.Outcome,
		Confidence:  in.Confidence,
		Reasoning:   in.Reasoning,
		Stake:       stake,
		Cycle:       cycle,
		Challenge:   challenge,
		Signature:   in.Signature,
		SubmittedAt: now,
	}
	if _, p.Stake, err = r.registry.Commit(a.ID, m.ID, stake); err != nil {
		return domain.Prediction{}, err
	}
	return p, nil
}

func (r *Resolver) specializedCount(m domain.Market, preds []domain.Prediction) int {
	n := 0
	for _, p := range preds {
		a, err := r.registry.Get(p.AgentID)
		if err == nil && a.Specialized(m.Category) {
			n++
		}
	}
	return n
}

func validateInput(in PredictionInput) error {
	if !in.Outcome.Valid() {
		return fmt.Errorf("consensus: %w: %q", domain.ErrInvalidOutcome, in.Outcome)
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return fmt.Errorf("consensus: %d: %w", in.Confidence, domain.ErrInvalidConfidence)
	}
	if in.Stake < 0 {
		return fmt.Errorf("consensus: stake %s: %w", in.Stake, domain.ErrInvalidQuantity)
	}
	return nil
}

// ballots pairs the counted predictions with current agent stakes.
func (r *Resolver) ballots(preds []domain.Prediction) []Ballot {
	out := make([]Ballot, 0, len(preds))
	for _, p := range preds {
		var stake domain.Amount
		if a, err := r.registry.Get(p.AgentID); err == nil {
			stake = a.Stake
		}
		out = append(out, Ballot{Prediction: p, AgentStake: stake})
	}
	return out
}

// aggregateLocked runs aggregation for a market in AwaitingPredictions. With
// early set, a failed aggregation leaves the market untouched; otherwise a
// failure consumes the retry window or flags the market for manual
// resolution.
func (r *Resolver) aggregateLocked(l *ledger.Ledger, s *marketState, now time.Time, early bool) (*domain.ResolutionRecord, error) {
	m := l.Snapshot()
	res, aggErr := Aggregate(r.ballots(s.predictions), amm.StateOf(m).PriceYes(), r.cfg.Weighting)
	if aggErr != nil && early {
		return nil, aggErr
	}

	var rec *domain.ResolutionRecord
	err := l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Require(domain.MarketStateAwaitingPredictions); err != nil {
			return err
		}
		if err := tx.Transition(domain.MarketStateAggregating); err != nil {
			return err
		}
		mk := tx.Market()
		if aggErr != nil {
			if err := tx.Transition(domain.MarketStateAwaitingPredictions); err != nil {
				return err
			}
			if errors.Is(aggErr, errEvenTie) || mk.Retried {
				mk.ManualRequired = true
				mk.SubmissionDeadline = time.Time{}
				return nil
			}
			mk.Retried = true
			window := r.cfg.RetryWindow
			if window <= 0 {
				window = mk.SubmissionWindow
			}
			mk.SubmissionDeadline = now.Add(window)
			return nil
		}
		if err := tx.Transition(domain.MarketStateDisputable); err != nil {
			return err
		}
		mk.DisputeDeadline = now.Add(mk.DisputeWindow)
		rec = newRecord(m.ID, res, 0, mk.DisputeDeadline, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if aggErr != nil {
		return nil, aggErr
	}
	s.record = rec
	out := rec.Clone()
	return &out, nil
}

func newRecord(marketID string, res Result, cycle int, deadline, now time.Time) *domain.ResolutionRecord {
	return &domain.ResolutionRecord{
		MarketID:        marketID,
		Outcome:         res.Outcome,
		Probability:     res.Probability,
		Confidence:      res.Confidence,
		Contributions:   res.Contributions,
		TotalWeight:     res.TotalWeight,
		Cycle:           cycle,
		TieBroken:       res.TieBroken,
		DisputeState:    domain.DisputeStateOpen,
		DisputeDeadline: deadline,
		Forfeits:        map[string]domain.Amount{},
		AggregatedAt:    now,
	}
}

// Challenge submits a challenge prediction against a Disputable market.
func (r *Resolver) Challenge(marketID string, in PredictionInput, now time.Time) (Submission, error) {
	l, err := r.book.Get(marketID)
	if err != nil {
		return Submission{}, err
	}
	if err := validateInput(in); err != nil {
		return Submission{}, err
	}
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.challengeLocked(l, s, in, now)
}

// challengeLocked evaluates a challenge. A challenge that flips the outcome
// reopens aggregation once, with the challenge counted. A challenge that
// would flip after the reopen was used is rejected and its stake stays
// uncommitted. A challenge that does not flip upholds the outcome: it is
// rejected, its stake is forfeited into the settlement pool and the record
// finalizes.
func (r *Resolver) challengeLocked(l *ledger.Ledger, s *marketState, in PredictionInput, now time.Time) (Submission, error) {
	m := l.Snapshot()
	marketID := m.ID
	if m.State != domain.MarketStateDisputable || s.record == nil {
		return Submission{}, fmt.Errorf("consensus: challenge %s market %s: %w", m.State, marketID, domain.ErrInvalidMarketState)
	}
	if s.record.Frozen {
		return Submission{}, fmt.Errorf("consensus: challenge %s: %w", marketID, domain.ErrRecordFrozen)
	}
	if domain.Elapsed(now, m.DisputeDeadline) {
		return Submission{}, fmt.Errorf("consensus: dispute window for %s closed: %w", marketID, domain.ErrDeadlineElapsed)
	}
	for _, p := range s.predictions {
		if p.AgentID == in.AgentID {
			return Submission{}, fmt.Errorf("consensus: agent %s already counted in %s: %w", in.AgentID, marketID, domain.ErrChallengeRejected)
		}
	}
	for _, p := range s.rejected {
		if p.AgentID == in.AgentID {
			return Submission{}, fmt.Errorf("consensus: agent %s already challenged %s: %w", in.AgentID, marketID, domain.ErrChallengeRejected)
		}
	}

	a, err := r.registry.Get(in.AgentID)
	if err != nil {
		return Submission{}, err
	}
	stake := in.Stake
	if stake == 0 {
		stake = r.registry.Available(a.ID, marketID)
	}
	probe := domain.Prediction{
		ID: "challenge", MarketID: marketID, AgentID: a.ID,
		Outcome: in.Outcome, Confidence: in.Confidence, Stake: stake,
	}
	candidate := append(append([]domain.Prediction(nil), s.predictions...), probe)
	res, aggErr := Aggregate(r.ballots(candidate), amm.StateOf(m).PriceYes(), r.cfg.Weighting)
	flips := aggErr == nil && res.Outcome != s.record.Outcome

	if flips && s.record.Cycle >= 1 {
		return Submission{}, fmt.Errorf("consensus: %s already reopened once: %w", marketID, domain.ErrChallengeRejected)
	}

	p, err := r.admit(m, in, now, s.record.Cycle+1, true)
	if err != nil {
		return Submission{}, err
	}

	if !flips {
		s.rejected = append(s.rejected, p)
		rec := s.record.Clone()
		if rec.Forfeits == nil {
			rec.Forfeits = map[string]domain.Amount{}
		}
		rec.Forfeits[p.AgentID] += p.Stake
		if err := r.finalizeLocked(l, &rec, now); err != nil {
			return Submission{}, err
		}
		s.record = &rec
		out := rec.Clone()
		return Submission{Prediction: p, Record: &out}, fmt.Errorf("consensus: challenge by %s upholds %s: %w", p.AgentID, rec.Outcome, domain.ErrChallengeRejected)
	}

	s.predictions = append(s.predictions, p)
	prevForfeits := s.record.Forfeits
	res, aggErr = Aggregate(r.ballots(s.predictions), amm.StateOf(m).PriceYes(), r.cfg.Weighting)
	if aggErr != nil {
		return Submission{}, fmt.Errorf("consensus: reaggregate %s: %w", marketID, aggErr)
	}

	var rec *domain.ResolutionRecord
	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Transition(domain.MarketStateAggregating); err != nil {
			return err
		}
		if err := tx.Transition(domain.MarketStateDisputable); err != nil {
			return err
		}
		mk := tx.Market()
		mk.DisputeDeadline = now.Add(mk.DisputeWindow)
		rec = newRecord(marketID, res, s.record.Cycle+1, mk.DisputeDeadline, now)
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	for k, v := range prevForfeits {
		rec.Forfeits[k] = v
	}
	old := s.record.Clone()
	old.DisputeState = domain.DisputeStateOverturned
	s.history = append(s.history, old)
	s.record = rec
	out := rec.Clone()
	return Submission{Prediction: p, Record: &out, Overturned: &old}, nil
}

// finalizeLocked moves a Disputable market to Finalized and marks rec.
func (r *Resolver) finalizeLocked(l *ledger.Ledger, rec *domain.ResolutionRecord, now time.Time) error {
	err := l.Update(now, func(tx *ledger.Tx) error {
		return tx.Transition(domain.MarketStateFinalized)
	})
	if err != nil {
		return err
	}
	t := now
	rec.DisputeState = domain.DisputeStateFinalized
	rec.FinalizedAt = &t
	return nil
}

// ResolveManually finalizes a market flagged for manual resolution with an
// operator-supplied outcome. Predictions with positive weight are kept as
// contributions so agents are still settled against the outcome.
func (r *Resolver) ResolveManually(marketID string, outcome domain.Outcome, now time.Time) (domain.ResolutionRecord, error) {
	if !outcome.Valid() {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: %w: %q", domain.ErrInvalidOutcome, outcome)
	}
	l, err := r.book.Get(marketID)
	if err != nil {
		return domain.ResolutionRecord{}, err
	}
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m := l.Snapshot()
	if m.State != domain.MarketStateAwaitingPredictions {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: manual resolve %s market %s: %w", m.State, marketID, domain.ErrInvalidMarketState)
	}
	if !m.ManualRequired {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: market %s: %w", marketID, domain.ErrManualNotRequired)
	}

	err = l.Update(now, func(tx *ledger.Tx) error {
		if err := tx.Transition(domain.MarketStateFinalized); err != nil {
			return err
		}
		tx.Market().ManualRequired = false
		return nil
	})
	if err != nil {
		return domain.ResolutionRecord{}, err
	}

	t := now
	var prob float64
	if outcome == domain.OutcomeYes {
		prob = 1
	}
	rec := &domain.ResolutionRecord{
		MarketID:      marketID,
		Outcome:       outcome,
		Probability:   prob,
		Confidence:    100,
		Contributions: weigh(r.ballots(s.predictions), r.cfg.Weighting),
		Manual:        true,
		DisputeState:  domain.DisputeStateFinalized,
		Forfeits:      map[string]domain.Amount{},
		AggregatedAt:  now,
		FinalizedAt:   &t,
	}
	for _, c := range rec.Contributions {
		rec.TotalWeight += c.Weight
	}
	s.record = rec
	return rec.Clone(), nil
}

// Freeze latches the record of a finalized market against further change.
// It is called before the first claim is paid.
func (r *Resolver) Freeze(marketID string) (domain.ResolutionRecord, error) {
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: freeze %s: %w", marketID, domain.ErrNotFound)
	}
	if s.record.DisputeState != domain.DisputeStateFinalized {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: freeze %s: record is %s: %w", marketID, s.record.DisputeState, domain.ErrInvalidMarketState)
	}
	s.record.Frozen = true
	return s.record.Clone(), nil
}

// MarkSettled records that agent settlement ran and releases the agents'
// stake commitments for the market.
func (r *Resolver) MarkSettled(marketID string, residual domain.Amount) (domain.ResolutionRecord, error) {
	s := r.state(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: settle %s: %w", marketID, domain.ErrNotFound)
	}
	if s.record.Settled {
		return domain.ResolutionRecord{}, fmt.Errorf("consensus: settle %s: %w", marketID, domain.ErrAlreadySettled)
	}
	s.record.Settled = true
	s.record.Residual = residual
	r.registry.ReleaseMarket(marketID)
	return s.record.Clone(), nil
}
