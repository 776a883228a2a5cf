package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/analyst"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// PredictionSigner signs predictions for the agent at Address.
// *crypto.Signer implements it.
type PredictionSigner interface {
	Address() string
	SignPrediction(p domain.Prediction) (string, error)
}

// Runner submits predictions on behalf of the agents bound to local
// analysts whenever a market starts awaiting predictions.
type Runner struct {
	panel      *analyst.Panel
	registry   *agent.Registry
	book       *ledger.Book
	resolution *ResolutionService
	signer     PredictionSigner
	stakes     map[string]domain.Amount
	queue      chan string
	logger     *slog.Logger
}

// NewRunner creates a Runner. stakes maps agent ids to the stake put behind
// each prediction; agents without an entry commit all their uncommitted stake.
func NewRunner(panel *analyst.Panel, registry *agent.Registry, book *ledger.Book, resolution *ResolutionService, stakes map[string]domain.Amount, logger *slog.Logger) *Runner {
	return &Runner{
		panel:      panel,
		registry:   registry,
		book:       book,
		resolution: resolution,
		stakes:     stakes,
		queue:      make(chan string, 64),
		logger:     logger.With(slog.String("component", "oracle_runner")),
	}
}

// WithSigner signs predictions of the agent whose address matches signer.
func (r *Runner) WithSigner(signer PredictionSigner) *Runner {
	r.signer = signer
	return r
}

// Enqueue schedules a panel round for a market. It never blocks; a full
// queue drops the request and the market waits for the next trigger.
func (r *Runner) Enqueue(marketID string) {
	select {
	case r.queue <- marketID:
	default:
		r.logger.Warn("runner queue full, dropping round", slog.String("market_id", marketID))
	}
}

// Run processes queued markets until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "oracle runner started", slog.Int("analysts", len(r.registry.Bound())))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-r.queue:
			r.Solicit(ctx, id)
		}
	}
}

// Solicit asks every bound, active analyst about a market and submits
// their predictions. It returns the number of accepted submissions.
func (r *Runner) Solicit(ctx context.Context, marketID string) int {
	l, err := r.book.Get(marketID)
	if err != nil {
		return 0
	}
	m := l.Snapshot()
	if m.State != domain.MarketStateAwaitingPredictions || m.ManualRequired {
		return 0
	}

	analysts := map[string]agent.Analyst{}
	for id, an := range r.registry.Bound() {
		if a, err := r.registry.Get(id); err == nil && a.Active {
			analysts[id] = an
		}
	}
	if len(analysts) == 0 {
		return 0
	}

	accepted := 0
	for _, res := range r.panel.Gather(ctx, analysts, m) {
		if res.Err != nil {
			r.logger.WarnContext(ctx, "analysis failed",
				slog.String("market_id", marketID),
				slog.String("agent_id", res.AgentID),
				slog.String("error", res.Err.Error()),
			)
			continue
		}
		in, ok := r.input(ctx, m, res)
		if !ok {
			continue
		}
		if _, err := r.resolution.Submit(ctx, marketID, in); err != nil {
			r.logger.WarnContext(ctx, "prediction rejected",
				slog.String("market_id", marketID),
				slog.String("agent_id", res.AgentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		accepted++
	}
	r.logger.InfoContext(ctx, "panel round done",
		slog.String("market_id", marketID),
		slog.Int("analysts", len(analysts)),
		slog.Int("accepted", accepted),
	)
	return accepted
}

func (r *Runner) input(ctx context.Context, m domain.Market, res analyst.Result) (consensus.PredictionInput, bool) {
	in := consensus.PredictionInput{
		AgentID:    res.AgentID,
		Outcome:    res.Analysis.Outcome,
		Confidence: res.Analysis.Confidence,
		Reasoning:  res.Analysis.Reasoning,
		Stake:      r.stakes[res.AgentID],
	}
	a, err := r.registry.Get(res.AgentID)
	if err != nil || a.Address == "" {
		return in, err == nil
	}
	if r.signer == nil || !strings.EqualFold(r.signer.Address(), a.Address) {
		r.logger.WarnContext(ctx, "no key for agent address, skipping",
			slog.String("agent_id", a.ID),
			slog.String("address", a.Address),
		)
		return in, false
	}
	sig, err := r.signer.SignPrediction(domain.Prediction{
		MarketID:   m.ID,
		AgentID:    a.ID,
		Outcome:    in.Outcome,
		Confidence: in.Confidence,
		Reasoning:  in.Reasoning,
		Stake:      in.Stake,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "signing failed",
			slog.String("agent_id", a.ID),
			slog.String("error", err.Error()),
		)
		return in, false
	}
	in.Signature = sig
	return in, true
}
