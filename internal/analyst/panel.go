package analyst

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Result is one analyst's answer in a panel round.
type Result struct {
	AgentID  string
	Analysis agent.Analysis
	Err      error
}

// Panel queries analysts concurrently with a per-analyst timeout.
type Panel struct {
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewPanel creates a panel. A non-positive concurrency means unbounded.
func NewPanel(timeout time.Duration, concurrency int, logger *slog.Logger) *Panel {
	return &Panel{
		timeout:     timeout,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "analyst_panel")),
	}
}

// Gather asks every analyst about m. Individual failures are reported in
// the result and never abort the round. Results are ordered by agent id.
func (p *Panel) Gather(ctx context.Context, analysts map[string]agent.Analyst, m domain.Market) []Result {
	ids := make([]string, 0, len(analysts))
	for id := range analysts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(WithMarket(ctx, m))
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for i, id := range ids {
		an := analysts[id]
		g.Go(func() error {
			actx := gctx
			if p.timeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(gctx, p.timeout)
				defer cancel()
			}
			a, err := an.ProduceAnalysis(actx, m.Question, m.Criteria)
			results[i] = Result{AgentID: id, Analysis: a, Err: err}
			if err != nil {
				p.logger.WarnContext(ctx, "analyst failed",
					slog.String("agent_id", id),
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
