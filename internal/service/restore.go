package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

// RestoreStats counts what Restore loaded.
type RestoreStats struct {
	Agents      int
	Markets     int
	Predictions int
	Halted      int
}

// Restore rebuilds the in-memory engines from the stores. Agents load
// first so that resolving markets can lock their predictors again.
func Restore(ctx context.Context, stores domain.Stores, book *ledger.Book, registry *agent.Registry, resolver *consensus.Resolver, logger *slog.Logger) (RestoreStats, error) {
	var st RestoreStats

	agents, err := stores.Agents.List(ctx, domain.ListOpts{})
	if err != nil {
		return st, fmt.Errorf("service: restore agents: %w", err)
	}
	for _, a := range agents {
		registry.Restore(a)
	}
	st.Agents = len(agents)

	markets, err := stores.Markets.List(ctx, domain.ListOpts{})
	if err != nil {
		return st, fmt.Errorf("service: restore markets: %w", err)
	}
	for _, m := range markets {
		positions, err := stores.Positions.ListByMarket(ctx, m.ID)
		if err != nil {
			return st, fmt.Errorf("service: restore positions of %s: %w", m.ID, err)
		}
		trades, err := stores.Trades.ListByMarket(ctx, m.ID, domain.ListOpts{})
		if err != nil {
			return st, fmt.Errorf("service: restore trades of %s: %w", m.ID, err)
		}
		l, err := book.Restore(m, positions, trades)
		if err != nil {
			return st, err
		}
		if snap := l.Snapshot(); snap.Halted {
			st.Halted++
			logger.WarnContext(ctx, "restored market is halted",
				slog.String("market_id", m.ID),
				slog.String("reason", snap.HaltReason),
			)
		}

		preds, err := stores.Predictions.ListByMarket(ctx, m.ID)
		if err != nil {
			return st, fmt.Errorf("service: restore predictions of %s: %w", m.ID, err)
		}
		var rec *domain.ResolutionRecord
		r, err := stores.Resolutions.GetByMarket(ctx, m.ID)
		switch {
		case err == nil:
			rec = &r
		case !errors.Is(err, domain.ErrNotFound):
			return st, fmt.Errorf("service: restore resolution of %s: %w", m.ID, err)
		}
		if len(preds) > 0 || rec != nil {
			resolver.Restore(m.ID, preds, rec)
		}
		st.Predictions += len(preds)
	}
	st.Markets = len(markets)

	logger.InfoContext(ctx, "state restored",
		slog.Int("agents", st.Agents),
		slog.Int("markets", st.Markets),
		slog.Int("predictions", st.Predictions),
		slog.Int("halted", st.Halted),
	)
	return st, nil
}
