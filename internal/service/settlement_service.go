package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
	"github.com/alanyoungcy/duckoracle/internal/settlement"
)

// SettlementService pays claims, settles agents and closes markets.
type SettlementService struct {
	engine   *settlement.Engine
	resolver *consensus.Resolver
	book     *ledger.Book
	journal  *Journal
	archiver domain.Archiver
	now      func() time.Time
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(engine *settlement.Engine, resolver *consensus.Resolver, book *ledger.Book, journal *Journal, now func() time.Time, logger *slog.Logger) *SettlementService {
	return &SettlementService{
		engine:   engine,
		resolver: resolver,
		book:     book,
		journal:  journal,
		now:      now,
		logger:   logger.With(slog.String("component", "settlement_service")),
	}
}

// WithArchiver archives markets as they close.
func (s *SettlementService) WithArchiver(a domain.Archiver) *SettlementService {
	s.archiver = a
	return s
}

// Finalized settles the agents of a freshly finalized market and announces
// the outcome. A market already settled is left alone.
func (s *SettlementService) Finalized(ctx context.Context, marketID string) {
	res, err := s.SettleAgents(ctx, marketID)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadySettled) {
			s.logger.WarnContext(ctx, "agent settlement failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if l, err := s.book.Get(marketID); err == nil {
		m := l.Snapshot()
		s.journal.notify(ctx, "finalized", func(n Notifier) error { return n.MarketFinalized(ctx, m, res.Record) })
	}
}

// SettleAgents rewards and slashes the agents of a finalized market.
func (s *SettlementService) SettleAgents(ctx context.Context, marketID string) (settlement.AgentSettlement, error) {
	now := s.now()
	res, err := s.engine.SettleAgents(marketID, now)
	if err != nil {
		return settlement.AgentSettlement{}, err
	}
	s.journal.Agents(ctx, res.Agents...)
	s.journal.Record(ctx, res.Record, now)
	s.journal.Publish(ctx, domain.ChannelSettlement, Event{Type: EventSettlement, MarketID: marketID, At: now, Data: res.Entries})
	s.journal.Audit(ctx, "settlement.agents", map[string]any{
		"market_id": marketID,
		"outcome":   string(res.Outcome),
		"pool":      res.Pool.String(),
		"residual":  res.Residual.String(),
		"agents":    len(res.Entries),
	})
	s.logger.InfoContext(ctx, "agents settled",
		slog.String("market_id", marketID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("pool", res.Pool.String()),
		slog.String("residual", res.Residual.String()),
	)
	return res, nil
}

// Claim pays out a holder's winning shares.
func (s *SettlementService) Claim(ctx context.Context, marketID, holderID string) (domain.Claim, error) {
	l, err := s.book.Get(marketID)
	if err != nil {
		return domain.Claim{}, err
	}
	firstClaim := !s.frozen(marketID)
	c, err := s.engine.Claim(marketID, holderID, s.now())
	if err != nil {
		if m := l.Snapshot(); m.Halted && errors.Is(err, domain.ErrInvariantViolation) {
			s.journal.Halted(ctx, m)
		}
		return domain.Claim{}, err
	}

	if firstClaim {
		if rec, err := s.resolver.Record(marketID); err == nil {
			s.journal.Record(ctx, rec, c.ClaimedAt)
		}
	}
	s.journal.Claim(ctx, c)
	s.journal.Positions(ctx, l.Position(holderID, domain.OutcomeYes), l.Position(holderID, domain.OutcomeNo))
	s.journal.Market(ctx, l.Snapshot())
	s.logger.InfoContext(ctx, "claim paid",
		slog.String("market_id", marketID),
		slog.String("holder_id", holderID),
		slog.String("payout", c.Payout.String()),
	)
	return c, nil
}

// Claims returns the persisted claims of a market.
func (s *SettlementService) Claims(ctx context.Context, marketID string) ([]domain.Claim, error) {
	out, err := s.journal.stores.Claims.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement service: list claims %s: %w", marketID, err)
	}
	return out, nil
}

// Close closes a finalized market once its claims are done.
func (s *SettlementService) Close(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := s.engine.Close(marketID, s.now())
	if err != nil {
		return domain.Market{}, err
	}
	s.closed(ctx, m)
	return m, nil
}

// Sweep closes every market that is ready to close.
func (s *SettlementService) Sweep(ctx context.Context) []domain.Market {
	closed := s.engine.Sweep(s.now())
	for _, m := range closed {
		s.closed(ctx, m)
	}
	return closed
}

func (s *SettlementService) closed(ctx context.Context, m domain.Market) {
	s.journal.Lifecycle(ctx, m, domain.MarketStateFinalized, nil)
	s.journal.Audit(ctx, "market.closed", map[string]any{"market_id": m.ID, "paid_out": m.PaidOut.String()})
	s.logger.InfoContext(ctx, "market closed", slog.String("market_id", m.ID))
	if s.archiver == nil {
		return
	}
	n, err := s.archiver.ArchiveMarket(ctx, m.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "archive failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "market archived", slog.String("market_id", m.ID), slog.Int64("trades", n))
}

func (s *SettlementService) frozen(marketID string) bool {
	rec, err := s.resolver.Record(marketID)
	return err == nil && rec.Frozen
}
