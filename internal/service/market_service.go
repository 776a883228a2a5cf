package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
	"github.com/alanyoungcy/duckoracle/internal/trading"
)

// MarketDefaults fills market parameters a creator leaves unset.
type MarketDefaults struct {
	B                domain.Amount
	FeeBps           int
	SubmissionWindow time.Duration
	DisputeWindow    time.Duration
	ClaimTimeout     time.Duration
}

// CreateMarketInput describes a new market. Zero durations and a zero B and
// Subsidy take the defaults; FeeBps nil takes the default fee.
type CreateMarketInput struct {
	Question           string
	Criteria           string
	Description        string
	Category           string
	Tags               []string
	DataSource         domain.DataSource
	Creator            string
	B                  domain.Amount
	Subsidy            domain.Amount
	FeeBps             *int
	ResolutionDeadline time.Time
	SubmissionWindow   time.Duration
	DisputeWindow      time.Duration
	ClaimTimeout       time.Duration
	ManualResolvable   bool
}

// MarketService creates markets and executes trades.
type MarketService struct {
	book     *ledger.Book
	trading  *trading.Engine
	journal  *Journal
	defaults MarketDefaults
	now      func() time.Time
	logger   *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(book *ledger.Book, eng *trading.Engine, journal *Journal, defaults MarketDefaults, now func() time.Time, logger *slog.Logger) *MarketService {
	return &MarketService{
		book:     book,
		trading:  eng,
		journal:  journal,
		defaults: defaults,
		now:      now,
		logger:   logger.With(slog.String("component", "market_service")),
	}
}

// Create validates in and opens an Active market.
func (s *MarketService) Create(ctx context.Context, in CreateMarketInput) (domain.Market, error) {
	p := ledger.MarketParams{
		Question:           in.Question,
		Criteria:           in.Criteria,
		Description:        in.Description,
		Category:           in.Category,
		Tags:               in.Tags,
		DataSource:         in.DataSource,
		Creator:            in.Creator,
		B:                  in.B,
		Subsidy:            in.Subsidy,
		FeeBps:             s.defaults.FeeBps,
		ResolutionDeadline: in.ResolutionDeadline,
		SubmissionWindow:   orDefault(in.SubmissionWindow, s.defaults.SubmissionWindow),
		DisputeWindow:      orDefault(in.DisputeWindow, s.defaults.DisputeWindow),
		ClaimTimeout:       orDefault(in.ClaimTimeout, s.defaults.ClaimTimeout),
		ManualResolvable:   in.ManualResolvable,
	}
	if in.FeeBps != nil {
		p.FeeBps = *in.FeeBps
	}
	if p.B <= 0 && p.Subsidy <= 0 {
		p.B = s.defaults.B
	}

	now := s.now()
	m, err := ledger.NewMarket(p, now)
	if err != nil {
		return domain.Market{}, err
	}
	if _, err := s.book.Add(m); err != nil {
		return domain.Market{}, fmt.Errorf("market service: add %s: %w", m.ID, err)
	}

	s.journal.Market(ctx, m)
	s.journal.Publish(ctx, domain.ChannelLifecycle, Event{Type: EventMarketCreated, MarketID: m.ID, At: now, Data: m})
	s.journal.Audit(ctx, "market.created", map[string]any{
		"market_id": m.ID,
		"creator":   m.Creator,
		"b":         m.B.String(),
		"subsidy":   m.Subsidy.String(),
	})
	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("question", m.Question),
		slog.String("b", m.B.String()),
	)
	return m, nil
}

// Get returns a market snapshot.
func (s *MarketService) Get(_ context.Context, id string) (domain.Market, error) {
	l, err := s.book.Get(id)
	if err != nil {
		return domain.Market{}, err
	}
	return l.Snapshot(), nil
}

// List returns markets newest first, optionally filtered by state.
func (s *MarketService) List(_ context.Context, state domain.MarketState, opts domain.ListOpts) []domain.Market {
	var out []domain.Market
	for _, l := range s.book.List() {
		m := l.Snapshot()
		if state != "" && m.State != state {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, opts)
}

// Positions returns the positions held in a market.
func (s *MarketService) Positions(_ context.Context, id string) ([]domain.Position, error) {
	l, err := s.book.Get(id)
	if err != nil {
		return nil, err
	}
	return l.Positions(), nil
}

// Trades returns a market's trade log, oldest first.
func (s *MarketService) Trades(_ context.Context, id string, opts domain.ListOpts) ([]domain.Trade, error) {
	l, err := s.book.Get(id)
	if err != nil {
		return nil, err
	}
	return page(l.Trades(), opts), nil
}

// Quote prices a trade without executing it.
func (s *MarketService) Quote(_ context.Context, id string, side domain.TradeSide, outcome domain.Outcome, shares domain.Amount) (trading.Quote, error) {
	switch side {
	case domain.TradeSideBuy, "":
		return s.trading.QuoteBuy(id, outcome, shares)
	case domain.TradeSideSell:
		return s.trading.QuoteSell(id, outcome, shares)
	default:
		return trading.Quote{}, fmt.Errorf("market service: side %q: %w", side, domain.ErrInvalidParams)
	}
}

// Buy executes a buy and records the trade.
func (s *MarketService) Buy(ctx context.Context, req trading.BuyRequest) (domain.Trade, error) {
	t, err := s.trading.Buy(req, s.now())
	if err != nil {
		return domain.Trade{}, err
	}
	s.recordTrade(ctx, t)
	return t, nil
}

// Sell executes a sell and records the trade.
func (s *MarketService) Sell(ctx context.Context, req trading.SellRequest) (domain.Trade, error) {
	t, err := s.trading.Sell(req, s.now())
	if err != nil {
		return domain.Trade{}, err
	}
	s.recordTrade(ctx, t)
	return t, nil
}

func (s *MarketService) recordTrade(ctx context.Context, t domain.Trade) {
	l, err := s.book.Get(t.MarketID)
	if err != nil {
		return
	}
	s.journal.Trade(ctx, l.Snapshot(), t, l.Position(t.HolderID, t.Outcome))
	s.logger.InfoContext(ctx, "trade executed",
		slog.String("market_id", t.MarketID),
		slog.String("holder_id", t.HolderID),
		slog.String("side", string(t.Side)),
		slog.String("outcome", string(t.Outcome)),
		slog.String("shares", t.Shares.String()),
		slog.String("cost", t.Cost.String()),
	)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
