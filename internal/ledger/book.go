package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// MarketParams describes a new market. Exactly one of B and Subsidy needs to
// be set; the other is derived from it.
type MarketParams struct {
	Question           string
	Criteria           string
	Description        string
	Category           string
	Tags               []string
	DataSource         domain.DataSource
	Creator            string
	B                  domain.Amount
	Subsidy            domain.Amount
	FeeBps             int
	ResolutionDeadline time.Time
	SubmissionWindow   time.Duration
	DisputeWindow      time.Duration
	ClaimTimeout       time.Duration
	ManualResolvable   bool
}

// NewMarket validates p and builds an Active market with q = (0, 0).
func NewMarket(p MarketParams, now time.Time) (domain.Market, error) {
	var errs []string
	if strings.TrimSpace(p.Question) == "" {
		errs = append(errs, "question must not be empty")
	}
	if p.B <= 0 && p.Subsidy <= 0 {
		errs = append(errs, "liquidity or subsidy must be positive")
	}
	if p.FeeBps < 0 || p.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("fee_bps must be in [0, 10000), got %d", p.FeeBps))
	}
	if p.SubmissionWindow <= 0 || p.DisputeWindow <= 0 {
		errs = append(errs, "submission and dispute windows must be positive")
	}
	if p.DataSource == "" {
		p.DataSource = domain.DataSourceOffchain
	}
	if p.DataSource != domain.DataSourceOnchain && p.DataSource != domain.DataSourceOffchain {
		errs = append(errs, fmt.Sprintf("unknown data source %q", p.DataSource))
	}
	if len(errs) > 0 {
		return domain.Market{}, fmt.Errorf("ledger: new market: %w: %s", domain.ErrInvalidParams, strings.Join(errs, "; "))
	}

	b := p.B
	if b <= 0 {
		b = amm.LiquidityForSubsidy(p.Subsidy)
		if b <= 0 {
			return domain.Market{}, fmt.Errorf("ledger: new market: subsidy %s too small: %w", p.Subsidy, domain.ErrInvalidParams)
		}
	}

	return domain.Market{
		ID:                 uuid.NewString(),
		Question:           p.Question,
		Criteria:           p.Criteria,
		Description:        p.Description,
		Category:           p.Category,
		Tags:               append([]string(nil), p.Tags...),
		DataSource:         p.DataSource,
		Creator:            p.Creator,
		B:                  b,
		Subsidy:            amm.MaxLoss(b),
		FeeBps:             p.FeeBps,
		State:              domain.MarketStateActive,
		ResolutionDeadline: p.ResolutionDeadline,
		SubmissionWindow:   p.SubmissionWindow,
		DisputeWindow:      p.DisputeWindow,
		ClaimTimeout:       p.ClaimTimeout,
		ManualResolvable:   p.ManualResolvable,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Book is the arena of ledgers keyed by market id.
type Book struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{ledgers: make(map[string]*Ledger)}
}

// Add registers a new market.
func (b *Book) Add(m domain.Market) (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ledgers[m.ID]; ok {
		return nil, fmt.Errorf("ledger: market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	l := newLedger(m)
	b.ledgers[m.ID] = l
	return l, nil
}

// Restore rebuilds a ledger from persisted state. Redeemed share totals are
// derived from the gap between outstanding quantities and live positions.
func (b *Book) Restore(m domain.Market, positions []domain.Position, trades []domain.Trade) (*Ledger, error) {
	l := newLedger(m)
	held := map[domain.Outcome]domain.Amount{}
	for i := range positions {
		p := positions[i]
		l.positions[posKey{p.HolderID, p.Outcome}] = &p
		held[p.Outcome] += p.Shares
	}
	for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		l.redeemed[o] = m.Shares(o) - held[o]
	}
	l.trades = append(l.trades, trades...)
	sort.SliceStable(l.trades, func(i, j int) bool { return l.trades[i].ExecutedAt.Before(l.trades[j].ExecutedAt) })

	if err := l.checkInvariants(); err != nil {
		l.market.Halted = true
		l.market.HaltReason = err.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ledgers[m.ID]; ok {
		return nil, fmt.Errorf("ledger: restore %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	b.ledgers[m.ID] = l
	return l, nil
}

// Get returns the ledger for id.
func (b *Book) Get(id string) (*Ledger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("ledger: market %s: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

// List returns all ledgers ordered by creation time.
func (b *Book) List() []*Ledger {
	b.mu.RLock()
	out := make([]*Ledger, 0, len(b.ledgers))
	for _, l := range b.ledgers {
		out = append(out, l)
	}
	b.mu.RUnlock()

	snaps := make(map[*Ledger]time.Time, len(out))
	for _, l := range out {
		snaps[l] = l.Snapshot().CreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		if !snaps[out[i]].Equal(snaps[out[j]]) {
			return snaps[out[i]].Before(snaps[out[j]])
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
