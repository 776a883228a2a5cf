package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// ResolutionStore implements domain.ResolutionStore using PostgreSQL. Only
// the latest record per market is kept.
type ResolutionStore struct {
	pool *pgxpool.Pool
}

// NewResolutionStore creates a new ResolutionStore backed by the given connection pool.
func NewResolutionStore(pool *pgxpool.Pool) *ResolutionStore {
	return &ResolutionStore{pool: pool}
}

const resolutionCols = `market_id, outcome, probability, confidence, contributions, total_weight,
	cycle, tie_broken, manual, dispute_state, dispute_deadline, forfeits, frozen, settled,
	residual, aggregated_at, finalized_at`

// Upsert writes the market's current record.
func (s *ResolutionStore) Upsert(ctx context.Context, r domain.ResolutionRecord) error {
	contribs, err := json.Marshal(r.Contributions)
	if err != nil {
		return fmt.Errorf("postgres: marshal contributions: %w", err)
	}
	forfeits := r.Forfeits
	if forfeits == nil {
		forfeits = map[string]domain.Amount{}
	}
	ff, err := json.Marshal(forfeits)
	if err != nil {
		return fmt.Errorf("postgres: marshal forfeits: %w", err)
	}

	const query = `
		INSERT INTO resolutions (` + resolutionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (market_id) DO UPDATE SET
			outcome          = EXCLUDED.outcome,
			probability      = EXCLUDED.probability,
			confidence       = EXCLUDED.confidence,
			contributions    = EXCLUDED.contributions,
			total_weight     = EXCLUDED.total_weight,
			cycle            = EXCLUDED.cycle,
			tie_broken       = EXCLUDED.tie_broken,
			manual           = EXCLUDED.manual,
			dispute_state    = EXCLUDED.dispute_state,
			dispute_deadline = EXCLUDED.dispute_deadline,
			forfeits         = EXCLUDED.forfeits,
			frozen           = EXCLUDED.frozen,
			settled          = EXCLUDED.settled,
			residual         = EXCLUDED.residual,
			aggregated_at    = EXCLUDED.aggregated_at,
			finalized_at     = EXCLUDED.finalized_at`
	_, err = s.pool.Exec(ctx, query,
		r.MarketID, string(r.Outcome), r.Probability, r.Confidence, contribs, r.TotalWeight,
		r.Cycle, r.TieBroken, r.Manual, string(r.DisputeState), nullTime(r.DisputeDeadline), ff,
		r.Frozen, r.Settled, int64(r.Residual), r.AggregatedAt, r.FinalizedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert resolution %s: %w", r.MarketID, err)
	}
	return nil
}

// GetByMarket returns the market's current record.
func (s *ResolutionStore) GetByMarket(ctx context.Context, marketID string) (domain.ResolutionRecord, error) {
	var (
		r                  domain.ResolutionRecord
		outcome, dispute   string
		contribs, forfeits []byte
		deadline           *time.Time
		residual           int64
	)
	err := s.pool.QueryRow(ctx, `SELECT `+resolutionCols+` FROM resolutions WHERE market_id = $1`, marketID).Scan(
		&r.MarketID, &outcome, &r.Probability, &r.Confidence, &contribs, &r.TotalWeight,
		&r.Cycle, &r.TieBroken, &r.Manual, &dispute, &deadline, &forfeits, &r.Frozen, &r.Settled,
		&residual, &r.AggregatedAt, &r.FinalizedAt,
	)
	if err != nil {
		if notFound(err) {
			return domain.ResolutionRecord{}, fmt.Errorf("postgres: resolution %s: %w", marketID, domain.ErrNotFound)
		}
		return domain.ResolutionRecord{}, fmt.Errorf("postgres: get resolution %s: %w", marketID, err)
	}
	if err := json.Unmarshal(contribs, &r.Contributions); err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("postgres: unmarshal contributions: %w", err)
	}
	if err := json.Unmarshal(forfeits, &r.Forfeits); err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("postgres: unmarshal forfeits: %w", err)
	}
	r.Outcome = domain.Outcome(outcome)
	r.DisputeState = domain.DisputeState(dispute)
	r.DisputeDeadline = fromNull(deadline)
	r.Residual = domain.Amount(residual)
	return r, nil
}

var _ domain.ResolutionStore = (*ResolutionStore)(nil)
