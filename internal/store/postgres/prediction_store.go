package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// PredictionStore implements domain.PredictionStore using PostgreSQL.
type PredictionStore struct {
	pool *pgxpool.Pool
}

// NewPredictionStore creates a new PredictionStore backed by the given connection pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

const predictionCols = `id, market_id, agent_id, outcome, confidence, reasoning,
	stake, cycle, challenge, signature, submitted_at`

// Upsert writes a prediction. Resubmissions keep the id and replace the row.
func (s *PredictionStore) Upsert(ctx context.Context, p domain.Prediction) error {
	const query = `
		INSERT INTO predictions (` + predictionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			outcome      = EXCLUDED.outcome,
			confidence   = EXCLUDED.confidence,
			reasoning    = EXCLUDED.reasoning,
			stake        = EXCLUDED.stake,
			cycle        = EXCLUDED.cycle,
			signature    = EXCLUDED.signature,
			submitted_at = EXCLUDED.submitted_at`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.AgentID, string(p.Outcome), p.Confidence, p.Reasoning,
		int64(p.Stake), p.Cycle, p.Challenge, p.Signature, p.SubmittedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert prediction %s: %w", p.ID, err)
	}
	return nil
}

// ListByMarket returns a market's predictions in submission order.
func (s *PredictionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionCols+` FROM predictions WHERE market_id = $1 ORDER BY submitted_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		var p domain.Prediction
		var outcome string
		var stake int64
		if err := rows.Scan(&p.ID, &p.MarketID, &p.AgentID, &outcome, &p.Confidence, &p.Reasoning,
			&stake, &p.Cycle, &p.Challenge, &p.Signature, &p.SubmittedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan prediction: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		p.Stake = domain.Amount(stake)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: prediction rows: %w", err)
	}
	return out, nil
}

var _ domain.PredictionStore = (*PredictionStore)(nil)
