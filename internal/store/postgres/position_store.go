package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `market_id, holder_id, outcome, shares, claimed, updated_at`

// Upsert writes the holder's balance on one outcome.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, holder_id, outcome) DO UPDATE SET
			shares     = EXCLUDED.shares,
			claimed    = EXCLUDED.claimed,
			updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		p.MarketID, p.HolderID, string(p.Outcome), int64(p.Shares), p.Claimed, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s/%s: %w", p.MarketID, p.HolderID, p.Outcome, err)
	}
	return nil
}

// ListByMarket returns every position in a market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY holder_id, outcome`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for market %s: %w", marketID, err)
	}
	return scanPositions(rows)
}

// ListByHolder returns a holder's positions across markets.
func (s *PositionStore) ListByHolder(ctx context.Context, holderID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE holder_id = $1 ORDER BY market_id, outcome`, holderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for holder %s: %w", holderID, err)
	}
	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var outcome string
		var shares int64
		if err := rows.Scan(&p.MarketID, &p.HolderID, &outcome, &shares, &p.Claimed, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		p.Shares = domain.Amount(shares)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a new ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Insert records a claim. A second claim by the same holder is rejected.
func (s *ClaimStore) Insert(ctx context.Context, c domain.Claim) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO claims (market_id, holder_id, outcome, shares, payout, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, holder_id) DO NOTHING`,
		c.MarketID, c.HolderID, string(c.Outcome), int64(c.Shares), int64(c.Payout), c.ClaimedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert claim %s/%s: %w", c.MarketID, c.HolderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: claim %s/%s: %w", c.MarketID, c.HolderID, domain.ErrAlreadyClaimed)
	}
	return nil
}

// ListByMarket returns the claims paid in a market.
func (s *ClaimStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Claim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, holder_id, outcome, shares, payout, claimed_at
		FROM claims WHERE market_id = $1 ORDER BY claimed_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		var c domain.Claim
		var outcome string
		var shares, payout int64
		if err := rows.Scan(&c.MarketID, &c.HolderID, &outcome, &shares, &payout, &c.ClaimedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		c.Outcome = domain.Outcome(outcome)
		c.Shares, c.Payout = domain.Amount(shares), domain.Amount(payout)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim rows: %w", err)
	}
	return out, nil
}

var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.ClaimStore    = (*ClaimStore)(nil)
)
