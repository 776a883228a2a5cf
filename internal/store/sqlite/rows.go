package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	db *sql.DB
}

// Upsert writes a holder's balance on one outcome.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (market_id, holder_id, outcome, shares, claimed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id, holder_id, outcome) DO UPDATE SET
			shares = excluded.shares, claimed = excluded.claimed, updated_at = excluded.updated_at`,
		p.MarketID, p.HolderID, string(p.Outcome), int64(p.Shares), p.Claimed, nanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert position %s/%s/%s: %w", p.MarketID, p.HolderID, p.Outcome, err)
	}
	return nil
}

// ListByMarket returns every position in a market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return s.list(ctx, `WHERE market_id = ? ORDER BY holder_id, outcome`, marketID)
}

// ListByHolder returns a holder's positions across markets.
func (s *PositionStore) ListByHolder(ctx context.Context, holderID string) ([]domain.Position, error) {
	return s.list(ctx, `WHERE holder_id = ? ORDER BY market_id, outcome`, holderID)
}

func (s *PositionStore) list(ctx context.Context, where string, arg string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, holder_id, outcome, shares, claimed, updated_at FROM positions `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var outcome string
		var shares, updated int64
		if err := rows.Scan(&p.MarketID, &p.HolderID, &outcome, &shares, &p.Claimed, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		p.Shares = domain.Amount(shares)
		p.UpdatedAt = fromNanos(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	db *sql.DB
}

// Insert appends a trade. Re-inserting the same id is a no-op.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
			(id, market_id, holder_id, outcome, side, shares, cost, fee, price_yes_after, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.MarketID, t.HolderID, string(t.Outcome), string(t.Side),
		int64(t.Shares), int64(t.Cost), int64(t.Fee), t.PriceYesAfter, nanos(t.ExecutedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByMarket returns a market's trades in execution order.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listClause(`
		SELECT id, market_id, holder_id, outcome, side, shares, cost, fee, price_yes_after, executed_at
		FROM trades WHERE market_id = ?`, []any{marketID}, "executed_at", "ASC", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var outcome, side string
		var shares, cost, fee, executed int64
		if err := rows.Scan(&t.ID, &t.MarketID, &t.HolderID, &outcome, &side,
			&shares, &cost, &fee, &t.PriceYesAfter, &executed); err != nil {
			return nil, fmt.Errorf("sqlite: scan trade: %w", err)
		}
		t.Outcome, t.Side = domain.Outcome(outcome), domain.TradeSide(side)
		t.Shares, t.Cost, t.Fee = domain.Amount(shares), domain.Amount(cost), domain.Amount(fee)
		t.ExecutedAt = fromNanos(executed)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PredictionStore implements domain.PredictionStore.
type PredictionStore struct {
	db *sql.DB
}

// Upsert writes a prediction. Resubmissions keep the id and replace the row.
func (s *PredictionStore) Upsert(ctx context.Context, p domain.Prediction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions
			(id, market_id, agent_id, outcome, confidence, reasoning, stake, cycle, challenge, signature, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome, confidence = excluded.confidence, reasoning = excluded.reasoning,
			stake = excluded.stake, cycle = excluded.cycle, signature = excluded.signature,
			submitted_at = excluded.submitted_at`,
		p.ID, p.MarketID, p.AgentID, string(p.Outcome), p.Confidence, p.Reasoning,
		int64(p.Stake), p.Cycle, p.Challenge, p.Signature, nanos(p.SubmittedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert prediction %s: %w", p.ID, err)
	}
	return nil
}

// ListByMarket returns a market's predictions in submission order.
func (s *PredictionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, agent_id, outcome, confidence, reasoning, stake, cycle, challenge, signature, submitted_at
		FROM predictions WHERE market_id = ? ORDER BY submitted_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list predictions for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		var p domain.Prediction
		var outcome string
		var stake, submitted int64
		if err := rows.Scan(&p.ID, &p.MarketID, &p.AgentID, &outcome, &p.Confidence, &p.Reasoning,
			&stake, &p.Cycle, &p.Challenge, &p.Signature, &submitted); err != nil {
			return nil, fmt.Errorf("sqlite: scan prediction: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		p.Stake = domain.Amount(stake)
		p.SubmittedAt = fromNanos(submitted)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimStore implements domain.ClaimStore.
type ClaimStore struct {
	db *sql.DB
}

// Insert records a claim. A second claim by the same holder is rejected.
func (s *ClaimStore) Insert(ctx context.Context, c domain.Claim) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO claims (market_id, holder_id, outcome, shares, payout, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.MarketID, c.HolderID, string(c.Outcome), int64(c.Shares), int64(c.Payout), nanos(c.ClaimedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert claim %s/%s: %w", c.MarketID, c.HolderID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: claim %s/%s: %w", c.MarketID, c.HolderID, domain.ErrAlreadyClaimed)
	}
	return nil
}

// ListByMarket returns the claims paid in a market.
func (s *ClaimStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, holder_id, outcome, shares, payout, claimed_at
		FROM claims WHERE market_id = ? ORDER BY claimed_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list claims for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		var c domain.Claim
		var outcome string
		var shares, payout, claimed int64
		if err := rows.Scan(&c.MarketID, &c.HolderID, &outcome, &shares, &payout, &claimed); err != nil {
			return nil, fmt.Errorf("sqlite: scan claim: %w", err)
		}
		c.Outcome = domain.Outcome(outcome)
		c.Shares, c.Payout = domain.Amount(shares), domain.Amount(payout)
		c.ClaimedAt = fromNanos(claimed)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	db *sql.DB
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(body), nanos(timeNow())); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listClause(`SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`, nil, "created_at", "DESC", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: decode audit detail: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.TradeStore      = (*TradeStore)(nil)
	_ domain.PredictionStore = (*PredictionStore)(nil)
	_ domain.ClaimStore      = (*ClaimStore)(nil)
	_ domain.AuditStore      = (*AuditStore)(nil)
)
