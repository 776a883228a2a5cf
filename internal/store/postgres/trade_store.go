package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, market_id, holder_id, outcome, side, shares, cost, fee, price_yes_after, executed_at`

const insertTrade = `INSERT INTO trades (` + tradeCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

func tradeArgs(t domain.Trade) []any {
	return []any{
		t.ID, t.MarketID, t.HolderID, string(t.Outcome), string(t.Side),
		int64(t.Shares), int64(t.Cost), int64(t.Fee), t.PriceYesAfter, t.ExecutedAt,
	}
}

// Insert appends a trade. Re-inserting the same id is a no-op.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	if _, err := s.pool.Exec(ctx, insertTrade, tradeArgs(t)...); err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// InsertBatch appends trades in a single round trip.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTrade, tradeArgs(t)...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByMarket returns a market's trades in execution order.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listClause(`SELECT `+tradeCols+` FROM trades WHERE market_id = $1`,
		[]any{marketID}, "executed_at", "ASC", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var outcome, side string
		var shares, cost, fee int64
		if err := rows.Scan(&t.ID, &t.MarketID, &t.HolderID, &outcome, &side,
			&shares, &cost, &fee, &t.PriceYesAfter, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Outcome, t.Side = domain.Outcome(outcome), domain.TradeSide(side)
		t.Shares, t.Cost, t.Fee = domain.Amount(shares), domain.Amount(cost), domain.Amount(fee)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: trade rows: %w", err)
	}
	return out, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
