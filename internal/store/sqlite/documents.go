package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct {
	db *sql.DB
}

// Upsert writes a market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("sqlite: marshal market %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (id, created_at, state, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, body = excluded.body`,
		m.ID, nanos(m.CreatedAt), string(m.State), string(body))
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM markets WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("sqlite: market %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	var m domain.Market
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: decode market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := listClause(`SELECT body FROM markets WHERE 1=1`, nil, "created_at", "DESC", opts)
	return queryDocs[domain.Market](ctx, s.db, "markets", query, args...)
}

// ListByState returns markets in any of states, oldest first.
func (s *MarketStore) ListByState(ctx context.Context, states ...domain.MarketState) ([]domain.Market, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT body FROM markets WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `) ORDER BY created_at`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return queryDocs[domain.Market](ctx, s.db, "markets", query, args...)
}

// AgentStore implements domain.AgentStore.
type AgentStore struct {
	db *sql.DB
}

// Upsert writes an agent.
func (s *AgentStore) Upsert(ctx context.Context, a domain.Agent) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("sqlite: marshal agent %s: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, registered_at, body) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		a.ID, nanos(a.RegisteredAt), string(body))
	if err != nil {
		return fmt.Errorf("sqlite: upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns an agent.
func (s *AgentStore) GetByID(ctx context.Context, id string) (domain.Agent, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM agents WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("sqlite: agent %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("sqlite: get agent %s: %w", id, err)
	}
	var a domain.Agent
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return domain.Agent{}, fmt.Errorf("sqlite: decode agent %s: %w", id, err)
	}
	return a, nil
}

// List returns agents in registration order.
func (s *AgentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Agent, error) {
	query, args := listClause(`SELECT body FROM agents WHERE 1=1`, nil, "registered_at", "ASC", opts)
	return queryDocs[domain.Agent](ctx, s.db, "agents", query, args...)
}

// ResolutionStore implements domain.ResolutionStore.
type ResolutionStore struct {
	db *sql.DB
}

// Upsert writes the latest record for a market.
func (s *ResolutionStore) Upsert(ctx context.Context, r domain.ResolutionRecord) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sqlite: marshal resolution %s: %w", r.MarketID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resolutions (market_id, body) VALUES (?, ?)
		ON CONFLICT(market_id) DO UPDATE SET body = excluded.body`,
		r.MarketID, string(body))
	if err != nil {
		return fmt.Errorf("sqlite: upsert resolution %s: %w", r.MarketID, err)
	}
	return nil
}

// GetByMarket returns the latest record for a market.
func (s *ResolutionStore) GetByMarket(ctx context.Context, marketID string) (domain.ResolutionRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM resolutions WHERE market_id = ?`, marketID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResolutionRecord{}, fmt.Errorf("sqlite: resolution %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("sqlite: get resolution %s: %w", marketID, err)
	}
	var r domain.ResolutionRecord
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("sqlite: decode resolution %s: %w", marketID, err)
	}
	return r, nil
}

func queryDocs[T any](ctx context.Context, db *sql.DB, what, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("sqlite: decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}

var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.AgentStore      = (*AgentStore)(nil)
	_ domain.ResolutionStore = (*ResolutionStore)(nil)
)
