package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// AgentStore implements domain.AgentStore using PostgreSQL.
type AgentStore struct {
	pool *pgxpool.Pool
}

// NewAgentStore creates a new AgentStore backed by the given connection pool.
func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

const agentCols = `id, name, address, specializations, expertise, stake,
	predictions_made, predictions_correct, active, registered_at, updated_at`

// Upsert inserts or replaces an agent.
func (s *AgentStore) Upsert(ctx context.Context, a domain.Agent) error {
	specs, err := json.Marshal(nonNilStrings(a.Specializations))
	if err != nil {
		return fmt.Errorf("postgres: marshal specializations: %w", err)
	}
	expertise := a.Expertise
	if expertise == nil {
		expertise = map[string]int{}
	}
	exp, err := json.Marshal(expertise)
	if err != nil {
		return fmt.Errorf("postgres: marshal expertise: %w", err)
	}

	const query = `
		INSERT INTO agents (` + agentCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name                = EXCLUDED.name,
			address             = EXCLUDED.address,
			specializations     = EXCLUDED.specializations,
			expertise           = EXCLUDED.expertise,
			stake               = EXCLUDED.stake,
			predictions_made    = EXCLUDED.predictions_made,
			predictions_correct = EXCLUDED.predictions_correct,
			active              = EXCLUDED.active,
			updated_at          = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query,
		a.ID, a.Name, a.Address, specs, exp, int64(a.Stake),
		a.PredictionsMade, a.PredictionsCorrect, a.Active, a.RegisteredAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	var specs, exp []byte
	var stake int64
	if err := row.Scan(&a.ID, &a.Name, &a.Address, &specs, &exp, &stake,
		&a.PredictionsMade, &a.PredictionsCorrect, &a.Active, &a.RegisteredAt, &a.UpdatedAt); err != nil {
		return domain.Agent{}, err
	}
	if len(specs) > 0 {
		if err := json.Unmarshal(specs, &a.Specializations); err != nil {
			return domain.Agent{}, fmt.Errorf("unmarshal specializations: %w", err)
		}
	}
	if len(exp) > 0 {
		if err := json.Unmarshal(exp, &a.Expertise); err != nil {
			return domain.Agent{}, fmt.Errorf("unmarshal expertise: %w", err)
		}
	}
	a.Stake = domain.Amount(stake)
	return a, nil
}

// GetByID retrieves an agent.
func (s *AgentStore) GetByID(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if notFound(err) {
			return domain.Agent{}, fmt.Errorf("postgres: agent %s: %w", id, domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("postgres: get agent %s: %w", id, err)
	}
	return a, nil
}

// List returns agents in registration order.
func (s *AgentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Agent, error) {
	query, args := listClause(`SELECT `+agentCols+` FROM agents WHERE 1=1`, nil, "registered_at", "ASC", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: agent rows: %w", err)
	}
	return out, nil
}

var _ domain.AgentStore = (*AgentStore)(nil)
