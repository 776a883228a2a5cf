package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, criteria, description, category, tags, data_source, creator,
	liquidity_b, q_yes, q_no, collateral, subsidy, fee_bps, fees_collected, paid_out, volume,
	state, resolution_deadline, submission_window_ms, dispute_window_ms, claim_timeout_ms,
	manual_resolvable, submission_deadline, dispute_deadline, manual_required, retried,
	halted, halt_reason, created_at, finalized_at, closed_at, updated_at`

// Upsert inserts or replaces a market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	tags, err := json.Marshal(nonNilStrings(m.Tags))
	if err != nil {
		return fmt.Errorf("postgres: marshal market tags: %w", err)
	}

	const query = `
		INSERT INTO markets (` + marketCols + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25, $26, $27,
			$28, $29, $30, $31, $32, $33
		)
		ON CONFLICT (id) DO UPDATE SET
			question            = EXCLUDED.question,
			criteria            = EXCLUDED.criteria,
			description         = EXCLUDED.description,
			category            = EXCLUDED.category,
			tags                = EXCLUDED.tags,
			q_yes               = EXCLUDED.q_yes,
			q_no                = EXCLUDED.q_no,
			collateral          = EXCLUDED.collateral,
			fees_collected      = EXCLUDED.fees_collected,
			paid_out            = EXCLUDED.paid_out,
			volume              = EXCLUDED.volume,
			state               = EXCLUDED.state,
			submission_deadline = EXCLUDED.submission_deadline,
			dispute_deadline    = EXCLUDED.dispute_deadline,
			manual_required     = EXCLUDED.manual_required,
			retried             = EXCLUDED.retried,
			halted              = EXCLUDED.halted,
			halt_reason         = EXCLUDED.halt_reason,
			finalized_at        = EXCLUDED.finalized_at,
			closed_at           = EXCLUDED.closed_at,
			updated_at          = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Criteria, m.Description, m.Category, tags, string(m.DataSource), m.Creator,
		int64(m.B), int64(m.QYes), int64(m.QNo), int64(m.Collateral), int64(m.Subsidy), m.FeeBps,
		int64(m.FeesCollected), int64(m.PaidOut), int64(m.Volume),
		string(m.State), nullTime(m.ResolutionDeadline),
		m.SubmissionWindow.Milliseconds(), m.DisputeWindow.Milliseconds(), m.ClaimTimeout.Milliseconds(),
		m.ManualResolvable, nullTime(m.SubmissionDeadline), nullTime(m.DisputeDeadline),
		m.ManualRequired, m.Retried, m.Halted, m.HaltReason,
		m.CreatedAt, m.FinalizedAt, m.ClosedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                                  domain.Market
		tags                               []byte
		source, state                      string
		b, qYes, qNo, coll, sub            int64
		fees, paid, vol                    int64
		resDeadline, subDeadline, dispDead *time.Time
		subWin, dispWin, claimTO           int64
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Criteria, &m.Description, &m.Category, &tags, &source, &m.Creator,
		&b, &qYes, &qNo, &coll, &sub, &m.FeeBps, &fees, &paid, &vol,
		&state, &resDeadline, &subWin, &dispWin, &claimTO,
		&m.ManualResolvable, &subDeadline, &dispDead, &m.ManualRequired, &m.Retried,
		&m.Halted, &m.HaltReason, &m.CreatedAt, &m.FinalizedAt, &m.ClosedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &m.Tags); err != nil {
			return domain.Market{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	m.DataSource = domain.DataSource(source)
	m.State = domain.MarketState(state)
	m.B, m.QYes, m.QNo = domain.Amount(b), domain.Amount(qYes), domain.Amount(qNo)
	m.Collateral, m.Subsidy = domain.Amount(coll), domain.Amount(sub)
	m.FeesCollected, m.PaidOut, m.Volume = domain.Amount(fees), domain.Amount(paid), domain.Amount(vol)
	m.ResolutionDeadline = fromNull(resDeadline)
	m.SubmissionDeadline = fromNull(subDeadline)
	m.DisputeDeadline = fromNull(dispDead)
	m.SubmissionWindow = time.Duration(subWin) * time.Millisecond
	m.DisputeWindow = time.Duration(dispWin) * time.Millisecond
	m.ClaimTimeout = time.Duration(claimTO) * time.Millisecond
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if notFound(err) {
			return domain.Market{}, fmt.Errorf("postgres: market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := listClause(`SELECT `+marketCols+` FROM markets WHERE 1=1`, nil, "created_at", "DESC", opts)
	return s.query(ctx, "list markets", query, args...)
}

// ListByState returns markets in any of states, oldest first.
func (s *MarketStore) ListByState(ctx context.Context, states ...domain.MarketState) ([]domain.Market, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.query(ctx, "list markets by state",
		`SELECT `+marketCols+` FROM markets WHERE state = ANY($1) ORDER BY created_at`, names)
}

func (s *MarketStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.MarketStore = (*MarketStore)(nil)
