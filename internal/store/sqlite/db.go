// Package sqlite implements the domain store interfaces on an embedded,
// pure-Go SQLite database. Markets, agents and resolution records are kept
// as JSON documents next to the columns they are queried by.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// DB is an open SQLite database.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// single writer; also keeps :memory: on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: record schema version: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stores returns every domain store backed by this database.
func (d *DB) Stores() domain.Stores {
	return domain.Stores{
		Markets:     &MarketStore{db: d.db},
		Positions:   &PositionStore{db: d.db},
		Trades:      &TradeStore{db: d.db},
		Agents:      &AgentStore{db: d.db},
		Predictions: &PredictionStore{db: d.db},
		Resolutions: &ResolutionStore{db: d.db},
		Claims:      &ClaimStore{db: d.db},
		Audit:       &AuditStore{db: d.db},
	}
}

// timeNow is replaced in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// Timestamps are stored as unix nanoseconds; 0 is the zero time.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func listClause(query string, args []any, col, order string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		query += " AND " + col + " >= ?"
		args = append(args, nanos(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND " + col + " <= ?"
		args = append(args, nanos(*opts.Until))
	}
	query += " ORDER BY " + col + " " + order
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}
	return query, args
}
