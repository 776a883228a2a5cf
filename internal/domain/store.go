package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market snapshots.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	ListByState(ctx context.Context, states ...MarketState) ([]Market, error)
}

// PositionStore persists holder positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
	ListByHolder(ctx context.Context, holderID string) ([]Position, error)
}

// TradeStore persists the append-only trade log.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
}

// AgentStore persists oracle agents.
type AgentStore interface {
	Upsert(ctx context.Context, agent Agent) error
	GetByID(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context, opts ListOpts) ([]Agent, error)
}

// PredictionStore persists submitted predictions and challenges.
type PredictionStore interface {
	Upsert(ctx context.Context, p Prediction) error
	ListByMarket(ctx context.Context, marketID string) ([]Prediction, error)
}

// ResolutionStore persists the latest resolution record per market.
type ResolutionStore interface {
	Upsert(ctx context.Context, rec ResolutionRecord) error
	GetByMarket(ctx context.Context, marketID string) (ResolutionRecord, error)
}

// ClaimStore persists settled payouts.
type ClaimStore interface {
	Insert(ctx context.Context, c Claim) error
	ListByMarket(ctx context.Context, marketID string) ([]Claim, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores bundles every persistence interface. Backends return a fully
// populated Stores.
type Stores struct {
	Markets     MarketStore
	Positions   PositionStore
	Trades      TradeStore
	Agents      AgentStore
	Predictions PredictionStore
	Resolutions ResolutionStore
	Claims      ClaimStore
	Audit       AuditStore
}
