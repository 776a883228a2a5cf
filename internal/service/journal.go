// Package service wires the in-memory market, agent, consensus and
// settlement engines to persistence, the event bus and notifications. The
// engines are the source of truth; the Journal writes every committed change
// through to the stores and publishes it.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Event types published on the bus.
const (
	EventMarketCreated = "market.created"
	EventLifecycle     = "market.lifecycle"
	EventTrade         = "trade"
	EventPrice         = "price"
	EventPrediction    = "prediction"
	EventChallenge     = "challenge"
	EventRecord        = "resolution"
	EventSettlement    = "settlement"
	EventClaim         = "claim"
	EventAgent         = "agent"
)

// Event is the envelope published on the bus and appended to the event
// stream.
type Event struct {
	Type     string    `json:"type"`
	MarketID string    `json:"market_id,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}

// PriceUpdate is the Data of a price event.
type PriceUpdate struct {
	PriceYes float64 `json:"price_yes"`
	PriceNo  float64 `json:"price_no"`
}

// LifecycleChange is the Data of a lifecycle event.
type LifecycleChange struct {
	From  domain.MarketState `json:"from"`
	To    domain.MarketState `json:"to"`
	Error string             `json:"error,omitempty"`
}

// Journal persists and publishes committed state. Store and bus failures
// are logged, never returned: the next full snapshot write repairs a missed
// market row.
type Journal struct {
	stores   domain.Stores
	bus      domain.SignalBus
	prices   domain.PriceCache
	notifier Notifier
	logger   *slog.Logger
}

// Notifier alerts the operator about lifecycle milestones.
// *notify.Notifier implements it.
type Notifier interface {
	MarketFinalized(ctx context.Context, m domain.Market, rec domain.ResolutionRecord) error
	ManualRequired(ctx context.Context, m domain.Market) error
	Halted(ctx context.Context, m domain.Market) error
	Challenge(ctx context.Context, m domain.Market, p domain.Prediction, overturned bool) error
}

// NewJournal creates a Journal. bus and prices may be nil.
func NewJournal(stores domain.Stores, bus domain.SignalBus, prices domain.PriceCache, logger *slog.Logger) *Journal {
	return &Journal{
		stores: stores,
		bus:    bus,
		prices: prices,
		logger: logger.With(slog.String("component", "journal")),
	}
}

// WithNotifier sets the operator notifier.
func (j *Journal) WithNotifier(n Notifier) *Journal {
	j.notifier = n
	return j
}

// Market writes a market snapshot and refreshes its cached price.
func (j *Journal) Market(ctx context.Context, m domain.Market) {
	if err := j.stores.Markets.Upsert(ctx, m); err != nil {
		j.warn(ctx, "upsert market", err, slog.String("market_id", m.ID))
	}
	if j.prices != nil {
		if err := j.prices.SetPrice(ctx, m.ID, amm.StateOf(m).PriceYes(), m.UpdatedAt); err != nil {
			j.warn(ctx, "cache price", err, slog.String("market_id", m.ID))
		}
	}
}

// Trade appends a trade, writes the touched positions and the market, and
// publishes trade and price events.
func (j *Journal) Trade(ctx context.Context, m domain.Market, t domain.Trade, positions ...domain.Position) {
	if err := j.stores.Trades.Insert(ctx, t); err != nil {
		j.warn(ctx, "insert trade", err, slog.String("trade_id", t.ID))
	}
	j.Positions(ctx, positions...)
	j.Market(ctx, m)
	j.Publish(ctx, domain.ChannelTrades, Event{Type: EventTrade, MarketID: t.MarketID, At: t.ExecutedAt, Data: t})
	p := amm.StateOf(m).PriceYes()
	j.Publish(ctx, domain.ChannelPrices, Event{Type: EventPrice, MarketID: m.ID, At: t.ExecutedAt, Data: PriceUpdate{PriceYes: p, PriceNo: 1 - p}})
}

// Positions writes holder positions.
func (j *Journal) Positions(ctx context.Context, positions ...domain.Position) {
	for _, p := range positions {
		if err := j.stores.Positions.Upsert(ctx, p); err != nil {
			j.warn(ctx, "upsert position", err, slog.String("market_id", p.MarketID), slog.String("holder_id", p.HolderID))
		}
	}
}

// Agents writes agent snapshots and publishes them.
func (j *Journal) Agents(ctx context.Context, agents ...domain.Agent) {
	for _, a := range agents {
		if err := j.stores.Agents.Upsert(ctx, a); err != nil {
			j.warn(ctx, "upsert agent", err, slog.String("agent_id", a.ID))
		}
		j.Publish(ctx, domain.ChannelAgents, Event{Type: EventAgent, AgentID: a.ID, At: a.UpdatedAt, Data: a})
	}
}

// Prediction writes a prediction or challenge and publishes it.
func (j *Journal) Prediction(ctx context.Context, p domain.Prediction) {
	if err := j.stores.Predictions.Upsert(ctx, p); err != nil {
		j.warn(ctx, "upsert prediction", err, slog.String("prediction_id", p.ID))
	}
	typ := EventPrediction
	if p.Challenge {
		typ = EventChallenge
	}
	j.Publish(ctx, domain.ChannelPredictions, Event{Type: typ, MarketID: p.MarketID, AgentID: p.AgentID, At: p.SubmittedAt, Data: p})
}

// Record writes a resolution record and publishes it.
func (j *Journal) Record(ctx context.Context, rec domain.ResolutionRecord, now time.Time) {
	if err := j.stores.Resolutions.Upsert(ctx, rec); err != nil {
		j.warn(ctx, "upsert resolution", err, slog.String("market_id", rec.MarketID))
	}
	j.Publish(ctx, domain.ChannelLifecycle, Event{Type: EventRecord, MarketID: rec.MarketID, At: now, Data: rec})
}

// Lifecycle writes the market and publishes a state change.
func (j *Journal) Lifecycle(ctx context.Context, m domain.Market, from domain.MarketState, cause error) {
	j.Market(ctx, m)
	change := LifecycleChange{From: from, To: m.State}
	if cause != nil {
		change.Error = cause.Error()
	}
	j.Publish(ctx, domain.ChannelLifecycle, Event{Type: EventLifecycle, MarketID: m.ID, At: m.UpdatedAt, Data: change})
}

// Claim writes a settled claim and publishes it.
func (j *Journal) Claim(ctx context.Context, c domain.Claim) {
	if err := j.stores.Claims.Insert(ctx, c); err != nil {
		j.warn(ctx, "insert claim", err, slog.String("market_id", c.MarketID), slog.String("holder_id", c.HolderID))
	}
	j.Publish(ctx, domain.ChannelSettlement, Event{Type: EventClaim, MarketID: c.MarketID, At: c.ClaimedAt, Data: c})
}

// Halted persists a halted market and alerts the operator.
func (j *Journal) Halted(ctx context.Context, m domain.Market) {
	j.Market(ctx, m)
	j.Audit(ctx, "market.halted", map[string]any{"market_id": m.ID, "reason": m.HaltReason})
	j.logger.ErrorContext(ctx, "market halted",
		slog.String("market_id", m.ID),
		slog.String("reason", m.HaltReason),
	)
	j.notify(ctx, "halted", func(n Notifier) error { return n.Halted(ctx, m) })
}

// Audit appends to the audit log.
func (j *Journal) Audit(ctx context.Context, event string, detail map[string]any) {
	if err := j.stores.Audit.Log(ctx, event, detail); err != nil {
		j.warn(ctx, "audit", err, slog.String("event", event))
	}
}

// Publish sends ev on channel and appends it to the event stream.
func (j *Journal) Publish(ctx context.Context, channel string, ev Event) {
	if j.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		j.warn(ctx, "marshal event", err, slog.String("type", ev.Type))
		return
	}
	if err := j.bus.Publish(ctx, channel, payload); err != nil {
		j.warn(ctx, "publish", err, slog.String("channel", channel))
	}
	if err := j.bus.StreamAppend(ctx, domain.StreamEvents, payload); err != nil {
		j.warn(ctx, "stream append", err, slog.String("type", ev.Type))
	}
}

func (j *Journal) warn(ctx context.Context, op string, err error, attrs ...any) {
	args := append([]any{slog.String("op", op), slog.String("error", err.Error())}, attrs...)
	j.logger.WarnContext(ctx, "journal write failed", args...)
}

func (j *Journal) notify(ctx context.Context, event string, fn func(Notifier) error) {
	if j.notifier == nil {
		return
	}
	if err := fn(j.notifier); err != nil {
		j.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
