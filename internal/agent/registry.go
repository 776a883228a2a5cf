// Package agent maintains the registry of oracle agents: identities,
// specializations, stake balances, accuracy statistics and the analyst
// adapters bound to locally operated agents.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Config holds registry parameters.
type Config struct {
	MinStake domain.Amount
}

// RegisterParams describes a new agent.
type RegisterParams struct {
	Name            string
	Address         string
	Specializations []string
	Expertise       map[string]int
	InitialStake    domain.Amount
}

// Registry is the in-memory agent registry. It also tracks how much stake
// each agent has committed to markets that are still resolving. The sum of
// an agent's commitments never exceeds its stake.
type Registry struct {
	mu          sync.RWMutex
	cfg         Config
	agents      map[string]*domain.Agent
	analysts    map[string]Analyst
	commitments map[string]map[string]domain.Amount // agent id -> market id -> stake
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:         cfg,
		agents:      make(map[string]*domain.Agent),
		analysts:    make(map[string]Analyst),
		commitments: make(map[string]map[string]domain.Amount),
	}
}

// Register adds a new active agent.
func (r *Registry) Register(p RegisterParams, now time.Time) (domain.Agent, error) {
	if strings.TrimSpace(p.Name) == "" {
		return domain.Agent{}, fmt.Errorf("agent: register: name required: %w", domain.ErrInvalidParams)
	}
	if p.InitialStake < r.cfg.MinStake || p.InitialStake <= 0 {
		return domain.Agent{}, fmt.Errorf("agent: register: stake %s below minimum %s: %w", p.InitialStake, r.cfg.MinStake, domain.ErrInsufficientStake)
	}
	if p.Address != "" && !common.IsHexAddress(p.Address) {
		return domain.Agent{}, fmt.Errorf("agent: register: bad address %q: %w", p.Address, domain.ErrInvalidParams)
	}
	expertise := make(map[string]int, len(p.Expertise))
	for tag, v := range p.Expertise {
		if v < 0 || v > 100 {
			return domain.Agent{}, fmt.Errorf("agent: register: expertise %s=%d out of range: %w", tag, v, domain.ErrInvalidParams)
		}
		expertise[tag] = v
	}

	a := &domain.Agent{
		ID:              uuid.NewString(),
		Name:            p.Name,
		Specializations: append([]string(nil), p.Specializations...),
		Expertise:       expertise,
		Stake:           p.InitialStake,
		Active:          true,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	if p.Address != "" {
		a.Address = common.HexToAddress(p.Address).Hex()
	}

	r.mu.Lock()
	r.agents[a.ID] = a
	r.mu.Unlock()
	return clone(*a), nil
}

// Restore loads a persisted agent.
func (r *Registry) Restore(a domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := clone(a)
	r.agents[a.ID] = &c
}

// Get returns the agent with id.
func (r *Registry) Get(id string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent: %s: %w", id, domain.ErrNotFound)
	}
	return clone(*a), nil
}

// List returns every agent, oldest first.
func (r *Registry) List() []domain.Agent {
	r.mu.RLock()
	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, clone(*a))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stake adds amount to the agent's stake.
func (r *Registry) Stake(id string, amount domain.Amount, now time.Time) (domain.Agent, error) {
	if amount <= 0 {
		return domain.Agent{}, fmt.Errorf("agent: stake %s: %w", amount, domain.ErrInvalidQuantity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent: %s: %w", id, domain.ErrNotFound)
	}
	a.Stake += amount
	a.UpdatedAt = now
	return clone(*a), nil
}

// WithdrawStake removes amount from the agent's stake. It fails with
// domain.ErrFundsLocked while the agent has a prediction in a market that has
// not finalized.
func (r *Registry) WithdrawStake(id string, amount domain.Amount, now time.Time) (domain.Agent, error) {
	if amount <= 0 {
		return domain.Agent{}, fmt.Errorf("agent: withdraw %s: %w", amount, domain.ErrInvalidQuantity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent: %s: %w", id, domain.ErrNotFound)
	}
	if n := len(r.commitments[id]); n > 0 {
		return domain.Agent{}, fmt.Errorf("agent: %s has predictions in %d resolving markets: %w", id, n, domain.ErrFundsLocked)
	}
	if amount > a.Stake {
		return domain.Agent{}, fmt.Errorf("agent: withdraw %s of %s: %w", amount, a.Stake, domain.ErrInsufficientStake)
	}
	a.Stake -= amount
	a.UpdatedAt = now
	return clone(*a), nil
}

// Deactivate stops the agent from submitting new predictions. The agent and
// its history are retained.
func (r *Registry) Deactivate(id string, now time.Time) (domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent: %s: %w", id, domain.ErrNotFound)
	}
	a.Active = false
	a.UpdatedAt = now
	return clone(*a), nil
}

// Commit reserves stake of the agent's balance for marketID, replacing any
// earlier reservation for the same market. A zero stake reserves everything
// not already committed elsewhere. It returns the agent and the reserved
// amount.
func (r *Registry) Commit(agentID, marketID string, stake domain.Amount) (domain.Agent, domain.Amount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return domain.Agent{}, 0, fmt.Errorf("agent: %s: %w", agentID, domain.ErrNotFound)
	}
	if !a.Active {
		return domain.Agent{}, 0, fmt.Errorf("agent: %s: %w", agentID, domain.ErrAgentInactive)
	}
	free := a.Stake - r.reservedLocked(agentID, marketID)
	if stake == 0 {
		stake = free
	}
	if stake <= 0 || stake > free {
		return domain.Agent{}, 0, fmt.Errorf("agent: %s commits %s of %s uncommitted: %w", agentID, stake, free, domain.ErrInsufficientStake)
	}
	r.lock(agentID, marketID, stake)
	return clone(*a), stake, nil
}

// Available returns the stake the agent could still commit to marketID.
func (r *Registry) Available(agentID, marketID string) domain.Amount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return 0
	}
	return a.Stake - r.reservedLocked(agentID, marketID)
}

// Lock records a commitment without checks. Used when restoring state.
func (r *Registry) Lock(agentID, marketID string, stake domain.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lock(agentID, marketID, stake)
}

func (r *Registry) lock(agentID, marketID string, stake domain.Amount) {
	m, ok := r.commitments[agentID]
	if !ok {
		m = make(map[string]domain.Amount)
		r.commitments[agentID] = m
	}
	m[marketID] = stake
}

// reservedLocked sums the agent's commitments outside exceptMarket.
func (r *Registry) reservedLocked(agentID, exceptMarket string) domain.Amount {
	var sum domain.Amount
	for id, amt := range r.commitments[agentID] {
		if id != exceptMarket {
			sum += amt
		}
	}
	return sum
}

// ReleaseMarket drops every commitment to marketID.
func (r *Registry) ReleaseMarket(marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.commitments {
		delete(m, marketID)
		if len(m) == 0 {
			delete(r.commitments, id)
		}
	}
}

// Locked reports whether the agent has stake committed to a resolving
// market.
func (r *Registry) Locked(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commitments[agentID]) > 0
}

// ApplySettlement applies reward and slash deltas and updates accuracy. It
// applies nothing when any slash exceeds the agent's stake.
func (r *Registry) ApplySettlement(entries []domain.AgentSettlement, now time.Time) ([]domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkSettlementLocked(entries); err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(entries))
	for _, e := range entries {
		a := r.agents[e.AgentID]
		a.Stake += e.Delta
		if e.Counted {
			a.PredictionsMade++
			if e.Correct {
				a.PredictionsCorrect++
			}
		}
		a.UpdatedAt = now
		out = append(out, clone(*a))
	}
	return out, nil
}

// CheckSettlement reports whether entries can be applied.
func (r *Registry) CheckSettlement(entries []domain.AgentSettlement) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkSettlementLocked(entries)
}

func (r *Registry) checkSettlementLocked(entries []domain.AgentSettlement) error {
	deltas := make(map[string]domain.Amount, len(entries))
	for _, e := range entries {
		if _, ok := r.agents[e.AgentID]; !ok {
			return fmt.Errorf("agent: settle %s: %w", e.AgentID, domain.ErrNotFound)
		}
		deltas[e.AgentID] += e.Delta
	}
	for id, d := range deltas {
		if stake := r.agents[id].Stake; stake+d < 0 {
			return fmt.Errorf("agent: settle %s: slash %s exceeds stake %s: %w", id, -d, stake, domain.ErrInvariantViolation)
		}
	}
	return nil
}

// Bind attaches an analyst adapter to a registered agent.
func (r *Registry) Bind(agentID string, an Analyst) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("agent: bind %s: %w", agentID, domain.ErrNotFound)
	}
	r.analysts[agentID] = an
	return nil
}

// Bound returns the active agents that have an analyst attached.
func (r *Registry) Bound() map[string]Analyst {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Analyst, len(r.analysts))
	for id, an := range r.analysts {
		if a := r.agents[id]; a != nil && a.Active {
			out[id] = an
		}
	}
	return out
}

func clone(a domain.Agent) domain.Agent {
	a.Specializations = append([]string(nil), a.Specializations...)
	if a.Expertise != nil {
		m := make(map[string]int, len(a.Expertise))
		for k, v := range a.Expertise {
			m[k] = v
		}
		a.Expertise = m
	}
	return a
}
