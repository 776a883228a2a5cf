package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// AgentService manages oracle agents and their stake.
type AgentService struct {
	registry *agent.Registry
	journal  *Journal
	now      func() time.Time
	logger   *slog.Logger
}

// NewAgentService creates an AgentService.
func NewAgentService(registry *agent.Registry, journal *Journal, now func() time.Time, logger *slog.Logger) *AgentService {
	return &AgentService{
		registry: registry,
		journal:  journal,
		now:      now,
		logger:   logger.With(slog.String("component", "agent_service")),
	}
}

// Register adds an agent.
func (s *AgentService) Register(ctx context.Context, p agent.RegisterParams) (domain.Agent, error) {
	a, err := s.registry.Register(p, s.now())
	if err != nil {
		return domain.Agent{}, err
	}
	s.journal.Agents(ctx, a)
	s.journal.Audit(ctx, "agent.registered", map[string]any{
		"agent_id": a.ID,
		"name":     a.Name,
		"stake":    a.Stake.String(),
	})
	s.logger.InfoContext(ctx, "agent registered",
		slog.String("agent_id", a.ID),
		slog.String("name", a.Name),
		slog.String("stake", a.Stake.String()),
	)
	return a, nil
}

// Get returns an agent.
func (s *AgentService) Get(_ context.Context, id string) (domain.Agent, error) {
	return s.registry.Get(id)
}

// List returns every agent.
func (s *AgentService) List(_ context.Context, opts domain.ListOpts) []domain.Agent {
	return page(s.registry.List(), opts)
}

// Stake adds stake to an agent.
func (s *AgentService) Stake(ctx context.Context, id string, amount domain.Amount) (domain.Agent, error) {
	a, err := s.registry.Stake(id, amount, s.now())
	if err != nil {
		return domain.Agent{}, err
	}
	s.journal.Agents(ctx, a)
	s.journal.Audit(ctx, "agent.staked", map[string]any{"agent_id": id, "amount": amount.String()})
	return a, nil
}

// Withdraw removes stake. Agents with predictions in resolving markets get
// ErrFundsLocked.
func (s *AgentService) Withdraw(ctx context.Context, id string, amount domain.Amount) (domain.Agent, error) {
	a, err := s.registry.WithdrawStake(id, amount, s.now())
	if err != nil {
		return domain.Agent{}, err
	}
	s.journal.Agents(ctx, a)
	s.journal.Audit(ctx, "agent.withdrew", map[string]any{"agent_id": id, "amount": amount.String()})
	return a, nil
}

// Deactivate stops an agent from submitting predictions.
func (s *AgentService) Deactivate(ctx context.Context, id string) (domain.Agent, error) {
	a, err := s.registry.Deactivate(id, s.now())
	if err != nil {
		return domain.Agent{}, err
	}
	s.journal.Agents(ctx, a)
	s.journal.Audit(ctx, "agent.deactivated", map[string]any{"agent_id": id})
	s.logger.InfoContext(ctx, "agent deactivated", slog.String("agent_id", id))
	return a, nil
}
