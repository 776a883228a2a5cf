package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// AgentService is the registry surface the agent handler needs.
type AgentService interface {
	Register(ctx context.Context, p agent.RegisterParams) (domain.Agent, error)
	Get(ctx context.Context, id string) (domain.Agent, error)
	List(ctx context.Context, opts domain.ListOpts) []domain.Agent
	Stake(ctx context.Context, id string, amount domain.Amount) (domain.Agent, error)
	Withdraw(ctx context.Context, id string, amount domain.Amount) (domain.Agent, error)
	Deactivate(ctx context.Context, id string) (domain.Agent, error)
}

// AgentHandler serves agent registry endpoints.
type AgentHandler struct {
	agents AgentService
	logger *slog.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(agents AgentService, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		agents: agents,
		logger: logger.With(slog.String("handler", "agent")),
	}
}

type registerAgentRequest struct {
	Name            string         `json:"name"`
	Address         string         `json:"address"`
	Specializations []string       `json:"specializations"`
	Expertise       map[string]int `json:"expertise"`
	Stake           domain.Amount  `json:"stake"`
}

// agentResponse adds the derived accuracy to an agent.
type agentResponse struct {
	domain.Agent
	Accuracy float64 `json:"Accuracy"`
}

func newAgentResponse(a domain.Agent) agentResponse {
	return agentResponse{Agent: a, Accuracy: a.Accuracy()}
}

// RegisterAgent registers an agent with its initial stake.
// POST /api/agents
func (h *AgentHandler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	a, err := h.agents.Register(r.Context(), agent.RegisterParams{
		Name:            req.Name,
		Address:         req.Address,
		Specializations: req.Specializations,
		Expertise:       req.Expertise,
		InitialStake:    req.Stake,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAgentResponse(a))
}

// ListAgents returns registered agents.
// GET /api/agents
func (h *AgentHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.List(r.Context(), parseListOpts(r))
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, newAgentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// GetAgent returns one agent.
// GET /api/agents/{id}
func (h *AgentHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.agents.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgentResponse(a))
}

type stakeRequest struct {
	Amount domain.Amount `json:"amount"`
}

// Stake adds stake.
// POST /api/agents/{id}/stake
func (h *AgentHandler) Stake(w http.ResponseWriter, r *http.Request) {
	h.changeStake(w, r, h.agents.Stake)
}

// Withdraw removes stake. Stake behind predictions in resolving markets is
// locked.
// POST /api/agents/{id}/withdraw
func (h *AgentHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.changeStake(w, r, h.agents.Withdraw)
}

func (h *AgentHandler) changeStake(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, domain.Amount) (domain.Agent, error)) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	a, err := fn(r.Context(), pathParam(r, "id"), req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgentResponse(a))
}

// Deactivate stops an agent from predicting.
// POST /api/agents/{id}/deactivate
func (h *AgentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	a, err := h.agents.Deactivate(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgentResponse(a))
}
