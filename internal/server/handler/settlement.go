package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// SettlementService is the payout surface the settlement handler needs.
type SettlementService interface {
	Claim(ctx context.Context, marketID, holderID string) (domain.Claim, error)
	Claims(ctx context.Context, marketID string) ([]domain.Claim, error)
	Close(ctx context.Context, marketID string) (domain.Market, error)
}

// SettlementHandler serves claim and close endpoints.
type SettlementHandler struct {
	settlement SettlementService
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlement SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlement: settlement,
		logger:     logger.With(slog.String("handler", "settlement")),
	}
}

type claimRequest struct {
	HolderID string `json:"holder_id"`
}

// Claim pays out a holder's winning shares. Losing holders get a zero
// payout.
// POST /api/markets/{id}/claims
func (h *SettlementHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if req.HolderID == "" {
		writeError(w, http.StatusBadRequest, "holder_id is required")
		return
	}
	c, err := h.settlement.Claim(r.Context(), pathParam(r, "id"), req.HolderID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListClaims returns the claims paid on a market.
// GET /api/markets/{id}/claims
func (h *SettlementHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.settlement.Claims(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if claims == nil {
		claims = []domain.Claim{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

// CloseMarket closes a finalized market whose claims are done.
// POST /api/markets/{id}/close
func (h *SettlementHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.settlement.Close(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
