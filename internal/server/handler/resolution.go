package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// ResolutionService is the consensus surface the resolution handler needs.
type ResolutionService interface {
	Request(ctx context.Context, marketID string) (domain.Market, error)
	Submit(ctx context.Context, marketID string, in consensus.PredictionInput) (consensus.Submission, error)
	Challenge(ctx context.Context, marketID string, in consensus.PredictionInput) (consensus.Submission, error)
	ResolveManually(ctx context.Context, marketID string, outcome domain.Outcome) (domain.ResolutionRecord, error)
	Current(ctx context.Context, marketID string) (*domain.ResolutionRecord, error)
	History(ctx context.Context, marketID string) []domain.ResolutionRecord
	Predictions(ctx context.Context, marketID string) []domain.Prediction
}

// ResolutionHandler serves resolution, prediction and challenge endpoints.
type ResolutionHandler struct {
	resolution ResolutionService
	logger     *slog.Logger
}

// NewResolutionHandler creates a ResolutionHandler.
func NewResolutionHandler(resolution ResolutionService, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{
		resolution: resolution,
		logger:     logger.With(slog.String("handler", "resolution")),
	}
}

// RequestResolution moves an Active market into resolution.
// POST /api/markets/{id}/resolution
func (h *ResolutionHandler) RequestResolution(w http.ResponseWriter, r *http.Request) {
	m, err := h.resolution.Request(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

type resolutionResponse struct {
	Record      *domain.ResolutionRecord  `json:"record"`
	History     []domain.ResolutionRecord `json:"history"`
	Predictions []domain.Prediction       `json:"predictions"`
}

// GetResolution returns the current record, overturned records and every
// prediction of a market. Record is null until the first aggregation.
// GET /api/markets/{id}/resolution
func (h *ResolutionHandler) GetResolution(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	resp := resolutionResponse{
		History:     h.resolution.History(r.Context(), id),
		Predictions: h.resolution.Predictions(r.Context(), id),
	}
	rec, err := h.resolution.Current(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	resp.Record = rec
	if resp.History == nil {
		resp.History = []domain.ResolutionRecord{}
	}
	if resp.Predictions == nil {
		resp.Predictions = []domain.Prediction{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type predictionRequest struct {
	AgentID    string        `json:"agent_id"`
	Outcome    string        `json:"outcome"`
	Confidence int           `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Stake      domain.Amount `json:"stake"`
	Signature  string        `json:"signature"`
}

func (p predictionRequest) input() consensus.PredictionInput {
	return consensus.PredictionInput{
		AgentID:    p.AgentID,
		Outcome:    outcome(p.Outcome),
		Confidence: p.Confidence,
		Reasoning:  p.Reasoning,
		Stake:      p.Stake,
		Signature:  p.Signature,
	}
}

type submissionResponse struct {
	Prediction domain.Prediction        `json:"prediction"`
	Record     *domain.ResolutionRecord `json:"record,omitempty"`
	Overturned *domain.ResolutionRecord `json:"overturned,omitempty"`
}

// SubmitPrediction records an agent prediction. On a disputable market it
// acts as a challenge.
// POST /api/markets/{id}/predictions
func (h *ResolutionHandler) SubmitPrediction(w http.ResponseWriter, r *http.Request) {
	var req predictionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	sub, err := h.resolution.Submit(r.Context(), pathParam(r, "id"), req.input())
	h.writeSubmission(w, r, sub, err)
}

// Challenge disputes the current resolution record.
// POST /api/markets/{id}/challenges
func (h *ResolutionHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req predictionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	sub, err := h.resolution.Challenge(r.Context(), pathParam(r, "id"), req.input())
	h.writeSubmission(w, r, sub, err)
}

// rejectedChallenge is returned when a challenge upheld the record, which
// is final from then on.
type rejectedChallenge struct {
	errorResponse
	Prediction domain.Prediction        `json:"prediction"`
	Record     *domain.ResolutionRecord `json:"record"`
}

func (h *ResolutionHandler) writeSubmission(w http.ResponseWriter, r *http.Request, sub consensus.Submission, err error) {
	if errors.Is(err, domain.ErrChallengeRejected) && sub.Record != nil {
		writeJSON(w, http.StatusConflict, rejectedChallenge{
			errorResponse: errorResponse{Error: err.Error(), Code: "challenge_rejected"},
			Prediction:    sub.Prediction,
			Record:        sub.Record,
		})
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, submissionResponse{
		Prediction: sub.Prediction,
		Record:     sub.Record,
		Overturned: sub.Overturned,
	})
}

type manualRequest struct {
	Outcome string `json:"outcome"`
}

// ResolveManually finalizes a market flagged for manual resolution.
// POST /api/markets/{id}/manual
func (h *ResolutionHandler) ResolveManually(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	rec, err := h.resolution.ResolveManually(r.Context(), pathParam(r, "id"), outcome(req.Outcome))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
