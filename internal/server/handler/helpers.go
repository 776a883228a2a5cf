package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// errorStatus maps domain errors to HTTP status codes and stable codes.
// Order matters: the first match wins.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrFundsLocked, http.StatusLocked, "funds_locked"},
	{domain.ErrSlippageExceeded, http.StatusUnprocessableEntity, "slippage_exceeded"},
	{domain.ErrInsufficientShares, http.StatusUnprocessableEntity, "insufficient_shares"},
	{domain.ErrInsufficientStake, http.StatusUnprocessableEntity, "insufficient_stake"},
	{domain.ErrInvalidParams, http.StatusBadRequest, "invalid_params"},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{domain.ErrInvalidOutcome, http.StatusBadRequest, "invalid_outcome"},
	{domain.ErrInvalidConfidence, http.StatusBadRequest, "invalid_confidence"},
	{domain.ErrMarketHalted, http.StatusConflict, "market_halted"},
	{domain.ErrInvariantViolation, http.StatusConflict, "invariant_violation"},
	{domain.ErrInvalidMarketState, http.StatusConflict, "invalid_market_state"},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{domain.ErrAlreadyClaimed, http.StatusConflict, "already_claimed"},
	{domain.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{domain.ErrAgentInactive, http.StatusConflict, "agent_inactive"},
	{domain.ErrNoValidPredictions, http.StatusConflict, "no_valid_predictions"},
	{domain.ErrChallengeRejected, http.StatusConflict, "challenge_rejected"},
	{domain.ErrRecordFrozen, http.StatusConflict, "record_frozen"},
	{domain.ErrManualNotRequired, http.StatusConflict, "manual_not_required"},
	{domain.ErrDeadlineNotReached, http.StatusConflict, "deadline_not_reached"},
	{domain.ErrDeadlineElapsed, http.StatusConflict, "deadline_elapsed"},
}

// writeDomainError maps err to a status. Unknown errors are logged and
// reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeJSON(w, e.status, errorResponse{Error: err.Error(), Code: e.code})
			return
		}
	}
	logger.ErrorContext(r.Context(), "handler: request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidParams)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// duration decodes Go duration strings such as "90m".
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"1h30m\"")
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}
