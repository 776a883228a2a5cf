package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// EventsHandler replays the durable event stream.
type EventsHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(bus domain.SignalBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger.With(slog.String("handler", "events"))}
}

type eventEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns events after the given stream id, oldest first.
// Clients poll with the last id they saw.
// GET /api/events?after=0&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamEvents, after, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]eventEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventEntry{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	next := after
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}
