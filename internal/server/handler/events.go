package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// EventsHandler replays position lifecycle events from the durable stream.
type EventsHandler struct {
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler reading stream.
func NewEventsHandler(bus domain.SignalBus, stream string, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, stream: stream, logger: logger.With(slog.String("handler", "events"))}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// List returns up to count events after the given stream ID. Clients page by
// passing the last returned ID as after.
// GET /api/events?after=<id>&count=100
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, 1000)
	}

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, count)
	if err != nil {
		writeDomainError(w, r, h.logger, "read events", err)
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, streamEvent{ID: m.ID, Event: m.Payload})
	}
	next := after
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}
