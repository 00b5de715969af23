package handler

import (
	"net/http"

	"github.com/alanyoungcy/exitpilot/internal/service"
)

// StatusSource is implemented by service.PositionService.
type StatusSource interface {
	Status() service.Status
}

// StatusHandler serves the run mode and engine summary.
type StatusHandler struct {
	mode    string
	summary string
	engine  StatusSource
}

// NewStatusHandler creates a StatusHandler. summary describes the exit rules.
func NewStatusHandler(mode, summary string, engine StatusSource) *StatusHandler {
	return &StatusHandler{mode: mode, summary: summary, engine: engine}
}

// GetStatus responds with the mode, exit rules and engine counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   h.mode,
		"rules":  h.summary,
		"engine": h.engine.Status(),
	})
}
