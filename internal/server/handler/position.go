package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/exit"
	"github.com/alanyoungcy/exitpilot/internal/service"
)

// APISource tags positions opened through the HTTP API.
const APISource = "api"

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Buy(ctx context.Context, assetID, source string) (domain.Position, error)
	Close(ctx context.Context, assetID string) (exit.CloseResult, error)
	CloseAll(ctx context.Context) []exit.CloseResult
	Positions(ctx context.Context) []service.PositionView
	History(ctx context.Context, assetID string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type listPositionsResponse struct {
	Positions []service.PositionView `json:"positions"`
}

// ListPositions returns the latest generation of every tracked asset.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	views := h.positions.Positions(r.Context())
	if views == nil {
		views = []service.PositionView{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

type historyResponse struct {
	Positions []domain.Position `json:"positions"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// History returns past generations, newest first.
// GET /api/positions/history?asset=<mint>&limit=&offset=&since=&until=
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset != "" {
		if err := domain.ValidateMint(asset); err != nil {
			writeDomainError(w, r, h.logger, "history", err)
			return
		}
	}

	ps, err := h.positions.History(r.Context(), asset, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "history", err)
		return
	}
	if ps == nil {
		ps = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Positions: ps, Limit: opts.Limit, Offset: opts.Offset})
}

type buyRequest struct {
	AssetID string `json:"asset_id"`
}

// Open buys an asset and hands the position to the exit engine.
// POST /api/positions {"asset_id": "<mint>"}
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pos, err := h.positions.Buy(r.Context(), strings.TrimSpace(req.AssetID), APISource)
	if err != nil {
		writeDomainError(w, r, h.logger, "open", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// Close sells what remains of one asset.
// DELETE /api/positions/{asset}
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	res, err := h.positions.Close(r.Context(), r.PathValue("asset"))
	if err != nil {
		writeDomainError(w, r, h.logger, "close", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type closeAllItem struct {
	exit.CloseResult
	Error string `json:"error,omitempty"`
}

type closeAllResponse struct {
	Results []closeAllItem `json:"results"`
	Failed  int            `json:"failed"`
}

// CloseAll sells every active position. Partial failure yields 207 with the
// failed assets marked.
// POST /api/positions/close-all
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	results := h.positions.CloseAll(r.Context())
	resp := closeAllResponse{Results: make([]closeAllItem, 0, len(results))}
	for _, res := range results {
		item := closeAllItem{CloseResult: res}
		if res.Err != nil {
			item.Error = res.Err.Error()
			resp.Failed++
		}
		resp.Results = append(resp.Results, item)
	}

	code := http.StatusOK
	if resp.Failed > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}
