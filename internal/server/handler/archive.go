package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// ArchiveHandler lists archived history objects.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logger.With(slog.String("handler", "archives"))}
}

// List returns archive objects, optionally narrowed to one kind.
// GET /api/archives?kind=positions|audit
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := "archive/"
	switch kind := strings.TrimSpace(r.URL.Query().Get("kind")); kind {
	case "":
	case "positions", "audit":
		prefix += kind + "/"
	default:
		writeError(w, http.StatusBadRequest, "kind must be positions or audit")
		return
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}
