package transport

import (
	"net/http"

	"github.com/pitabwire/tutor/internal/detection"
	"github.com/pitabwire/tutor/model"
)

// detectionHandler exposes the caller's armed detection cycles.
type detectionHandler struct {
	engine *detection.Engine
}

func (h *detectionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"cycles": h.engine.Status(rctx.SubjectID),
	})
}
