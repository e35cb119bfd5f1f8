package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tutor/internal/uisignal"
)

// signalHandler ingests UI signals from the client: interaction events,
// custom signals, and region content snapshots. These feed the detection
// strategies armed for the caller's current step.
type signalHandler struct {
	hub *uisignal.Hub
}

// handleEvent reports a single user interaction. The target element carries
// its ancestor chain as a nested tree; the hub links parents on dispatch.
func (h *signalHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region string            `json:"region"`
		Name   string            `json:"name"`
		Target *uisignal.Element `json:"target,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "event name is required")
		return
	}

	h.hub.Dispatch(uisignal.Event{
		Region: req.Region,
		Name:   req.Name,
		Target: req.Target,
	})
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCustomSignal emits a named application signal, the escape hatch for
// actions the DOM strategies cannot see.
func (h *signalHandler) handleCustomSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "signal name is required")
		return
	}

	h.hub.Emit(req.Name)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleRegionUpdate replaces a region's content snapshot, waking content
// observers and refreshing what presence polling sees.
func (h *signalHandler) handleRegionUpdate(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	if region == "" {
		WriteBadRequest(w, r, "region is required")
		return
	}

	var root uisignal.Element
	if err := decodeBody(r, &root); err != nil {
		WriteError(w, r, err)
		return
	}

	h.hub.UpdateRegion(region, &root)
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleQuery counts elements matching a selector in a region's snapshot.
// Diagnostic endpoint; an empty region scans every known region.
func (h *signalHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("selector")
	if expr == "" {
		WriteBadRequest(w, r, "selector query parameter is required")
		return
	}
	region := r.URL.Query().Get("region")

	count, err := h.hub.Query(region, expr)
	if err != nil {
		WriteBadRequest(w, r, "invalid selector: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"count": count})
}
