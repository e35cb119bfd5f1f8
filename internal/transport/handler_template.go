package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tutor/internal/template"
	"github.com/pitabwire/tutor/model"
)

// templateHandler serves the template catalog, variant assignment, and
// analytics endpoints.
type templateHandler struct {
	catalog *template.Catalog
}

func (h *templateHandler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if audience := r.URL.Query().Get("audience"); audience != "" {
		WriteJSON(w, http.StatusOK, map[string]any{
			"templates": h.catalog.TemplatesForAudience(audience),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"templates": h.catalog.Templates(),
	})
}

func (h *templateHandler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateId")
	t, ok := h.catalog.Template(id)
	if !ok {
		WriteNotFound(w, r, "tutorial template "+id+" not found")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

func (h *templateHandler) handleListVariants(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"variants": h.catalog.Variants(),
	})
}

func (h *templateHandler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateId")
	if _, ok := h.catalog.Template(id); !ok {
		WriteNotFound(w, r, "tutorial template "+id+" not found")
		return
	}
	WriteJSON(w, http.StatusOK, h.catalog.Analytics(id))
}

// handleOptimize tunes a template's configuration. Explicit hints in the
// body are applied as-is; with no hints the template's own analytics decide
// what to apply.
func (h *templateHandler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateId")

	var req struct {
		Hints []string `json:"hints"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if len(req.Hints) == 0 {
		derived, err := h.catalog.OptimizationHints(id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		req.Hints = derived
	}

	tmpl, err := h.catalog.OptimizeTemplate(id, req.Hints)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"template_id": id,
		"hints":       req.Hints,
		"config":      tmpl.Config,
	})
}

// handleGetAssignment returns the caller's sticky variant assignment,
// creating the standard one if none exists yet.
func (h *templateHandler) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	a, err := h.catalog.AssignVariant(r.Context(), rctx.SubjectID, model.UserTraits{})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// handleAssign runs trait-based assignment for the caller. Sticky: a second
// call returns the existing assignment regardless of traits.
func (h *templateHandler) handleAssign(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var req struct {
		Traits model.UserTraits `json:"traits"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	a, err := h.catalog.AssignVariant(r.Context(), rctx.SubjectID, req.Traits)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// handleSetVariant pins the caller to an explicit variant, overriding any
// trait-based assignment.
func (h *templateHandler) handleSetVariant(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var req struct {
		VariantID string `json:"variant_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.VariantID == "" {
		WriteBadRequest(w, r, "variant_id is required")
		return
	}

	a, err := h.catalog.SetVariant(r.Context(), rctx.SubjectID, req.VariantID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

func (h *templateHandler) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var prefs model.TutorialConfigPatch
	if err := decodeBody(r, &prefs); err != nil {
		WriteError(w, r, err)
		return
	}

	if err := h.catalog.SetPreferences(r.Context(), rctx.SubjectID, &prefs); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusNoContent, nil)
}

// handleGetDefinition returns the fully assembled tutorial definition for the
// caller: template config with variant overrides and user preferences applied.
func (h *templateHandler) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	def, err := h.catalog.DefinitionFor(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}
