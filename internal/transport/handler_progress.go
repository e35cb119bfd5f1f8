package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tutor/internal/progress"
	"github.com/pitabwire/tutor/internal/template"
	"github.com/pitabwire/tutor/model"
)

// progressHandler serves the tutorial lifecycle endpoints. The subject is
// always taken from the authenticated request context, never from the body.
type progressHandler struct {
	svc     *progress.Service
	catalog *template.Catalog
}

// handleInitialize starts (or resumes) the tutorial for the caller. The
// optional body carries traits that drive automatic variant assignment; they
// are applied before the definition is resolved so a first-time caller lands
// on the right template.
func (h *progressHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var req struct {
		Traits model.UserTraits `json:"traits"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	if _, err := h.catalog.AssignVariant(r.Context(), rctx.SubjectID, req.Traits); err != nil {
		WriteError(w, r, err)
		return
	}

	p, err := h.svc.Initialize(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *progressHandler) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	p, err := h.svc.GetProgress(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// handleAdvance moves the caller past the step they claim to be on. The
// from_step field makes the transition self-describing: if the server has
// already moved on, the request is stale and rejected.
func (h *progressHandler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var req struct {
		FromStep model.StepID `json:"from_step"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	p, err := h.svc.AdvanceToNextStep(r.Context(), rctx.SubjectID, req.FromStep)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// handleSkipStep skips the caller's current step. The optional step field
// names the step the caller believes it is skipping; a mismatch is rejected
// as a stale transition, the same as advance.
func (h *progressHandler) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var req struct {
		Step model.StepID `json:"step"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	p, err := h.svc.SkipStep(r.Context(), rctx.SubjectID, req.Step)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *progressHandler) handleSkipTutorial(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	p, err := h.svc.SkipTutorial(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *progressHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	p, err := h.svc.RestartTutorial(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *progressHandler) handleStepConfig(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	sc, err := h.svc.GetStepConfig(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, sc)
}

// handleVisibility answers "should the tutorial UI render at all". It never
// fails: on any uncertainty the tutorial shows.
func (h *progressHandler) handleVisibility(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	show := h.svc.ShouldShowTutorial(r.Context(), rctx.SubjectID)
	WriteJSON(w, http.StatusOK, map[string]bool{"show": show})
}

func (h *progressHandler) handleMarkAction(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	action := model.ActionKey(chi.URLParam(r, "actionKey"))
	if action == "" {
		WriteBadRequest(w, r, "action key is required")
		return
	}

	p, err := h.svc.MarkActionCompleted(r.Context(), rctx.SubjectID, action)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *progressHandler) handleActionStatus(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	action := model.ActionKey(chi.URLParam(r, "actionKey"))
	if action == "" {
		WriteBadRequest(w, r, "action key is required")
		return
	}

	done, err := h.svc.IsActionCompleted(r.Context(), rctx.SubjectID, action)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"completed": done})
}

func (h *progressHandler) handleStepActionStatus(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	status, err := h.svc.CheckStepActionCompletion(r.Context(), rctx.SubjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// handleErrorHistory exposes the recovery subsystem's rotating error history,
// for support tooling.
func (h *progressHandler) handleErrorHistory(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"errors": h.svc.ErrorHistory(),
	})
}
