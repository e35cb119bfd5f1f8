package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tutor/internal/config"
	"github.com/pitabwire/tutor/internal/detection"
	"github.com/pitabwire/tutor/internal/observability"
	"github.com/pitabwire/tutor/internal/progress"
	"github.com/pitabwire/tutor/internal/template"
	"github.com/pitabwire/tutor/internal/uisignal"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Progress     *progress.Service
	Catalog      *template.Catalog
	Hub          *uisignal.Hub
	Engine       *detection.Engine
	Ready        observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes — bypass authentication.
	r.Get("/tutorial/health", observability.HandleHealth())
	r.Get("/tutorial/ready", observability.HandleReady(deps.Ready))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	ph := &progressHandler{svc: deps.Progress, catalog: deps.Catalog}
	th := &templateHandler{catalog: deps.Catalog}
	sh := &signalHandler{hub: deps.Hub}
	dh := &detectionHandler{engine: deps.Engine}

	// Authenticated routes — full middleware chain.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/tutorial/progress", ph.handleInitialize)
		r.Get("/tutorial/progress", ph.handleGetProgress)
		r.Post("/tutorial/progress/advance", ph.handleAdvance)
		r.Post("/tutorial/progress/skip-step", ph.handleSkipStep)
		r.Post("/tutorial/progress/skip", ph.handleSkipTutorial)
		r.Post("/tutorial/progress/restart", ph.handleRestart)
		r.Get("/tutorial/progress/step", ph.handleStepConfig)
		r.Get("/tutorial/progress/visibility", ph.handleVisibility)
		r.Get("/tutorial/progress/action-status", ph.handleStepActionStatus)
		r.Post("/tutorial/progress/actions/{actionKey}", ph.handleMarkAction)
		r.Get("/tutorial/progress/actions/{actionKey}", ph.handleActionStatus)

		r.Get("/tutorial/templates", th.handleListTemplates)
		r.Get("/tutorial/templates/{templateId}", th.handleGetTemplate)
		r.Get("/tutorial/templates/{templateId}/analytics", th.handleAnalytics)
		r.Post("/tutorial/templates/{templateId}/optimize", th.handleOptimize)
		r.Get("/tutorial/variants", th.handleListVariants)
		r.Get("/tutorial/definition", th.handleGetDefinition)
		r.Get("/tutorial/assignment", th.handleGetAssignment)
		r.Post("/tutorial/assignment", th.handleAssign)
		r.Put("/tutorial/assignment/variant", th.handleSetVariant)
		r.Put("/tutorial/preferences", th.handleSetPreferences)

		r.Post("/tutorial/signals/events", sh.handleEvent)
		r.Post("/tutorial/signals/custom", sh.handleCustomSignal)
		r.Put("/tutorial/signals/regions/{region}", sh.handleRegionUpdate)
		r.Get("/tutorial/signals/query", sh.handleQuery)

		r.Get("/tutorial/detection/status", dh.handleStatus)
		r.Get("/tutorial/errors", ph.handleErrorHistory)
	})

	return r
}
