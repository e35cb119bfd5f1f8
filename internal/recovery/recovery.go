// Package recovery classifies engine failures and recommends retry/recover
// policy. It never performs the retry or recovery itself — the detection
// engine and the state machine are the actuators.
package recovery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tutor/model"
)

const defaultHistoryLimit = 100

// classification tags an error code as recoverable (there is a sensible
// user-facing next step) and retryable (safe to re-attempt automatically),
// independently.
type classification struct {
	recoverable    bool
	retryable      bool
	recoveryAction string
	userMessage    string
}

// taxonomy maps error codes to their classification.
var taxonomy = map[string]classification{
	model.ErrPersistenceFailure: {
		recoverable:    true,
		retryable:      true,
		recoveryAction: "retry_save",
		userMessage:    "We couldn't save your tutorial progress. Your work is safe — we'll try again.",
	},
	model.ErrInitializationFailure: {
		recoverable:    true,
		retryable:      false,
		recoveryAction: "restart_tutorial",
		userMessage:    "The tutorial couldn't start properly. You can restart it from the beginning.",
	},
	model.ErrInvalidState: {
		recoverable: false,
		retryable:   false,
		userMessage: "Something got out of sync. Refresh to pick up where you left off.",
	},
	model.ErrActionTimeout: {
		recoverable:    true,
		retryable:      true,
		recoveryAction: "show_step_hint",
		userMessage:    "We couldn't tell whether you finished this step. Try the highlighted action again.",
	},
}

// Decision is the outcome of handling an error: whether the caller should
// re-attempt automatically, whether a user-facing recovery path exists, and
// what to show the user.
type Decision struct {
	ShouldRetry    bool   `json:"should_retry"`
	ShouldRecover  bool   `json:"should_recover"`
	RecoveryAction string `json:"recovery_action,omitempty"`
	UserMessage    string `json:"user_message"`
}

// Context associates an error record with the step, action, and user it
// occurred for.
type Context struct {
	StepID    model.StepID
	ActionKey model.ActionKey
	UserID    string
}

// Handler creates, records, and classifies error records. Aside from the
// bounded rotating history it is stateless per call; callers track their own
// retry budgets.
type Handler struct {
	mu      sync.Mutex
	history []model.ErrorRecord
	limit   int
	logger  *zap.Logger
}

// NewHandler creates a Handler with the given history limit (0 means the
// default of 100 records).
func NewHandler(historyLimit int, logger *zap.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{limit: historyLimit, logger: logger}
}

// CreateError builds a structured error record, tags it from the taxonomy,
// and appends it to the rotating history.
func (h *Handler) CreateError(code, message string, ectx Context) model.ErrorRecord {
	cls := taxonomy[code]
	rec := model.ErrorRecord{
		ID:          uuid.New().String(),
		Code:        code,
		Message:     message,
		Recoverable: cls.recoverable,
		Retryable:   cls.retryable,
		StepID:      ectx.StepID,
		ActionKey:   ectx.ActionKey,
		UserID:      ectx.UserID,
		Timestamp:   time.Now().UTC(),
	}

	h.mu.Lock()
	h.history = append(h.history, rec)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	h.mu.Unlock()

	h.logger.Warn("tutorial error recorded",
		zap.String("code", code),
		zap.String("message", message),
		zap.String("user_id", ectx.UserID),
		zap.String("step_id", string(ectx.StepID)),
		zap.String("action_key", string(ectx.ActionKey)),
	)
	return rec
}

// Handle returns the recommended policy for an error record. The decision
// depends only on the record's declared flags; for timeout-class errors the
// caller decides whether budget remains before acting on ShouldRetry.
func (h *Handler) Handle(rec model.ErrorRecord) Decision {
	cls, known := taxonomy[rec.Code]
	if !known {
		return Decision{
			UserMessage: "An unexpected error occurred. Please try again later.",
		}
	}
	return Decision{
		ShouldRetry:    cls.retryable,
		ShouldRecover:  cls.recoverable,
		RecoveryAction: cls.recoveryAction,
		UserMessage:    cls.userMessage,
	}
}

// Classify returns the recoverable/retryable flags for a code. Unknown codes
// are neither.
func Classify(code string) (recoverable, retryable bool) {
	cls := taxonomy[code]
	return cls.recoverable, cls.retryable
}

// History returns a copy of the recorded errors, oldest first.
func (h *Handler) History() []model.ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.ErrorRecord, len(h.history))
	copy(out, h.history)
	return out
}

// ClearHistory resets the rotating history. Used at test and session
// boundaries.
func (h *Handler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
}
