package model

import (
	"context"
	"fmt"
)

// RequestContext carries identity and tracing information for the lifetime
// of an authenticated request. The engine performs no authentication itself;
// SubjectID is the opaque, stable user identifier supplied by the identity
// collaborator and trusted as-is. Immutable after construction, safe for
// concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	Claims        map[string]any
	SessionID     string
	DeviceID      string
	CorrelationID string
	TraceID       string
	Locale        string
	Timezone      string
}

// Validate checks that the mandatory SubjectID is present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return fmt.Errorf("SubjectID is required")
	}
	return nil
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. Safe to call in handlers that are guaranteed to run behind
// the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
