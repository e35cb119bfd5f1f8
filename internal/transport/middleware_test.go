package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/tutor/internal/config"
	"github.com/pitabwire/tutor/model"
)

func TestRecovery_turnsPanicInto500(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if ee := decodeErrorBody(t, rec); ee.Code != model.ErrInternalError {
		t.Errorf("code = %q", ee.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         600,
	}
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Allowed origin gets the CORS headers.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	// Unlisted origins get nothing.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin received CORS headers")
	}

	// Preflight short-circuits with 204.
	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}

func TestBuildRequestContext_headerMode(t *testing.T) {
	cfg := config.IdentityConfig{Mode: "header", SubjectHeader: "X-User-Id"}

	var got *model.RequestContext
	h := BuildRequestContext(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.MustRequestContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "user-1")
	req.Header.Set("X-Session-Id", "sess-9")
	req.Header.Set("Accept-Language", "de-DE")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.SubjectID != "user-1" || got.SessionID != "sess-9" || got.Locale != "de-DE" {
		t.Errorf("request context = %+v", got)
	}

	// Missing subject header is rejected before the handler runs.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without subject = %d", rec.Code)
	}
}

func TestBuildRequestContext_jwtMode(t *testing.T) {
	cfg := config.IdentityConfig{Mode: "jwt", SubjectClaim: "sub"}

	var got *model.RequestContext
	h := BuildRequestContext(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.MustRequestContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Claims are placed in the context by the JWT authenticator upstream.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	claims := map[string]any{"sub": "user-7", "email": "u@example.com"}
	req = req.WithContext(WithClaims(req.Context(), claims))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.SubjectID != "user-7" || got.Email != "u@example.com" {
		t.Errorf("request context = %+v", got)
	}

	// A subject header alone does not satisfy jwt mode.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "user-7")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without claims = %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "corr-7" || rec.Header().Get("X-Correlation-Id") != "corr-7" {
		t.Errorf("correlation id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Correlation-Id"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.Header().Get("X-Correlation-Id")) != 32 {
		t.Errorf("generated id = %q", rec.Header().Get("X-Correlation-Id"))
	}
}
