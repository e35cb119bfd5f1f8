package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/tutor/model"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func TestWriteError_statusMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
	}{
		{model.NewBadRequestError("bad"), http.StatusBadRequest},
		{model.NewUnauthorizedError("no"), http.StatusUnauthorized},
		{model.NewNotFoundError("gone"), http.StatusNotFound},
		{model.NewConflictError("race"), http.StatusConflict},
		{model.NewInvalidStateError("stale"), http.StatusUnprocessableEntity},
		{model.NewPersistenceError("db down"), http.StatusServiceUnavailable},
		{model.NewInitializationError("no def"), http.StatusServiceUnavailable},
		{model.NewActionTimeoutError("no signal"), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		WriteError(rec, req, tc.err)
		if rec.Code != tc.wantStatus {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.wantStatus)
		}
	}
}

func TestWriteError_envelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteError(rec, req, model.NewNotFoundError("no such template"))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	ee := decodeErrorBody(t, rec)
	if ee.Code != model.ErrNotFound || ee.Message != "no such template" {
		t.Errorf("envelope = %+v", ee)
	}
}

func TestWriteError_nonEnvelopeBecomesInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteError(rec, req, errors.New("pq: connection reset"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	ee := decodeErrorBody(t, rec)
	if ee.Code != model.ErrInternalError {
		t.Errorf("code = %q", ee.Code)
	}
	// The raw error text must not leak to the client.
	if strings.Contains(ee.Message, "pq:") {
		t.Errorf("internal detail leaked: %q", ee.Message)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]string{"status": "queued"})

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"queued"`) {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	WriteJSON(rec, http.StatusNoContent, nil)
	if rec.Body.Len() != 0 {
		t.Errorf("nil body produced output: %q", rec.Body.String())
	}
}

func TestDecodeBody(t *testing.T) {
	type payload struct {
		FromStep string `json:"from_step"`
	}

	var dst payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"from_step":"welcome"}`))
	if err := decodeBody(req, &dst); err != nil {
		t.Fatalf("decodeBody error: %v", err)
	}
	if dst.FromStep != "welcome" {
		t.Errorf("FromStep = %q", dst.FromStep)
	}

	// An empty body is allowed and leaves the destination untouched.
	dst = payload{FromStep: "unchanged"}
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	if err := decodeBody(req, &dst); err != nil {
		t.Fatalf("empty body error: %v", err)
	}
	if dst.FromStep != "unchanged" {
		t.Errorf("empty body mutated dst: %q", dst.FromStep)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"from_step":`))
	if err := decodeBody(req, &dst); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("malformed body error = %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"surprise":true}`))
	if err := decodeBody(req, &dst); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("unknown field error = %v", err)
	}
}
