package model

import (
	"context"
	"testing"
)

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1", Claims: map[string]any{"email": "u@example.com"}}
	ctx := WithRequestContext(context.Background(), rc)

	if got := RequestContextFrom(ctx); got != rc {
		t.Error("RequestContextFrom did not return the attached context")
	}
	if got := MustRequestContext(ctx); got.SubjectID != "user-1" {
		t.Errorf("SubjectID = %q", got.SubjectID)
	}
	if RequestContextFrom(context.Background()) != nil {
		t.Error("RequestContextFrom found a context where none was attached")
	}
}

func TestRequestContext_Validate(t *testing.T) {
	rc := &RequestContext{}
	if err := rc.Validate(); err == nil {
		t.Error("empty subject validated")
	}
	rc.SubjectID = "user-1"
	if err := rc.Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{}
	if rc.Claim("email") != nil {
		t.Error("nil claims returned a value")
	}
	rc.Claims = map[string]any{"email": "u@example.com"}
	if rc.Claim("email") != "u@example.com" {
		t.Errorf("Claim = %v", rc.Claim("email"))
	}
}

func TestMustRequestContext_panicsWithoutContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRequestContext did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
