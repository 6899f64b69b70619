package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{nil, http.StatusOK},
		{Configuration("op", "endpoint not set"), http.StatusServiceUnavailable},
		{Validation("op", "bad prompt"), http.StatusBadRequest},
		{Auth("op", "missing key"), http.StatusUnauthorized},
		{Permission("op", "read only"), http.StatusForbidden},
		{RateLimit("op", "slow down"), http.StatusTooManyRequests},
		{Upstream("op", "gateway failed"), http.StatusInternalServerError},
		{New(KindNotFound, "op", "gone"), http.StatusNotFound},
		{New(KindConflict, "op", "exists"), http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.expected {
			t.Errorf("HTTPStatus(%v) = %d, expected %d", tt.err, got, tt.expected)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("pipeline: %w", Wrap(KindConfiguration, "extract", base))

	if KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration kind, got %s", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
	if !Is(err, KindConfiguration) {
		t.Error("Is should match the wrapped kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindUpstream, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindUpstream, Message: "gateway call failed", Err: errors.New("timeout")}
	if err.Error() != "gateway call failed: timeout" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if New(KindAuth, "", "").Error() != "auth error" {
		t.Errorf("unexpected empty message %q", New(KindAuth, "", "").Error())
	}
}
