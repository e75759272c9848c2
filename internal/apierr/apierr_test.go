package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeRoundTrip(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
		{ErrCubicleUnavailable, http.StatusConflict, CodeCubicleUnavailable},
		{ErrQueueEmpty, http.StatusConflict, CodeQueueEmpty},
		{ErrUnauthorized, http.StatusForbidden, CodeUnauthorized},
		{ErrNotFound, http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("store.CallNext: %w", ErrQueueEmpty), http.StatusConflict, CodeQueueEmpty},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		status, code := Code(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("Code(%v)=(%d,%s), want (%d,%s)", tc.err, status, code, tc.status, tc.code)
		}
		if code == CodeInternal {
			continue
		}
		back := Body{Code: code}.Err(status)
		if !errors.Is(back, tc.err) && !errors.Is(tc.err, errors.Unwrap(back)) {
			t.Fatalf("Body{%s}.Err does not map back to %v", code, tc.err)
		}
	}
}

func TestBodyErrFallsBackOnStatus(t *testing.T) {
	err := Body{Code: "access_denied"}.Err(http.StatusForbidden)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	err = Body{Code: "weird"}.Err(http.StatusInternalServerError)
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected kind for %v", err)
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("finish: %w", &TransportError{Op: "POST /api/tickets/x/actions/finish", Err: cause})
	if !IsTransport(err) {
		t.Fatalf("expected transport error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
}
