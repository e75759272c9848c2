// Package apierr holds the error taxonomy shared by the backend and its clients
// and the structured error body both sides exchange.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrCubicleUnavailable = errors.New("cubicle unavailable")
	ErrQueueEmpty         = errors.New("queue empty")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
)

const (
	CodeInvalidTransition  = "invalid_transition"
	CodeCubicleUnavailable = "cubicle_unavailable"
	CodeQueueEmpty         = "queue_empty"
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidJSON        = "invalid_json"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// TransportError reports that a request never got a usable answer from the
// backend. The connection layer retries on its own; user actions are not.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary is always true: the same request may succeed once the network
// recovers, but only if the actor issues it again.
func (e *TransportError) Temporary() bool {
	return true
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Body struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type Response struct {
	RequestID string `json:"request_id,omitempty"`
	Error     Body   `json:"error"`
}

// RemoteError is a structured rejection returned by the backend.
type RemoteError struct {
	Status int
	Body   Body
	kind   error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Body.Message == "":
		return e.Body.Code
	case e.Body.Code == "":
		return e.Body.Message
	}
	return e.Body.Code + ": " + e.Body.Message
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}

// Err converts a decoded error body back into the taxonomy.
func (b Body) Err(status int) error {
	return &RemoteError{Status: status, Body: b, kind: kindForCode(b.Code, status)}
}

func kindForCode(code string, status int) error {
	switch code {
	case CodeInvalidTransition:
		return ErrInvalidTransition
	case CodeCubicleUnavailable:
		return ErrCubicleUnavailable
	case CodeQueueEmpty:
		return ErrQueueEmpty
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeNotFound:
		return ErrNotFound
	case CodeInvalidRequest, CodeInvalidJSON:
		return ErrInvalidRequest
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Code maps an error to its HTTP status and wire code.
func Code(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, ErrCubicleUnavailable):
		return http.StatusConflict, CodeCubicleUnavailable
	case errors.Is(err, ErrQueueEmpty):
		return http.StatusConflict, CodeQueueEmpty
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
