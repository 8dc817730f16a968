package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Precondition errors reported by POST /assessments/:id/start. They are never retried.
var (
	ErrAlreadyCompleted = errors.New("assessment already completed")
	ErrNotYetAvailable  = errors.New("assessment not yet available")
	ErrExpired          = errors.New("assessment expired")
)

var (
	// ErrTransient marks network failures, timeouts and 5xx responses that survived all retries.
	ErrTransient    = errors.New("transient api failure")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// APIError is a non-2xx response decoded from the envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response onto the package sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "already_completed":
		return ErrAlreadyCompleted
	case "not_yet_available":
		return ErrNotYetAvailable
	case "expired":
		return ErrExpired
	}
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case retryableStatus(e.Status):
		return ErrTransient
	}
	return nil
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

// IsPrecondition reports whether err is one of the start preconditions.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrNotYetAvailable) || errors.Is(err, ErrExpired)
}
