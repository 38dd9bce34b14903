package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionExpired means the refresh credential was rejected or absent.
	// The session has been torn down.
	ErrSessionExpired    = errors.New("session expired, please log in again")
	ErrMalformedResponse = errors.New("malformed backend response")
	ErrNoBaseURL         = errors.New("backend base URL is required")
)

// APIError is a non-2xx backend response.
type APIError struct {
	Status    int
	Message   string
	Errors    json.RawMessage
	Method    string
	Path      string
	RequestID string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// IsUnauthorized reports whether the backend rejected the credential.
func (e *APIError) IsUnauthorized() bool { return e.Status == http.StatusUnauthorized }

// NetworkError means the backend was not reached at all, including timeouts.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RefreshError is a refresh that failed for a reason other than a rejected
// refresh credential. The session is left intact.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsUnauthorized()
}

// IsNetwork reports whether err means the backend was unreachable.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// StatusCode returns the backend status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
