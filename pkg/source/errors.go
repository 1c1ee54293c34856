package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies connector failures.
type ErrorKind string

const (
	AuthFailure       ErrorKind = "auth_failure"
	RateLimited       ErrorKind = "rate_limited"
	NetworkFailure    ErrorKind = "network_failure"
	MalformedResponse ErrorKind = "malformed_response"
	Timeout           ErrorKind = "timeout"
)

// ConnectorError is returned by every Connector.Fetch failure.
type ConnectorError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *ConnectorError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on another attempt.
func (e *ConnectorError) Transient() bool {
	switch e.Kind {
	case RateLimited, NetworkFailure, Timeout:
		return true
	}
	return false
}

// IsTransient is the retry predicate for connector errors.
func IsTransient(err error) bool {
	var ce *ConnectorError
	return errors.As(err, &ce) && ce.Transient()
}

func newError(source string, kind ErrorKind, err error) *ConnectorError {
	return &ConnectorError{Source: source, Kind: kind, Err: err}
}

// statusError maps a non-2xx HTTP status to a connector error.
func statusError(source string, status int) *ConnectorError {
	err := fmt.Errorf("status %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(source, AuthFailure, err)
	case status == http.StatusTooManyRequests:
		return newError(source, RateLimited, err)
	case status >= 500:
		return newError(source, NetworkFailure, err)
	}
	return newError(source, MalformedResponse, err)
}

// transportError classifies an error from http.Client.Do or an SDK call
// that did not produce an HTTP status.
func transportError(source string, err error) *ConnectorError {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(source, Timeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(source, Timeout, err)
	}
	return newError(source, NetworkFailure, err)
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
