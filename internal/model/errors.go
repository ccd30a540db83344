package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable error category included in every error
// response body.
type ErrorKind string

const (
	KindClientInput        ErrorKind = "ClientInputError"
	KindRouteNotFound      ErrorKind = "RouteNotFoundError"
	KindUpstreamTimeout    ErrorKind = "UpstreamTimeoutError"
	KindUpstreamConnection ErrorKind = "UpstreamConnectionError"
	KindUpstreamProtocol   ErrorKind = "UpstreamProtocolError"
	KindInternalFault      ErrorKind = "InternalFault"
)

// ErrRouteNotFound is returned when no configured target matches the request path.
var ErrRouteNotFound = errors.New("no upstream target matches the request path")

// UpstreamError describes a failed upstream call after the retry budget is spent.
type UpstreamError struct {
	Kind     ErrorKind
	Target   string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCode maps the error kind to the HTTP status returned to the caller.
func (e *UpstreamError) StatusCode() int {
	if e.Kind == KindUpstreamTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
