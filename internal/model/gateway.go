// Package model defines the boundary data model shared by the gateway layers.
package model

import (
	"context"
	"net/http"
	"net/url"
)

// GatewayRequest represents an inbound request to be forwarded upstream.
// It is built once at the handler boundary and treated as read-only by the
// routing and client layers, except for header filtering performed by the
// service before the first upstream attempt.
type GatewayRequest struct {
	Ctx        context.Context
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// UpstreamResult represents a response received from an upstream target.
// The body is fully buffered so it can be retried against, cached, and
// relayed without the layers sharing a stream.
type UpstreamResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy of the result so cached entries are never
// mutated by callers.
func (r *UpstreamResult) Clone() *UpstreamResult {
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &UpstreamResult{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
	}
}
