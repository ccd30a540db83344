// Package router selects upstream targets by longest-prefix path match.
package router

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"transit-gateway/internal/config"
	"transit-gateway/internal/model"
)

// Target is the immutable runtime form of a configured upstream target.
// Built once at startup and shared read-only by all concurrent requests.
type Target struct {
	ID          string
	Prefix      string
	BaseURL     *url.URL
	Timeout     time.Duration
	Retries     int
	RetryDelay  time.Duration
	RetryUnsafe bool
	CacheTTL    time.Duration
}

// Router matches request paths to targets. Matching is by path prefix on
// segment boundaries; the longest matching prefix wins, and equal-length
// ties resolve to the first configured target.
type Router struct {
	targets []*Target
}

// New builds a Router from the configured targets, parsing each base URL once.
func New(cfg *config.Config) (*Router, error) {
	targets := make([]*Target, 0, len(cfg.Targets))
	for i := range cfg.Targets {
		tc := &cfg.Targets[i]
		u, err := url.Parse(tc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("target %s: parse base_url: %w", tc.ID, err)
		}
		targets = append(targets, &Target{
			ID:          tc.ID,
			Prefix:      tc.Prefix,
			BaseURL:     u,
			Timeout:     tc.Timeout(),
			Retries:     tc.Retries,
			RetryDelay:  tc.RetryDelay(),
			RetryUnsafe: tc.RetryUnsafe,
			CacheTTL:    tc.CacheTTL(),
		})
	}
	return &Router{targets: targets}, nil
}

// Match returns the target whose prefix is the longest match for path, or
// model.ErrRouteNotFound when no target matches.
func (r *Router) Match(path string) (*Target, error) {
	var best *Target
	for _, t := range r.targets {
		if !matches(t.Prefix, path) {
			continue
		}
		// Strictly greater keeps the first configured target on ties.
		if best == nil || len(t.Prefix) > len(best.Prefix) {
			best = t
		}
	}
	if best == nil {
		return nil, model.ErrRouteNotFound
	}
	return best, nil
}

// Targets returns the configured targets in stable order.
func (r *Router) Targets() []*Target {
	return r.targets
}

// matches reports whether path falls under prefix. A prefix matches exactly
// or on a path-segment boundary, so /api does not match /apiary.
func matches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
