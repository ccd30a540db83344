package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"transit-gateway/internal/metrics"
	"transit-gateway/internal/router"
)

// Metrics returns an Echo middleware that records Prometheus metrics for each
// inbound request, labelled by the upstream target the path routes to.
// metricsPath is the configured scrape endpoint, labelled as operational
// rather than by router match.
func Metrics(m *metrics.Metrics, r *router.Router, metricsPath string) echo.MiddlewareFunc {
	operational := operationalPaths(metricsPath)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later. We inspect
			// the error to get the correct code for metrics.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			target := targetLabel(r, operational, c.Request().URL.Path)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, target).Inc()
			m.RequestDuration.WithLabelValues(method, status, target).Observe(duration)

			return err
		}
	}
}

// operationalPaths returns the gateway-owned endpoints labelled by their own
// path, including the configured metrics scrape path.
func operationalPaths(metricsPath string) map[string]bool {
	paths := map[string]bool{
		"/healthz":        true,
		"/gateway/status": true,
	}
	if metricsPath != "" {
		paths[metricsPath] = true
	}
	return paths
}

// targetLabel returns a bounded target label: the target id for routed paths,
// the path itself for operational endpoints, "none" otherwise. Target ids are
// a fixed configured set, so cardinality stays bounded.
func targetLabel(r *router.Router, operational map[string]bool, path string) string {
	if operational[path] {
		return path
	}
	if t, err := r.Match(path); err == nil {
		return t.ID
	}
	return "none"
}
