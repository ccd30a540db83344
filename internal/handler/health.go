package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"transit-gateway/internal/router"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	router  *router.Router
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(r *router.Router, v Version) *HealthHandler {
	return &HealthHandler{router: r, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// targetStatus is one configured target as reported by the status endpoint.
type targetStatus struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
}

// Status returns gateway status information including the configured targets.
func (h *HealthHandler) Status(c echo.Context) error {
	targets := make([]targetStatus, 0, len(h.router.Targets()))
	for _, t := range h.router.Targets() {
		targets = append(targets, targetStatus{ID: t.ID, Prefix: t.Prefix})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": string(h.version),
		"targets": targets,
	})
}
