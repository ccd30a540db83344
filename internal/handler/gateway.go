package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"transit-gateway/internal/model"
	"transit-gateway/internal/service"
)

// GatewayHandler converts inbound echo requests into the gateway data model,
// forwards them, and writes the relayed response.
type GatewayHandler struct {
	service *service.GatewayService
	logger  *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.GatewayService, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service: svc,
		logger:  logger.With("component", "gateway_handler"),
	}
}

// Handle forwards the request to its upstream target and relays the response.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	// The body is buffered once here; the BodyLimit middleware bounds its size.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return RespondError(c, http.StatusBadRequest, model.KindClientInput, "failed to read request body")
	}

	gr := &model.GatewayRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Path:       req.URL.Path,
		Query:      req.URL.Query(),
		Header:     req.Header.Clone(),
		Body:       body,
		RemoteAddr: c.RealIP(),
	}

	res, err := h.service.Forward(gr)
	if err != nil {
		return h.mapError(c, err)
	}

	// Client gone: discard the result rather than write to a dead connection.
	if req.Context().Err() != nil {
		return nil
	}

	respHeader := c.Response().Header()
	for key, vals := range res.Header {
		for _, v := range vals {
			respHeader.Add(key, v)
		}
	}

	c.Response().WriteHeader(res.StatusCode)
	if _, err := c.Response().Write(res.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	// Caller disconnected mid-call: the upstream call was abandoned and there
	// is nobody left to answer.
	if c.Request().Context().Err() == context.Canceled {
		h.logger.Debug("client disconnected before upstream completed",
			"path", c.Request().URL.Path,
		)
		return nil
	}

	if errors.Is(err, model.ErrRouteNotFound) {
		return RespondError(c, http.StatusNotFound, model.KindRouteNotFound,
			fmt.Sprintf("no upstream target is configured for path %q", c.Request().URL.Path))
	}

	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		h.logger.Error("upstream call failed",
			"err", err,
			"target", ue.Target,
			"kind", string(ue.Kind),
			"attempts", ue.Attempts,
			"path", c.Request().URL.Path,
		)
		return RespondError(c, ue.StatusCode(), ue.Kind,
			fmt.Sprintf("upstream %q failed after %d attempt(s)", ue.Target, ue.Attempts))
	}

	h.logger.Error("gateway error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return RespondError(c, http.StatusInternalServerError, model.KindInternalFault,
		"unexpected gateway error")
}
