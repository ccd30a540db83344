package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"transit-gateway/internal/model"
)

// errorBody is the JSON shape of every error response: a machine-readable
// kind plus a human-readable message, never an internal stack trace.
type errorBody struct {
	Error   model.ErrorKind `json:"error"`
	Message string          `json:"message"`
}

// RespondError writes the standard error body with the given status.
func RespondError(c echo.Context, status int, kind model.ErrorKind, message string) error {
	return c.JSON(status, errorBody{Error: kind, Message: message})
}

// ErrorHandler returns an echo HTTPErrorHandler that renders framework-level
// failures (malformed requests, body-limit rejections, recovered panics) in
// the same error body shape the gateway handler uses.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		kind := model.KindInternalFault
		message := "unexpected gateway error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			message = fmt.Sprintf("%v", he.Message)
			switch {
			case code == http.StatusNotFound:
				kind = model.KindRouteNotFound
			case code >= 400 && code < 500:
				kind = model.KindClientInput
			}
		}

		if kind == model.KindInternalFault {
			logger.Error("request failed",
				"err", err,
				"path", c.Request().URL.Path,
			)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = RespondError(c, code, kind, message)
	}
}
