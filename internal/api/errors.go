package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/speculate/internal/engine"
)

// ErrBadRequest marks bodies rejected before they reach the engine.
var ErrBadRequest = errors.New("bad request")

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// writeServiceError maps engine errors onto HTTP statuses.
func writeServiceError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, ErrBadRequest):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		return writeNotFound(c, err.Error())
	case errors.Is(err, engine.ErrClosed):
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", err.Error(), "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}
