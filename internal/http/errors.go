package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/jobs"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Error kinds.
const (
	KindNotFound            = "not_found"
	KindInvalidRequest      = "invalid_request"
	KindSetupFailure        = "setup_failure"
	KindValidationExhausted = "validation_exhausted"
	KindUpstream            = "upstream"
	KindUnavailable         = "unavailable"
	KindTimeout             = "timeout"
	KindInternal            = "internal"
)

// classify maps an error to its HTTP status and kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, flowerr.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, flowerr.ErrInvalidRequest):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, flowerr.ErrSetupFailure):
		return http.StatusUnprocessableEntity, KindSetupFailure
	case errors.Is(err, flowerr.ErrValidationExhausted):
		return http.StatusUnprocessableEntity, KindValidationExhausted
	case errors.Is(err, flowerr.ErrUpstream):
		return http.StatusBadGateway, KindUpstream
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable, KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, KindTimeout
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

// badRequest wraps a bind or decode failure.
func badRequest(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Errorf("%w: %v", flowerr.ErrInvalidRequest, he.Message)
	}
	return fmt.Errorf("%w: %v", flowerr.ErrInvalidRequest, err)
}

// handleError renders errors returned by handlers and middleware.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	ctx := c.Request().Context()
	corrID := logging.CorrelationIDFromContext(ctx)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, ErrorResponse{
			Error:         fmt.Sprint(he.Message),
			Kind:          kindForStatus(he.Code),
			CorrelationID: corrID,
		})
		return
	}

	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", zap.String("kind", kind), zap.Error(err))
	} else {
		s.logger.Debug(ctx, "request rejected", zap.String("kind", kind), zap.Error(err))
	}
	_ = c.JSON(status, ErrorResponse{
		Error:         flowerr.WithCorrelation(err, corrID),
		Kind:          kind,
		CorrelationID: corrID,
	})
}

func kindForStatus(code int) string {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusServiceUnavailable:
		return KindUnavailable
	case code < http.StatusInternalServerError:
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
