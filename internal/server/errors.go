package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
)

// rateLimitedError signals a rejected request with a retry hint.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.retryAfter)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	if ge, ok := billing.AsGatewayError(err); ok {
		if ge.Code == billing.GatewayErrTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	switch domain.CodeOf(err) {
	case domain.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.ErrCodeForbidden:
		return http.StatusForbidden
	case domain.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// errorHandler renders every error as the JSON envelope, hiding internal
// detail for 5xx responses.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := statusFor(err)
	body := errorBody{}

	var rl *rateLimitedError
	var de *domain.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &rl):
		body.Code = "RATE_LIMITED"
		body.Message = "too many requests"
	case errors.As(err, &de):
		body.Code = de.Code
		body.Message = de.Message
		body.Details = de.Details
	case errors.As(err, &he):
		status = he.Code
		body.Code = http.StatusText(he.Code)
		body.Message = fmt.Sprintf("%v", he.Message)
	default:
		if ge, ok := billing.AsGatewayError(err); ok {
			body.Code = string(ge.Code)
			body.Message = ge.Message
		} else {
			body.Code = domain.ErrCodeInternal
			body.Message = "internal error"
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error(c.Request().Context(), "request failed", zap.Error(err),
			zap.String("path", c.Path()),
			zap.Int("status", status))
		// Internal detail never reaches the client.
		body.Details = ""
	}

	if writeErr := c.JSON(status, body); writeErr != nil {
		log.Error(c.Request().Context(), "failed to write error response", zap.Error(writeErr))
	}
}
