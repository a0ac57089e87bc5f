package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/log"
	"github.com/saasops/adminservice/internal/metrics"
	"github.com/saasops/adminservice/internal/ratelimit"
	"github.com/saasops/adminservice/internal/tracing"
)

const requestIDHeader = "X-Request-Id"

// requestID assigns each request an id and threads it through the context
// for log correlation.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(requestIDHeader, id)
			ctx := log.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// traces opens a span per request, continuing any inbound trace context,
// and threads the trace id into the log context.
func traces() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracing.StartSpan(ctx, req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			if id := tracing.GetTraceID(ctx); id != "" {
				ctx = log.WithTraceID(ctx, id)
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
	}
}

// requestMetrics records request counts and latency per route.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = statusFor(err)
				}
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, statusLabel(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// authenticate validates the bearer token, resolves active roles and puts
// the principal on the request context. Runs before any business handler.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		p, err := s.gate.Authenticate(ctx, c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return err
		}
		p.IP = c.RealIP()
		p.UserAgent = c.Request().UserAgent()

		ctx = admin.ContextWithPrincipal(ctx, p)
		ctx = log.WithAdminID(ctx, p.UserID)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// requirePerm wraps a handler with the permission check, the session
// freshness requirement for sensitive operations, and the per-admin rate
// limit for the operation tier. Denied attempts are audit-logged.
func (s *Server) requirePerm(perm admin.Permission, sensitive bool, tier ratelimit.Tier, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		p, ok := admin.PrincipalFromContext(ctx)
		if !ok {
			return domain.NewAuthenticationError("missing session")
		}

		if d := s.limiter.Allow(ctx, p.UserID, tier); !d.Allowed {
			c.Response().Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
			return &rateLimitedError{retryAfter: d.RetryAfter}
		}

		if err := s.gate.Require(p, perm, sensitive); err != nil {
			if auditErr := s.auditor.RecordDenied(ctx, p.UserID, p.RoleNames(),
				c.Request().Method+" "+c.Path(), "http_request", c.Path(),
				domain.CodeOf(err), p.IP, p.UserAgent); auditErr != nil {
				log.Error(ctx, "failed to audit denied attempt", zap.Error(auditErr))
			}
			return err
		}
		return h(c)
	}
}
