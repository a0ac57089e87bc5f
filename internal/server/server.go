package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/auth"
	"github.com/saasops/adminservice/internal/config"
	"github.com/saasops/adminservice/internal/ratelimit"
	"github.com/saasops/adminservice/internal/refund"
	"github.com/saasops/adminservice/internal/repository"
	"github.com/saasops/adminservice/internal/subscription"
	"github.com/saasops/adminservice/internal/webhook"
)

// Server is the HTTP surface of the admin service.
type Server struct {
	echo *echo.Echo
	cfg  config.HTTPConfig

	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	subs     *subscription.Engine
	subsRepo repository.SubscriptionRepository
	refunds  *refund.Engine
	webhooks *webhook.Processor
	roles    *admin.Manager
	auditor  *audit.Recorder
	health   func(ctx context.Context) error
}

// Deps bundles the server's collaborators.
type Deps struct {
	Gate             *auth.Gate
	Limiter          *ratelimit.Limiter
	Subscriptions    *subscription.Engine
	SubscriptionRepo repository.SubscriptionRepository
	Refunds          *refund.Engine
	Webhooks         *webhook.Processor
	Roles            *admin.Manager
	Auditor          *audit.Recorder
	// Health reports whether backing stores are reachable. Optional.
	Health func(ctx context.Context) error
}

// New creates the HTTP server and registers all routes.
func New(cfg config.HTTPConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.HTTPErrorHandler = errorHandler

	s := &Server{
		echo:     e,
		cfg:      cfg,
		gate:     deps.Gate,
		limiter:  deps.Limiter,
		subs:     deps.Subscriptions,
		subsRepo: deps.SubscriptionRepo,
		refunds:  deps.Refunds,
		webhooks: deps.Webhooks,
		roles:    deps.Roles,
		auditor:  deps.Auditor,
		health:   deps.Health,
	}

	e.Use(echomw.Recover())
	e.Use(requestID())
	e.Use(traces())
	e.Use(requestMetrics())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/webhooks/payment", s.handleWebhook)

	api := e.Group("/api/v1/admin", s.authenticate)

	api.GET("/subscriptions/:id", s.requirePerm(admin.PermViewUsers, false, ratelimit.TierRead, s.handleGetSubscription))
	api.POST("/subscriptions/:id/upgrade", s.requirePerm(admin.PermEditSubscriptions, false, ratelimit.TierExpensive, s.handleUpgrade))
	api.POST("/subscriptions/:id/downgrade", s.requirePerm(admin.PermEditSubscriptions, false, ratelimit.TierExpensive, s.handleDowngrade))
	api.POST("/subscriptions/:id/cancel", s.requirePerm(admin.PermEditSubscriptions, true, ratelimit.TierCritical, s.handleCancel))

	api.POST("/refunds", s.requirePerm(admin.PermProcessRefunds, true, ratelimit.TierCritical, s.handleRefund))
	api.GET("/transactions/:id/refunds", s.requirePerm(admin.PermProcessRefunds, false, ratelimit.TierRead, s.handleListRefunds))

	api.GET("/audit", s.requirePerm(admin.PermViewAuditLogs, false, ratelimit.TierRead, s.handleQueryAudit))
	api.POST("/audit/verify", s.requirePerm(admin.PermViewAuditLogs, false, ratelimit.TierExpensive, s.handleVerifyAudit))

	api.POST("/roles", s.requirePerm(admin.PermManageAdmins, true, ratelimit.TierCritical, s.handleGrantRole))
	api.DELETE("/roles/:user_id/:role", s.requirePerm(admin.PermManageAdmins, true, ratelimit.TierCritical, s.handleRevokeRole))
	api.GET("/roles/:user_id", s.requirePerm(admin.PermManageAdmins, false, ratelimit.TierRead, s.handleListRoles))
	api.GET("/permissions/check", s.requirePerm(admin.PermViewUsers, false, ratelimit.TierRead, s.handleCheckPermission))

	return s
}

// Start begins serving on the configured address and blocks.
func (s *Server) Start() error {
	return s.echo.Start(s.cfg.Address)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
