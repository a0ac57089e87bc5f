package server

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/refund"
	"github.com/saasops/adminservice/internal/subscription"
)

const webhookSignatureHeader = "Stripe-Signature"

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		if err := s.health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return domain.NewValidationError("failed to read webhook body", err.Error())
	}
	sig := c.Request().Header.Get(webhookSignatureHeader)

	if err := s.webhooks.Process(c.Request().Context(), payload, sig); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"received": "true"})
}

func principal(c echo.Context) (admin.Principal, error) {
	p, ok := admin.PrincipalFromContext(c.Request().Context())
	if !ok {
		return admin.Principal{}, domain.NewAuthenticationError("missing session")
	}
	return p, nil
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, domain.NewValidationError("invalid id", c.Param(name))
	}
	return id, nil
}

func (s *Server) handleGetSubscription(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	sub, err := s.subsRepo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

type tierRequest struct {
	Tier      string `json:"tier"`
	Effective string `json:"effective,omitempty"`
}

func (s *Server) handleUpgrade(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req tierRequest
	if err := c.Bind(&req); err != nil {
		return domain.NewValidationError("invalid request body", err.Error())
	}

	sub, err := s.subs.Upgrade(c.Request().Context(), p, id, domain.SubscriptionTier(req.Tier))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleDowngrade(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req tierRequest
	if err := c.Bind(&req); err != nil {
		return domain.NewValidationError("invalid request body", err.Error())
	}
	effective := subscription.Effective(req.Effective)
	if req.Effective == "" {
		effective = subscription.EffectiveEndOfPeriod
	}

	sub, err := s.subs.Downgrade(c.Request().Context(), p, id, domain.SubscriptionTier(req.Tier), effective)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleCancel(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Immediate bool `json:"immediate"`
	}
	if err := c.Bind(&req); err != nil {
		return domain.NewValidationError("invalid request body", err.Error())
	}

	sub, err := s.subs.Cancel(c.Request().Context(), p, id, req.Immediate)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleRefund(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req refund.Request
	if err := c.Bind(&req); err != nil {
		return domain.NewValidationError("invalid request body", err.Error())
	}

	ref, err := s.refunds.Process(c.Request().Context(), p, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ref)
}

func (s *Server) handleListRefunds(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	refunds, err := s.refunds.List(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"refunds": refunds})
}

func (s *Server) handleQueryAudit(c echo.Context) error {
	filter := audit.Filter{
		AdminID:        c.QueryParam("admin_id"),
		Action:         c.QueryParam("action"),
		AffectedUserID: c.QueryParam("affected_user_id"),
	}
	if v := c.QueryParam("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.NewValidationError("invalid from timestamp", v)
		}
		filter.From = ts
	}
	if v := c.QueryParam("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.NewValidationError("invalid to timestamp", v)
		}
		filter.To = ts
	}

	var page audit.Page
	echo.QueryParamsBinder(c).Int("limit", &page.Limit).Int("offset", &page.Offset)

	entries, total, err := s.auditor.Query(c.Request().Context(), filter, page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

func (s *Server) handleVerifyAudit(c echo.Context) error {
	badID, err := s.auditor.Verify(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"intact":       badID == 0,
		"first_bad_id": badID,
	})
}

type roleRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (s *Server) handleGrantRole(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req roleRequest
	if err := c.Bind(&req); err != nil {
		return domain.NewValidationError("invalid request body", err.Error())
	}

	grant, err := s.roles.Grant(c.Request().Context(), p, req.UserID, admin.Role(req.Role))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, grant)
}

func (s *Server) handleRevokeRole(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	userID := c.Param("user_id")
	role := admin.Role(c.Param("role"))

	if err := s.roles.Revoke(c.Request().Context(), p, userID, role); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListRoles(c echo.Context) error {
	grants, err := s.roles.ListGrants(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"grants": grants})
}

func (s *Server) handleCheckPermission(c echo.Context) error {
	userID := c.QueryParam("user_id")
	perm := admin.Permission(c.QueryParam("permission"))
	if userID == "" || perm == "" {
		return domain.NewValidationError("user_id and permission are required", "")
	}

	ok, err := s.gate.CheckPermission(c.Request().Context(), userID, perm)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id":    userID,
		"permission": perm,
		"allowed":    ok,
	})
}
