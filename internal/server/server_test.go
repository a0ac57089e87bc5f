package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/saasops/adminservice/internal/admin"
	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/auth"
	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/config"
	"github.com/saasops/adminservice/internal/domain"
	"github.com/saasops/adminservice/internal/ratelimit"
	"github.com/saasops/adminservice/internal/refund"
	"github.com/saasops/adminservice/internal/subscription"
	"github.com/saasops/adminservice/internal/webhook"
)

// mapTokens maps bearer strings to session claims.
type mapTokens struct {
	sessions map[string]auth.SessionClaims
}

func (m *mapTokens) Validate(token string) (auth.SessionClaims, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	claims, ok := m.sessions[token]
	if !ok {
		return auth.SessionClaims{}, domain.NewAuthenticationError("invalid or expired session")
	}
	return claims, nil
}

type mapGrants struct {
	mu    sync.Mutex
	roles map[string][]admin.Role
}

func (m *mapGrants) Grant(_ context.Context, userID string, role admin.Role, grantedBy string) (admin.RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[userID] = append(m.roles[userID], role)
	return admin.RoleGrant{ID: uuid.New(), UserID: userID, Role: role, GrantedBy: grantedBy, IsActive: true}, nil
}

func (m *mapGrants) Revoke(_ context.Context, userID string, role admin.Role, revokedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []admin.Role
	for _, r := range m.roles[userID] {
		if r != role {
			kept = append(kept, r)
		}
	}
	m.roles[userID] = kept
	return nil
}

func (m *mapGrants) ActiveRoles(_ context.Context, userID string) ([]admin.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[userID], nil
}

func (m *mapGrants) ListGrants(_ context.Context, userID string) ([]admin.RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []admin.RoleGrant
	for _, r := range m.roles[userID] {
		out = append(out, admin.RoleGrant{ID: uuid.New(), UserID: userID, Role: r, IsActive: true})
	}
	return out, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Append(_ context.Context, e audit.Entry) (audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memAudit) Query(_ context.Context, f audit.Filter, p audit.Page) ([]audit.Entry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Entry, len(m.entries))
	copy(out, m.entries)
	return out, int64(len(out)), nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type memTxns struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.PaymentTransaction
}

func (m *memTxns) GetByID(_ context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("transaction", id.String())
	}
	cp := *t
	return &cp, nil
}

func (m *memTxns) GetByExternalID(_ context.Context, externalID string) (*domain.PaymentTransaction, error) {
	return nil, domain.NewNotFoundError("transaction", externalID)
}

func (m *memTxns) Create(_ context.Context, t *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Version = 1
	cp := *t
	m.rows[t.ID] = &cp
	return nil
}

func (m *memTxns) Update(_ context.Context, t *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[t.ID]
	if !ok {
		return domain.NewNotFoundError("transaction", t.ID.String())
	}
	if cur.Version != t.Version {
		return domain.ErrVersionConflict
	}
	t.Version++
	cp := *t
	m.rows[t.ID] = &cp
	return nil
}

func (m *memTxns) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	return nil, nil
}

type memRefunds struct {
	mu   sync.Mutex
	txns *memTxns
	rows map[uuid.UUID]*domain.Refund
}

func (m *memRefunds) Reserve(_ context.Context, r *domain.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, err := m.txns.GetByID(context.Background(), r.TransactionID)
	if err != nil {
		return err
	}
	if !txn.Status.Refundable() {
		return domain.NewValidationError("transaction is not refundable", string(txn.Status))
	}
	var reserved int64
	for _, row := range m.rows {
		if row.TransactionID == r.TransactionID &&
			(row.Status == domain.RefundStatusPending || row.Status == domain.RefundStatusSucceeded) {
			reserved += row.AmountCents
		}
	}
	if r.AmountCents > txn.AmountCents-reserved {
		return domain.NewValidationError("refund exceeds refundable amount",
			fmt.Sprintf("requested %d, available %d", r.AmountCents, txn.AmountCents-reserved))
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *memRefunds) SetOutcome(_ context.Context, id uuid.UUID, status domain.RefundStatus, externalID, failureMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.NewNotFoundError("refund", id.String())
	}
	r.Status = status
	r.ExternalRefundID = externalID
	r.FailureMessage = failureMessage
	return nil
}

func (m *memRefunds) SumSucceededByTransaction(_ context.Context, transactionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, r := range m.rows {
		if r.TransactionID == transactionID && r.Status == domain.RefundStatusSucceeded {
			sum += r.AmountCents
		}
	}
	return sum, nil
}

func (m *memRefunds) ListByTransaction(_ context.Context, transactionID uuid.UUID) ([]domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Refund
	for _, r := range m.rows {
		if r.TransactionID == transactionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type memSubs struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Subscription
}

func (m *memSubs) GetByID(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	cp := *s
	return &cp, nil
}

func (m *memSubs) GetByExternalID(_ context.Context, externalID string) (*domain.Subscription, error) {
	return nil, domain.NewNotFoundError("subscription", externalID)
}

func (m *memSubs) Create(_ context.Context, s *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Version = 1
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *memSubs) Update(_ context.Context, s *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[s.ID]
	if !ok {
		return domain.NewNotFoundError("subscription", s.ID.String())
	}
	if cur.Version != s.Version {
		return domain.ErrVersionConflict
	}
	s.Version++
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

type okGateway struct{}

func (okGateway) CreateCharge(_ context.Context, p billing.ChargeParams) (*billing.Result, error) {
	return &billing.Result{ExternalID: "pi_1", Status: "succeeded"}, nil
}

func (okGateway) CreateSubscription(_ context.Context, p billing.SubscriptionParams) (*billing.Result, error) {
	return &billing.Result{ExternalID: "sub_1", Status: "active"}, nil
}

func (okGateway) UpdateSubscription(_ context.Context, externalID, newPriceID string) (*billing.Result, error) {
	return &billing.Result{ExternalID: externalID, Status: "active"}, nil
}

func (okGateway) CancelSubscription(_ context.Context, externalID string, immediate bool) (*billing.Result, error) {
	return &billing.Result{ExternalID: externalID, Status: "canceled"}, nil
}

func (okGateway) CreateRefund(_ context.Context, p billing.RefundParams) (*billing.Result, error) {
	return &billing.Result{ExternalID: "re_1", Status: "succeeded"}, nil
}

func (okGateway) GetCharge(_ context.Context, externalID string) (*billing.ChargeState, error) {
	return nil, errors.New("not implemented")
}

func (okGateway) VerifyWebhook(payload []byte, signature string) error {
	if signature == "" {
		return errors.New("missing signature")
	}
	return nil
}

type fixture struct {
	server *Server
	txns   *memTxns
	audit  *memAudit
	redis  *miniredis.Miniredis
}

func newFixture(t *testing.T, rl config.RateLimitConfig) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Now()
	tokens := &mapTokens{sessions: map[string]auth.SessionClaims{
		"finance-fresh": {UserID: "fin-1", Email: "fin@example.com", IssuedAt: now.Add(-1 * time.Minute)},
		"finance-stale": {UserID: "fin-1", Email: "fin@example.com", IssuedAt: now.Add(-30 * time.Minute)},
		"support-fresh": {UserID: "sup-1", Email: "sup@example.com", IssuedAt: now.Add(-1 * time.Minute)},
	}}
	grants := &mapGrants{roles: map[string][]admin.Role{
		"fin-1": {admin.RoleFinanceAdmin},
		"sup-1": {admin.RoleSupportAdmin},
	}}

	auditStore := &memAudit{}
	auditor := audit.NewRecorder(auditStore)
	gate := auth.NewGate(tokens, grants, nil, 15*time.Minute)
	limiter := ratelimit.NewLimiter(client, rl)

	gw := okGateway{}
	txns := &memTxns{rows: make(map[uuid.UUID]*domain.PaymentTransaction)}
	refunds := &memRefunds{txns: txns, rows: make(map[uuid.UUID]*domain.Refund)}
	subs := &memSubs{rows: make(map[uuid.UUID]*domain.Subscription)}
	ledger := noopLedger{}
	uow := passUnit{}

	pricing := subscription.Pricing{
		CentsPerMonth: map[domain.SubscriptionTier]int64{
			domain.TierFree:       0,
			domain.TierPremium:    1999,
			domain.TierEnterprise: 9999,
		},
		PriceIDs: map[domain.SubscriptionTier]string{
			domain.TierPremium:    "price_premium",
			domain.TierEnterprise: "price_enterprise",
		},
		Currency: "usd",
	}

	srv := New(config.HTTPConfig{Address: ":0"}, Deps{
		Gate:             gate,
		Limiter:          limiter,
		Subscriptions:    subscription.NewEngine(subs, txns, gw, auditor, uow, pricing),
		SubscriptionRepo: subs,
		Refunds:          refund.NewEngine(txns, refunds, gw, auditor, uow),
		Webhooks:         webhook.NewProcessor(gw, ledger, subs, txns, auditor),
		Roles:            admin.NewManager(grants, nil, auditor, uow),
		Auditor:          auditor,
	})
	return &fixture{server: srv, txns: txns, audit: auditStore, redis: mr}
}

// passUnit runs fn directly; the in-memory stores have no transactions.
type passUnit struct{}

func (passUnit) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type noopLedger struct{}

func (noopLedger) Insert(_ context.Context, eventID, eventType string, payload []byte) error {
	return nil
}
func (noopLedger) MarkApplied(_ context.Context, eventID string) error { return nil }
func (noopLedger) MarkAppliedError(_ context.Context, eventID, lastError string) error {
	return nil
}
func (noopLedger) Get(_ context.Context, eventID string) (*domain.WebhookEvent, error) {
	return nil, domain.NewNotFoundError("webhook event", eventID)
}
func (noopLedger) ListStuckProcessing(_ context.Context, cutoff time.Time, limit int) ([]domain.WebhookEvent, error) {
	return nil, nil
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoHeaderContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func seedSettledTxn(t *testing.T, f *fixture) *domain.PaymentTransaction {
	t.Helper()
	txn := &domain.PaymentTransaction{
		UserID:            "user-1",
		AmountCents:       5000,
		Currency:          "usd",
		Status:            domain.TransactionStatusSucceeded,
		ExternalPaymentID: "pi_settled",
	}
	require.NoError(t, f.txns.Create(context.Background(), txn))
	return txn
}

func refundBody(txn *domain.PaymentTransaction, amount int64) string {
	b, _ := json.Marshal(map[string]any{
		"transaction_id": txn.ID,
		"amount_cents":   amount,
		"reason":         "customer_request",
	})
	return string(b)
}

func TestRefundRequiresAuthentication(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	txn := seedSettledTxn(t, f)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/refunds", "", refundBody(txn, 5000))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/refunds", "no-such-token", refundBody(txn, 5000))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefundDeniedForSupportAdminAndAudited(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	txn := seedSettledTxn(t, f)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/refunds", "support-fresh", refundBody(txn, 5000))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The denied attempt itself is in the audit log.
	assert.Contains(t, f.audit.actions(), "POST /api/v1/admin/refunds.denied")
	// And no refund happened.
	stored, err := f.txns.GetByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSucceeded, stored.Status)
}

func TestRefundRejectsStaleSession(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	txn := seedSettledTxn(t, f)

	// Same admin, same permissions; only the session age differs.
	rec := f.do(t, http.MethodPost, "/api/v1/admin/refunds", "finance-stale", refundBody(txn, 5000))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/refunds", "finance-fresh", refundBody(txn, 5000))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var ref domain.Refund
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ref))
	assert.Equal(t, domain.RefundStatusSucceeded, ref.Status)
}

func TestRefundValidationErrorsMapTo400(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	txn := seedSettledTxn(t, f)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/refunds", "finance-fresh", refundBody(txn, 99999))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.ErrCodeInvalidInput, body.Code)
}

func TestCriticalRateLimit(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{
		Enabled:            true,
		ReadPerMinute:      300,
		ExpensivePerMinute: 60,
		CriticalPerMinute:  2,
	})
	txn := seedSettledTxn(t, f)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/admin/refunds", "finance-fresh", refundBody(txn, 100))
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

func TestWebhookEndpoint(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	payload := `{"id":"evt_1","type":"invoice.finalized","created":1767225600,"data":{"object":{}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing signature is rejected before any processing.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(payload))
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEveryRequestGetsAServerSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t, config.RateLimitConfig{})
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	spans := sr.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "GET /healthz", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	assert.True(t, spans[0].SpanContext().HasTraceID())
}

func TestRoleManagementEndpoints(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	// Finance admins cannot manage roles.
	rec := f.do(t, http.MethodPost, "/api/v1/admin/roles", "finance-fresh",
		`{"user_id":"user-9","role":"support_admin"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
