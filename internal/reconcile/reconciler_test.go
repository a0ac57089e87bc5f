package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saasops/adminservice/internal/audit"
	"github.com/saasops/adminservice/internal/billing"
	"github.com/saasops/adminservice/internal/config"
	"github.com/saasops/adminservice/internal/domain"
)

type memTxns struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.PaymentTransaction
}

func newMemTxns() *memTxns {
	return &memTxns{rows: make(map[uuid.UUID]*domain.PaymentTransaction)}
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
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentTransaction
	for _, t := range m.rows {
		if t.Status == domain.TransactionStatusPending && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
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
	return nil, 0, nil
}

type chargeGateway struct {
	states map[string]*billing.ChargeState
}

func (g *chargeGateway) CreateCharge(_ context.Context, p billing.ChargeParams) (*billing.Result, error) {
	return nil, errors.New("not implemented")
}

func (g *chargeGateway) CreateSubscription(_ context.Context, p billing.SubscriptionParams) (*billing.Result, error) {
	return nil, errors.New("not implemented")
}

func (g *chargeGateway) UpdateSubscription(_ context.Context, externalID, newPriceID string) (*billing.Result, error) {
	return nil, errors.New("not implemented")
}

func (g *chargeGateway) CancelSubscription(_ context.Context, externalID string, immediate bool) (*billing.Result, error) {
	return nil, errors.New("not implemented")
}

func (g *chargeGateway) CreateRefund(_ context.Context, p billing.RefundParams) (*billing.Result, error) {
	return nil, errors.New("not implemented")
}

func (g *chargeGateway) GetCharge(_ context.Context, externalID string) (*billing.ChargeState, error) {
	state, ok := g.states[externalID]
	if !ok {
		return nil, errors.New("charge not found")
	}
	return state, nil
}

func (g *chargeGateway) VerifyWebhook(payload []byte, signature string) error { return nil }

func testReconciler(t *testing.T) (*Reconciler, *memTxns, *chargeGateway, *memAudit) {
	t.Helper()
	txns := newMemTxns()
	gw := &chargeGateway{states: make(map[string]*billing.ChargeState)}
	store := &memAudit{}
	r := NewReconciler(txns, gw, audit.NewRecorder(store), config.ReconcileConfig{
		Enabled:      true,
		Interval:     time.Minute,
		PendingAfter: 15 * time.Minute,
	})
	return r, txns, gw, store
}

func seedPending(t *testing.T, txns *memTxns, externalID string, age time.Duration) *domain.PaymentTransaction {
	t.Helper()
	txn := &domain.PaymentTransaction{
		UserID:            "user-1",
		AmountCents:       2500,
		Currency:          "usd",
		Status:            domain.TransactionStatusPending,
		ExternalPaymentID: externalID,
		CreatedAt:         time.Now().Add(-age),
	}
	require.NoError(t, txns.Create(context.Background(), txn))
	return txn
}

func TestSweepSettlesStuckTransactions(t *testing.T) {
	r, txns, gw, store := testReconciler(t)
	won := seedPending(t, txns, "pi_won", time.Hour)
	lost := seedPending(t, txns, "pi_lost", time.Hour)
	gw.states["pi_won"] = &billing.ChargeState{ExternalID: "pi_won", Status: "succeeded"}
	gw.states["pi_lost"] = &billing.ChargeState{
		ExternalID:     "pi_lost",
		Status:         "failed",
		FailureCode:    "card_declined",
		FailureMessage: "Your card was declined.",
	}

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := txns.GetByID(context.Background(), won.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSucceeded, stored.Status)

	stored, err = txns.GetByID(context.Background(), lost.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, stored.Status)
	assert.Equal(t, "card_declined", stored.FailureCode)

	require.Len(t, store.entries, 2)
	for _, e := range store.entries {
		assert.Equal(t, audit.SystemReconcilerActor, e.AdminID)
		assert.Equal(t, "transaction.reconcile", e.Action)
	}
}

func TestSweepSkipsFreshAndInFlight(t *testing.T) {
	r, txns, gw, _ := testReconciler(t)

	// Too recent to be stuck.
	fresh := seedPending(t, txns, "pi_fresh", time.Minute)
	// Old but still processing at the gateway.
	inflight := seedPending(t, txns, "pi_inflight", time.Hour)
	gw.states["pi_inflight"] = &billing.ChargeState{ExternalID: "pi_inflight", Status: "processing"}

	_, err := r.Sweep(context.Background())
	require.NoError(t, err)

	for _, txn := range []*domain.PaymentTransaction{fresh, inflight} {
		stored, err := txns.GetByID(context.Background(), txn.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusPending, stored.Status)
	}
}

func TestSweepFailsChargelessTransaction(t *testing.T) {
	r, txns, _, _ := testReconciler(t)
	orphan := seedPending(t, txns, "", time.Hour)

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := txns.GetByID(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, stored.Status)
}
