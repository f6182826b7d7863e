package reconciler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
	"github.com/nkiryanov/evpay/internal/repository/memory"
	"github.com/nkiryanov/evpay/internal/service/ledger"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

// Adapter that answers status queries from a table keyed by order id
type statusAdapter struct {
	method models.PaymentMethod

	mu       sync.Mutex
	statuses map[uuid.UUID]provider.StatusResult
	errs     map[uuid.UUID]error
	queried  int
	confirms int
}

func (a *statusAdapter) Method() models.PaymentMethod { return a.method }
func (a *statusAdapter) Synchronous() bool { return false }
func (a *statusAdapter) Validate(provider.InitiateRequest) error { return nil }
func (a *statusAdapter) Cancel(context.Context, models.PaymentOrder) error { return nil }

func (a *statusAdapter) Initiate(context.Context, provider.InitiateRequest) (provider.InitiateResult, error) {
	return provider.InitiateResult{}, errors.New("not used")
}

func (a *statusAdapter) Confirm(_ context.Context, o models.PaymentOrder, _ string) (provider.ConfirmResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirms++
	return provider.ConfirmResult{ExternalID: o.ExternalIDOrEmpty()}, nil
}

func (a *statusAdapter) Status(_ context.Context, o models.PaymentOrder) (provider.StatusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queried++
	if err := a.errs[o.ID]; err != nil {
		return provider.StatusResult{}, err
	}
	return a.statuses[o.ID], nil
}

func (a *statusAdapter) ParseNotification(http.Header, []byte) (provider.Notification, error) {
	return provider.Notification{}, apperrors.ErrUnsupportedOperation
}

type env struct {
	storage  *memory.Storage
	ledger   *ledger.Ledger
	adapter  *statusAdapter
	consumer *Consumer
	userID   uuid.UUID
}

func newEnv() *env {
	return newEnvFor(models.MethodEasyCard)
}

func newEnvFor(method models.PaymentMethod) *env {
	s := memory.NewStorage()
	adapter := &statusAdapter{method: method, statuses: map[uuid.UUID]provider.StatusResult{}, errs: map[uuid.UUID]error{}}
	registry := provider.NewRegistry(adapter)
	l := ledger.New(s, ledger.Options{})
	r := New(s.Order(), registry, payment.NewProcessor(s, l, registry, nil, nil), nil, Options{})

	return &env{storage: s, ledger: l, adapter: adapter, consumer: r.consumer, userID: uuid.New()}
}

// Stale pending order as if its callback was lost an hour ago
func (e *env) pendingOrder(t *testing.T, status provider.StatusResult) models.PaymentOrder {
	t.Helper()
	externalID := "EC-" + uuid.NewString()[:8]
	o, err := e.storage.Order().CreateOrder(t.Context(), models.PaymentOrder{
		ID:          uuid.New(),
		UserID:      e.userID,
		Amount:      decimal.NewFromInt(300),
		Currency:    ledger.DefaultCurrency,
		Method:      models.MethodEasyCard,
		Status:      models.OrderPending,
		ExternalID:  &externalID,
		Description: "top-up",
		UpdatedAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	status.ExternalID = externalID
	e.adapter.statuses[o.ID] = status
	return o
}

func (e *env) status(t *testing.T, id uuid.UUID) models.OrderStatus {
	t.Helper()
	o, err := e.storage.Order().GetOrder(t.Context(), id)
	require.NoError(t, err)
	return o.Status
}

func TestConsumer_reconcile(t *testing.T) {
	t.Run("authorized is captured and deposited", func(t *testing.T) {
		e := newEnv()
		o := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusAuthorized, Amount: decimal.NewFromInt(300)})

		e.consumer.reconcile(t.Context(), o)

		require.Equal(t, models.OrderCompleted, e.status(t, o.ID))
		require.Equal(t, 1, e.adapter.confirms)
		w, err := e.ledger.Balance(t.Context(), e.userID)
		require.NoError(t, err)
		require.True(t, w.Balance.Equal(decimal.NewFromInt(300)))
	})

	t.Run("paid is deposited without capture", func(t *testing.T) {
		e := newEnv()
		o := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusPaid})

		e.consumer.reconcile(t.Context(), o)

		require.Equal(t, models.OrderCompleted, e.status(t, o.ID))
		require.Zero(t, e.adapter.confirms)
	})

	t.Run("reported amount mismatch leaves order", func(t *testing.T) {
		e := newEnv()
		o := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusPaid, Amount: decimal.NewFromInt(3)})

		e.consumer.reconcile(t.Context(), o)

		require.Equal(t, models.OrderPending, e.status(t, o.ID))
	})

	t.Run("failed and cancelled", func(t *testing.T) {
		e := newEnv()
		failed := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusFailed, Message: "card expired"})
		cancelled := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusCancelled})

		e.consumer.reconcile(t.Context(), failed)
		e.consumer.reconcile(t.Context(), cancelled)

		require.Equal(t, models.OrderFailed, e.status(t, failed.ID))
		require.Equal(t, models.OrderCancelled, e.status(t, cancelled.ID))
	})

	t.Run("pending stays pending", func(t *testing.T) {
		e := newEnv()
		o := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusPending})

		e.consumer.reconcile(t.Context(), o)

		require.Equal(t, models.OrderPending, e.status(t, o.ID), "no expiry")
	})

	t.Run("retry after pauses workers", func(t *testing.T) {
		e := newEnv()
		o := e.pendingOrder(t, provider.StatusResult{})
		e.adapter.errs[o.ID] = &provider.Error{Code: provider.CodeRetryAfter, RetryAfter: time.Minute, Err: errors.New("slow down")}

		e.consumer.reconcile(t.Context(), o)

		waitUntil := time.Unix(0, e.consumer.waitUntil.Load())
		require.WithinDuration(t, time.Now().Add(time.Minute), waitUntil, 5*time.Second)
		require.Equal(t, models.OrderPending, e.status(t, o.ID))
	})
}

func TestReconciler_Run(t *testing.T) {
	e := newEnv()
	stale := e.pendingOrder(t, provider.StatusResult{Status: provider.StatusPaid})
	fresh, err := e.storage.Order().CreateOrder(t.Context(), models.PaymentOrder{
		ID:       uuid.New(),
		UserID:   e.userID,
		Amount:   decimal.NewFromInt(10),
		Currency: ledger.DefaultCurrency,
		Method:   models.MethodEasyCard,
		Status:   models.OrderPending,
	})
	require.NoError(t, err)

	registry := provider.NewRegistry(e.adapter)
	r := New(e.storage.Order(), registry, payment.NewProcessor(e.storage, e.ledger, registry, nil, nil), nil, Options{
		Interval: 10 * time.Millisecond,
		MinAge:   time.Minute,
	})

	ctx, cancel := context.WithCancel(t.Context())
	stopped := r.Run(ctx)

	require.Eventually(t, func() bool {
		o, err := e.storage.Order().GetOrder(t.Context(), stale.ID)
		return err == nil && o.Status == models.OrderCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}

	require.Equal(t, models.OrderPending, e.status(t, fresh.ID), "fresh orders are left to callbacks")
	pending, err := e.storage.Order().ListPendingOrders(t.Context(), repository.ListPendingOrdersOpts{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

// Card was charged but the deposit failed: the order stays UNPAID with the trade id
func TestReconciler_chargedCardOrder(t *testing.T) {
	e := newEnvFor(models.MethodCreditCard)
	externalID := "D2025"
	o, err := e.storage.Order().CreateOrder(t.Context(), models.PaymentOrder{
		ID:          uuid.New(),
		UserID:      e.userID,
		Amount:      decimal.NewFromInt(300),
		Currency:    ledger.DefaultCurrency,
		Method:      models.MethodCreditCard,
		Status:      models.OrderUnpaid,
		ExternalID:  &externalID,
		Description: "top-up",
		UpdatedAt:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	e.adapter.statuses[o.ID] = provider.StatusResult{Status: provider.StatusPaid, ExternalID: externalID, Amount: decimal.NewFromInt(300)}

	registry := provider.NewRegistry(e.adapter)
	r := New(e.storage.Order(), registry, payment.NewProcessor(e.storage, e.ledger, registry, nil, nil), nil, Options{
		Interval: 10 * time.Millisecond,
		MinAge:   time.Minute,
	})

	ctx, cancel := context.WithCancel(t.Context())
	stopped := r.Run(ctx)

	require.Eventually(t, func() bool {
		o, err := e.storage.Order().GetOrder(t.Context(), o.ID)
		return err == nil && o.Status == models.OrderCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	require.Zero(t, e.adapter.confirms, "charged card is not captured again")
	deposits, err := e.ledger.Transactions(t.Context(), e.userID, repository.ListTransactionsOpts{Types: []models.TransactionType{models.TransactionDeposit}})
	require.NoError(t, err)
	require.Len(t, deposits, 1, "exactly one deposit")
	require.Equal(t, o.ID, *deposits[0].PaymentOrderID)
	w, err := e.ledger.Balance(t.Context(), e.userID)
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.NewFromInt(300)))
}
