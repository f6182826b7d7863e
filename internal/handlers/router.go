package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/evpay/internal/handlers/middleware"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
	"github.com/nkiryanov/evpay/internal/service/ledger"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type Services struct {
	Auth      authService
	Wallets   walletService
	Topups    topupService
	Processor callbackProcessor
	Adapters  adapterRegistry

	// Optional: duplicates are only caught by the order lock if nil
	Guard notificationGuard

	// Optional
	Observer callbackObserver
	Metrics  http.Handler
}

func NewRouter(s Services, logger logger.Logger) http.Handler {
	if s.Guard == nil {
		s.Guard = noGuard{}
	}
	if s.Observer == nil {
		s.Observer = noObserver{}
	}

	withAuth := middleware.AuthMiddleware(s.Auth)

	wallet := http.NewServeMux()
	wallet.Handle("GET /transactions", withAuth(handleListTransactions(s.Wallets, logger)))
	wallet.Handle("POST /payments", withAuth(handleWalletPayment(s.Wallets, logger)))
	wallet.Handle("POST /refunds", withAuth(handleSessionRefund(s.Wallets, logger)))
	wallet.Handle("GET /reconcile", withAuth(handleReconcile(s.Wallets, logger)))
	wallet.Handle("POST /topups", withAuth(handleCreateTopup(s.Topups, logger)))
	wallet.Handle("GET /topups/{id}", withAuth(handleGetTopup(s.Topups, logger)))

	// Called by providers and by user browsers coming back from provider pages, no user token there
	payments := http.NewServeMux()
	payments.Handle("GET /{method}/confirm", handleConfirmRedirect(s.Processor, s.Observer, logger))
	payments.Handle("GET /{method}/cancel", handleCancelRedirect(s.Processor, s.Observer, logger))
	payments.Handle("POST /{method}/notify", handleNotify(s.Processor, s.Adapters, s.Guard, s.Observer, logger))

	root := http.NewServeMux()
	root.Handle("/api/wallet/", http.StripPrefix("/api/wallet", wallet))
	root.Handle("GET /api/wallet", withAuth(handleWalletBalance(s.Wallets, logger)))
	root.Handle("/api/payments/", http.StripPrefix("/api/payments", payments))
	if s.Metrics != nil {
		root.Handle("GET /metrics", s.Metrics)
	}

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Get request and return id of the authenticated user or error
	Auth(ctx context.Context, r *http.Request) (uuid.UUID, error)
}

type walletService interface {
	// Wallet of the user, created on first access
	Balance(ctx context.Context, userID uuid.UUID) (models.Wallet, error)
	Transactions(ctx context.Context, userID uuid.UUID, opts repository.ListTransactionsOpts) ([]models.Transaction, error)
	ApplyDelta(ctx context.Context, req ledger.ApplyRequest) (models.Transaction, error)
	RefundSession(ctx context.Context, req ledger.RefundRequest) (models.Transaction, error)

	// Has to return apperrors.ErrLedgerCorrupted if the wallet does not match its transactions
	Reconcile(ctx context.Context, userID uuid.UUID) error
}

type topupService interface {
	CreateOrder(ctx context.Context, in payment.CreateOrderInput) (payment.OrderResult, error)

	// Has to return apperrors.ErrOrderNotFound if the order belongs to another user
	GetOrder(ctx context.Context, userID uuid.UUID, orderID uuid.UUID) (payment.OrderResult, error)
}

type callbackProcessor interface {
	Confirm(ctx context.Context, in payment.ConfirmInput) (payment.OrderResult, error)
	Complete(ctx context.Context, in payment.ConfirmInput) (payment.OrderResult, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (payment.OrderResult, error)
	Fail(ctx context.Context, orderID uuid.UUID, reason string) (payment.OrderResult, error)

	// Has to return apperrors.ErrOrderNotFound if no order of the method has the transaction id
	OrderIDByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (uuid.UUID, error)
}

type adapterRegistry interface {
	Get(method models.PaymentMethod) (provider.Adapter, error)
}

type notificationGuard interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type callbackObserver interface {
	ObserveCallback(method, kind, result string)
}

type noGuard struct{}

func (noGuard) CheckAndMark(context.Context, string) (bool, error) { return true, nil }
func (noGuard) Release(context.Context, string) error { return nil }

type noObserver struct{}

func (noObserver) ObserveCallback(string, string, string) {}
