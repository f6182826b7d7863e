package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/models"
)

// Storage gives access to repositories bound to the same connection or transaction
type Storage interface {
	Order() OrderRepo
	Wallet() WalletRepo

	// Run fn in a transaction: commit if fn returns nil, rollback otherwise.
	// Called on a storage that is already in a transaction it must behave as a nested transaction (savepoint).
	// Transient conflicts are retried a bounded number of times, then apperrors.ErrLedgerConflict is returned.
	InTx(ctx context.Context, fn func(Storage) error) error
}

type ListPendingOrdersOpts struct {
	Methods       []models.PaymentMethod // any method if empty
	UpdatedBefore time.Time              // ignored if zero
	Limit         int                    // no limit if zero
}

// PaymentOrder repository interface
type OrderRepo interface {
	// Create order as is. ID must be set by the caller
	CreateOrder(ctx context.Context, order models.PaymentOrder) (models.PaymentOrder, error)

	// Get order by internal id
	// If order not found must return apperrors.ErrOrderNotFound
	GetOrder(ctx context.Context, orderID uuid.UUID) (models.PaymentOrder, error)

	// Same as GetOrder but the order is locked until the enclosing transaction ends
	GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (models.PaymentOrder, error)

	// Get order by the id the provider assigned
	// If order not found must return apperrors.ErrOrderNotFound
	GetOrderByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (models.PaymentOrder, error)

	// Save status, external id and message of the order.
	// Must return apperrors.ErrOrderTerminal if the stored order is already terminal
	// and apperrors.ErrOrderNotFound if there is no such order.
	UpdateOrder(ctx context.Context, order models.PaymentOrder) (models.PaymentOrder, error)

	// List orders in UNPAID or PENDING status, oldest first
	ListPendingOrders(ctx context.Context, opts ListPendingOrdersOpts) ([]models.PaymentOrder, error)
}

type ListTransactionsOpts struct {
	Types []models.TransactionType // any type if empty
	Limit int                      // no limit if zero
}

// Wallet repository interface
type WalletRepo interface {
	// Create wallet for user. If the user already has a wallet, return it as is
	CreateWallet(ctx context.Context, userID uuid.UUID, initial decimal.Decimal, currency string) (models.Wallet, error)

	// Get user wallet
	// If wallet not found must return apperrors.ErrWalletNotFound
	GetWallet(ctx context.Context, userID uuid.UUID) (models.Wallet, error)

	// Add delta to the wallet balance as one conditional update and return the balance pair it observed.
	// Unless allowNegative is set the update must not leave the balance below zero: apperrors.ErrBalanceInsufficient.
	// Inactive wallet: apperrors.ErrWalletInactive, missing wallet: apperrors.ErrWalletNotFound.
	ApplyDelta(ctx context.Context, walletID uuid.UUID, delta decimal.Decimal, allowNegative bool) (before decimal.Decimal, after decimal.Decimal, err error)

	// Append transaction to the wallet ledger.
	// Second DEPOSIT of a payment order or second PAYMENT/REFUND of a charging session: apperrors.ErrLedgerConflict
	CreateTransaction(ctx context.Context, t models.Transaction) (models.Transaction, error)

	// List user transactions, most recent first
	ListTransactions(ctx context.Context, userID uuid.UUID, opts ListTransactionsOpts) ([]models.Transaction, error)

	// Get DEPOSIT transaction linked to the payment order
	// If there is none must return apperrors.ErrTransactionNotFound
	GetDepositByOrder(ctx context.Context, orderID uuid.UUID) (models.Transaction, error)

	// Get PAYMENT or REFUND transaction of the charging session, there is at most one of each
	// If there is none must return apperrors.ErrTransactionNotFound
	GetSessionTransaction(ctx context.Context, typ models.TransactionType, sessionID string) (models.Transaction, error)
}
