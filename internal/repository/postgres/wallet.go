package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
)

type WalletRepo struct {
	DB DBTX
}

const walletColumns = `id, user_id, balance, initial_balance, currency, status, created_at, updated_at`

// Create wallet with provided options
// If wallet for the user already exists return it as is
func (r *WalletRepo) CreateWallet(ctx context.Context, userID uuid.UUID, initial decimal.Decimal, currency string) (models.Wallet, error) {
	const createWallet = `
	WITH insert_wallet AS (
		INSERT INTO wallets (id, user_id, balance, initial_balance, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING ` + walletColumns + `
	)
	SELECT * FROM insert_wallet
	UNION ALL
	SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $2
	LIMIT 1
	`

	rows, _ := r.DB.Query(ctx, createWallet, uuid.New(), userID, initial, currency, models.WalletActive, time.Now())
	wallet, err := pgx.CollectOneRow(rows, rowToWallet)

	switch {
	case err == nil:
		return wallet, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Concurrent insert committed after the statement snapshot was taken; it is visible to a new statement
		return r.GetWallet(ctx, userID)
	default:
		return wallet, fmt.Errorf("db error: %w", err)
	}
}

func (r *WalletRepo) GetWallet(ctx context.Context, userID uuid.UUID) (models.Wallet, error) {
	const getWallet = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`

	rows, _ := r.DB.Query(ctx, getWallet, userID)
	wallet, err := pgx.CollectOneRow(rows, rowToWallet)

	switch {
	case err == nil:
		return wallet, nil
	case errors.Is(err, pgx.ErrNoRows):
		return wallet, apperrors.ErrWalletNotFound
	default:
		return wallet, fmt.Errorf("db error: %w", err)
	}
}

// Single conditional update: the row lock taken by UPDATE serializes concurrent deltas on the same wallet,
// and the balance pair is computed from the row version the update actually applied to
func (r *WalletRepo) ApplyDelta(ctx context.Context, walletID uuid.UUID, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, decimal.Decimal, error) {
	const applyDelta = `
	UPDATE wallets
	SET balance = balance + $2, updated_at = $4
	WHERE id = $1
		AND status = 'ACTIVE'
		AND ($3 OR balance + $2 >= 0)
	RETURNING balance - $2, balance
	`

	var before, after decimal.Decimal
	err := r.DB.QueryRow(ctx, applyDelta, walletID, delta, allowNegative, time.Now()).Scan(&before, &after)

	switch {
	case err == nil:
		return before, after, nil
	case errors.Is(err, pgx.ErrNoRows):
		return before, after, r.whyNotApplied(ctx, walletID)
	default:
		return before, after, fmt.Errorf("db error: %w", err)
	}
}

// Find out which condition of the conditional update did not hold
func (r *WalletRepo) whyNotApplied(ctx context.Context, walletID uuid.UUID) error {
	const getStatus = `SELECT status FROM wallets WHERE id = $1`

	var status string
	err := r.DB.QueryRow(ctx, getStatus, walletID).Scan(&status)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperrors.ErrWalletNotFound
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case status != models.WalletActive:
		return apperrors.ErrWalletInactive
	default:
		return apperrors.ErrBalanceInsufficient
	}
}

const transactionColumns = `id, user_id, wallet_id, type, amount, balance_before, balance_after, payment_order_id, charging_session_id, status, description, created_at`

func (r *WalletRepo) CreateTransaction(ctx context.Context, t models.Transaction) (models.Transaction, error) {
	const createTransaction = `
	INSERT INTO wallet_transactions (` + transactionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING ` + transactionColumns

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	rows, _ := r.DB.Query(ctx, createTransaction,
		t.ID, t.UserID, t.WalletID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.PaymentOrderID, t.ChargingSessionID, t.Status, t.Description, t.CreatedAt,
	)
	created, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return created, nil
	case isUniqueViolation(err):
		return created, fmt.Errorf("%w: %s already recorded", apperrors.ErrLedgerConflict, t.Type)
	default:
		return created, fmt.Errorf("db error: %w", err)
	}
}

func (r *WalletRepo) ListTransactions(ctx context.Context, userID uuid.UUID, opts repository.ListTransactionsOpts) ([]models.Transaction, error) {
	const listTransactions = `
	SELECT ` + transactionColumns + ` FROM wallet_transactions
	WHERE user_id = $1
		AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
	ORDER BY seq DESC
	LIMIT $3
	`

	types := make([]string, 0, len(opts.Types))
	for _, t := range opts.Types {
		types = append(types, string(t))
	}

	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}

	rows, _ := r.DB.Query(ctx, listTransactions, userID, types, limit)
	transactions, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return transactions, nil
}

func (r *WalletRepo) GetDepositByOrder(ctx context.Context, orderID uuid.UUID) (models.Transaction, error) {
	const getDepositByOrder = `
	SELECT ` + transactionColumns + ` FROM wallet_transactions
	WHERE payment_order_id = $1 AND type = 'DEPOSIT'
	`

	rows, _ := r.DB.Query(ctx, getDepositByOrder, orderID)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTransactionNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

func (r *WalletRepo) GetSessionTransaction(ctx context.Context, typ models.TransactionType, sessionID string) (models.Transaction, error) {
	const getSessionTransaction = `
	SELECT ` + transactionColumns + ` FROM wallet_transactions
	WHERE charging_session_id = $1 AND type = $2
	`

	rows, _ := r.DB.Query(ctx, getSessionTransaction, sessionID, typ)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTransactionNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

func rowToWallet(row pgx.CollectableRow) (models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.InitialBalance, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func rowToTransaction(row pgx.CollectableRow) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.WalletID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.PaymentOrderID, &t.ChargingSessionID, &t.Status, &t.Description, &t.CreatedAt,
	)
	return t, err
}
