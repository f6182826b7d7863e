// Package ledger owns wallet balances: every balance change goes through ApplyDelta,
// which updates the wallet and appends the transaction row as one unit.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/events"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
)

const DefaultCurrency = "TWD"

type Options struct {
	Currency        string
	StartingBalance decimal.Decimal // balance of newly created wallets
	Publisher       events.Publisher
	Logger          logger.Logger
}

type Ledger struct {
	storage repository.Storage

	currency        string
	startingBalance decimal.Decimal

	publisher events.Publisher
	l         logger.Logger
}

func New(storage repository.Storage, opts Options) *Ledger {
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}

	return &Ledger{
		storage:         storage,
		currency:        opts.Currency,
		startingBalance: opts.StartingBalance,
		publisher:       opts.Publisher,
		l:               opts.Logger,
	}
}

func (l *Ledger) Currency() string {
	return l.currency
}

// In returns the ledger bound to the storage of an enclosing transaction.
// The bound ledger does not publish events: the transaction owner does it after commit.
func (l *Ledger) In(s repository.Storage) *Ledger {
	bound := *l
	bound.storage = s
	bound.publisher = events.Nop
	return &bound
}

// ApplyRequest describes one balance change.
// Amount is signed: positive credits the wallet, negative debits it.
type ApplyRequest struct {
	UserID            uuid.UUID
	Amount            decimal.Decimal
	Type              models.TransactionType
	PaymentOrderID    *uuid.UUID
	ChargingSessionID *string
	Description       string
}

// Charging session the request is keyed by, only PAYMENT and REFUND are
func (r ApplyRequest) session() string {
	if r.ChargingSessionID == nil {
		return ""
	}
	if r.Type != models.TransactionPayment && r.Type != models.TransactionRefund {
		return ""
	}
	return *r.ChargingSessionID
}

// Recorded transaction of the session is a replay of this request only if user and amount agree
func (r ApplyRequest) matches(t models.Transaction) error {
	if t.UserID != r.UserID || !t.Amount.Equal(r.Amount.Abs()) {
		return apperrors.Validation("charging session %s already has a %s of %s", *r.ChargingSessionID, t.Type, t.Amount)
	}
	return nil
}

func (r ApplyRequest) validate() error {
	switch {
	case r.UserID == uuid.Nil:
		return apperrors.Validation("user id is required")
	case !r.Type.Valid():
		return apperrors.Validation("unknown transaction type %q", r.Type)
	case r.Amount.IsZero():
		return apperrors.Validation("amount must not be zero")
	case r.Type.IsCredit() && r.Amount.IsNegative():
		return apperrors.Validation("%s amount must be positive", r.Type)
	case r.Type.IsDebit() && r.Amount.IsPositive():
		return apperrors.Validation("%s amount must be negative", r.Type)
	}
	return nil
}

// GetOrCreateWallet returns the user wallet, creating it with the starting balance on first access
func (l *Ledger) GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (models.Wallet, error) {
	w, err := l.storage.Wallet().GetWallet(ctx, userID)
	if !errors.Is(err, apperrors.ErrWalletNotFound) {
		return w, err
	}

	w, err = l.storage.Wallet().CreateWallet(ctx, userID, l.startingBalance, l.currency)
	if err != nil {
		return w, fmt.Errorf("failed to create wallet: %w", err)
	}

	l.l.Info("Wallet created", "user_id", userID, "wallet_id", w.ID, "balance", w.Balance.String())
	return w, nil
}

// ApplyDelta changes the wallet balance and records the transaction.
// Debits (WITHDRAWAL, PAYMENT) never take the balance below zero: apperrors.ErrBalanceInsufficient and nothing is written.
// PAYMENT and REFUND of a charging session are applied once: a repeated request of the same user and amount
// gets the recorded transaction back, any other request for the session is rejected.
func (l *Ledger) ApplyDelta(ctx context.Context, req ApplyRequest) (models.Transaction, error) {
	tr, replayed, err := l.apply(ctx, req)
	if err != nil {
		l.l.Warn("Ledger delta rejected", "user_id", req.UserID, "type", req.Type, "amount", req.Amount.String(), "error", err)
		return tr, err
	}

	l.logApplied(tr, replayed)
	if !replayed {
		l.publisher.Publish(ctx, events.LedgerEvent(tr, l.currency))
	}
	return tr, nil
}

func (l *Ledger) apply(ctx context.Context, req ApplyRequest) (models.Transaction, bool, error) {
	var (
		tr       models.Transaction
		replayed bool
	)

	if err := req.validate(); err != nil {
		return tr, false, err
	}
	session := req.session()

	err := l.storage.InTx(ctx, func(s repository.Storage) error {
		replayed = false

		if session != "" {
			existing, err := s.Wallet().GetSessionTransaction(ctx, req.Type, session)
			switch {
			case err == nil:
				tr, replayed = existing, true
				return req.matches(existing)
			case !errors.Is(err, apperrors.ErrTransactionNotFound):
				return err
			}
		}

		w, err := l.In(s).GetOrCreateWallet(ctx, req.UserID)
		if err != nil {
			return err
		}

		before, after, err := s.Wallet().ApplyDelta(ctx, w.ID, req.Amount, !req.Type.IsDebit())
		if err != nil {
			return err
		}

		tr, err = s.Wallet().CreateTransaction(ctx, models.Transaction{
			ID:                uuid.New(),
			UserID:            req.UserID,
			WalletID:          w.ID,
			Type:              req.Type,
			Amount:            req.Amount.Abs(),
			BalanceBefore:     before,
			BalanceAfter:      after,
			PaymentOrderID:    req.PaymentOrderID,
			ChargingSessionID: req.ChargingSessionID,
			Status:            models.TransactionCompleted,
			Description:       req.Description,
		})
		return err
	})

	// A concurrent request for the same session inserted first, its row is committed by now
	if errors.Is(err, apperrors.ErrLedgerConflict) && session != "" {
		existing, getErr := l.storage.Wallet().GetSessionTransaction(ctx, req.Type, session)
		if getErr == nil {
			return existing, true, req.matches(existing)
		}
	}
	if err != nil {
		return tr, false, err
	}

	return tr, replayed, nil
}

func (l *Ledger) logApplied(tr models.Transaction, replayed bool) {
	msg := "Ledger delta applied"
	if replayed {
		msg = "Ledger delta already applied"
	}
	l.l.Info(msg,
		"user_id", tr.UserID,
		"transaction_id", tr.ID,
		"type", tr.Type,
		"balance_before", tr.BalanceBefore.String(),
		"balance_after", tr.BalanceAfter.String(),
	)
}

type RefundRequest struct {
	UserID            uuid.UUID
	ChargingSessionID string
	Amount            decimal.Decimal // positive, at most the session payment
	Description       string
}

// RefundSession credits back part or all of what the user paid for a charging session.
// A session is refunded once, repeating the same refund returns the recorded transaction.
// Unknown session or a session paid by someone else is apperrors.ErrTransactionNotFound.
func (l *Ledger) RefundSession(ctx context.Context, req RefundRequest) (models.Transaction, error) {
	switch {
	case req.ChargingSessionID == "":
		return models.Transaction{}, apperrors.Validation("charging session id is required")
	case !req.Amount.IsPositive():
		return models.Transaction{}, apperrors.Validation("refund amount must be positive")
	}

	description := req.Description
	if description == "" {
		description = "refund of charging session " + req.ChargingSessionID
	}

	var (
		tr       models.Transaction
		replayed bool
	)
	err := l.storage.InTx(ctx, func(s repository.Storage) error {
		paid, err := s.Wallet().GetSessionTransaction(ctx, models.TransactionPayment, req.ChargingSessionID)
		if err != nil {
			return err
		}
		if paid.UserID != req.UserID {
			return apperrors.ErrTransactionNotFound
		}
		if req.Amount.GreaterThan(paid.Amount) {
			return apperrors.Validation("refund %s is more than %s paid for session %s", req.Amount, paid.Amount, req.ChargingSessionID)
		}

		tr, replayed, err = l.In(s).apply(ctx, ApplyRequest{
			UserID:            req.UserID,
			Amount:            req.Amount,
			Type:              models.TransactionRefund,
			ChargingSessionID: &req.ChargingSessionID,
			Description:       description,
		})
		return err
	})
	if err != nil {
		l.l.Warn("Refund rejected", "user_id", req.UserID, "session_id", req.ChargingSessionID, "error", err)
		return tr, err
	}

	l.logApplied(tr, replayed)
	if !replayed {
		l.publisher.Publish(ctx, events.LedgerEvent(tr, l.currency))
	}
	return tr, nil
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (models.Wallet, error) {
	return l.GetOrCreateWallet(ctx, userID)
}

func (l *Ledger) Transactions(ctx context.Context, userID uuid.UUID, opts repository.ListTransactionsOpts) ([]models.Transaction, error) {
	return l.storage.Wallet().ListTransactions(ctx, userID, opts)
}

// Reconcile checks the wallet against its ledger: every row must continue the previous one
// and the balance must equal the initial balance plus all signed amounts.
func (l *Ledger) Reconcile(ctx context.Context, userID uuid.UUID) error {
	return l.storage.InTx(ctx, func(s repository.Storage) error {
		w, err := s.Wallet().GetWallet(ctx, userID)
		if err != nil {
			return err
		}

		transactions, err := s.Wallet().ListTransactions(ctx, userID, repository.ListTransactionsOpts{})
		if err != nil {
			return err
		}

		running := w.InitialBalance
		for i := len(transactions) - 1; i >= 0; i-- { // oldest first
			t := transactions[i]
			if !t.BalanceBefore.Equal(running) {
				return fmt.Errorf("%w: transaction %s starts at %s, expected %s", apperrors.ErrLedgerCorrupted, t.ID, t.BalanceBefore, running)
			}
			if !t.BalanceAfter.Equal(t.BalanceBefore.Add(t.Signed())) {
				return fmt.Errorf("%w: transaction %s pair does not match amount", apperrors.ErrLedgerCorrupted, t.ID)
			}
			running = t.BalanceAfter
		}

		if !running.Equal(w.Balance) {
			return fmt.Errorf("%w: balance %s, ledger sum %s", apperrors.ErrLedgerCorrupted, w.Balance, running)
		}
		return nil
	})
}
