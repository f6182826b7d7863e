package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/handlers/render"
	"github.com/nkiryanov/evpay/internal/handlers/userctx"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
	"github.com/nkiryanov/evpay/internal/service/ledger"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 500
)

type walletResponse struct {
	WalletID  uuid.UUID       `json:"wallet_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type transactionResponse struct {
	ID                uuid.UUID       `json:"id"`
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	PaymentOrderID    *uuid.UUID      `json:"payment_order_id,omitempty"`
	ChargingSessionID *string         `json:"charging_session_id,omitempty"`
	Status            string          `json:"status"`
	Description       string          `json:"description,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func transactionResponseOf(t models.Transaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		Type:              string(t.Type),
		Amount:            t.Amount,
		BalanceBefore:     t.BalanceBefore,
		BalanceAfter:      t.BalanceAfter,
		PaymentOrderID:    t.PaymentOrderID,
		ChargingSessionID: t.ChargingSessionID,
		Status:            t.Status,
		Description:       t.Description,
		CreatedAt:         t.CreatedAt,
	}
}

func handleWalletBalance(wallets walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		wallet, err := wallets.Balance(r.Context(), userID)
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, walletResponse{
			WalletID:  wallet.ID,
			Balance:   wallet.Balance,
			Currency:  wallet.Currency,
			Status:    wallet.Status,
			UpdatedAt: wallet.UpdatedAt,
		})
	})
}

// Query: type (repeatable) filters by transaction type, limit caps the page
func handleListTransactions(wallets walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		opts, err := transactionsOpts(r)
		if err != nil {
			serviceError(w, l, err)
			return
		}

		transactions, err := wallets.Transactions(r.Context(), userID, opts)
		if err != nil {
			serviceError(w, l, err)
			return
		}

		if len(transactions) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		response := make([]transactionResponse, 0, len(transactions))
		for _, t := range transactions {
			response = append(response, transactionResponseOf(t))
		}
		render.JSON(w, response)
	})
}

func transactionsOpts(r *http.Request) (repository.ListTransactionsOpts, error) {
	opts := repository.ListTransactionsOpts{Limit: defaultTransactionsLimit}
	query := r.URL.Query()

	for _, raw := range query["type"] {
		t := models.TransactionType(raw)
		if !t.Valid() {
			return opts, apperrors.Validation("unknown transaction type %q", raw)
		}
		opts.Types = append(opts.Types, t)
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxTransactionsLimit {
			return opts, apperrors.Validation("limit must be between 1 and %d", maxTransactionsLimit)
		}
		opts.Limit = limit
	}

	return opts, nil
}

type walletPaymentRequest struct {
	ChargingSessionID string          `json:"charging_session_id" validate:"required,max=128"`
	Amount            decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Description       string          `json:"description" validate:"max=255"`
}

// Pay for a charging session from the wallet balance
func handleWalletPayment(wallets walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		req, err := render.BindAndValidate[walletPaymentRequest](w, r)
		if err != nil {
			return
		}

		description := req.Description
		if description == "" {
			description = "charging session " + req.ChargingSessionID
		}

		t, err := wallets.ApplyDelta(r.Context(), ledger.ApplyRequest{
			UserID:            userID,
			Amount:            req.Amount.Neg(),
			Type:              models.TransactionPayment,
			ChargingSessionID: &req.ChargingSessionID,
			Description:       description,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSONWithStatus(w, transactionResponseOf(t), http.StatusCreated)
	})
}

type sessionRefundRequest struct {
	ChargingSessionID string          `json:"charging_session_id" validate:"required,max=128"`
	Amount            decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Description       string          `json:"description" validate:"max=255"`
}

// Give back unused part of a charging session payment
func handleSessionRefund(wallets walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		req, err := render.BindAndValidate[sessionRefundRequest](w, r)
		if err != nil {
			return
		}

		t, err := wallets.RefundSession(r.Context(), ledger.RefundRequest{
			UserID:            userID,
			ChargingSessionID: req.ChargingSessionID,
			Amount:            req.Amount,
			Description:       req.Description,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSONWithStatus(w, transactionResponseOf(t), http.StatusCreated)
	})
}

type reconcileResponse struct {
	Consistent bool   `json:"consistent"`
	Detail     string `json:"detail,omitempty"`
}

// Check the wallet balance against its transactions
func handleReconcile(wallets walletService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		err := wallets.Reconcile(r.Context(), userID)
		switch {
		case err == nil:
			render.JSON(w, reconcileResponse{Consistent: true})
		case errors.Is(err, apperrors.ErrLedgerCorrupted):
			l.Error("Wallet does not reconcile", "user_id", userID, "error", err)
			render.JSONWithStatus(w, reconcileResponse{Consistent: false, Detail: err.Error()}, http.StatusConflict)
		default:
			serviceError(w, l, err)
		}
	})
}
