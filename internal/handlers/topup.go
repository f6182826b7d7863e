package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/handlers/render"
	"github.com/nkiryanov/evpay/internal/handlers/userctx"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

type createTopupRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	Description string          `json:"description" validate:"required,max=255"`
	Method      string          `json:"method" validate:"required,payment_method"`
	CardToken   string          `json:"card_token" validate:"max=255"`
}

type orderResponse struct {
	OrderID         uuid.UUID       `json:"order_id"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentURL      string          `json:"payment_url,omitempty"`
	Message         string          `json:"message,omitempty"`
	TransactionID   *uuid.UUID      `json:"transaction_id,omitempty"`
}

func orderResponseOf(res payment.OrderResult) orderResponse {
	var transactionID *uuid.UUID
	if res.TransactionID != uuid.Nil {
		transactionID = &res.TransactionID
	}
	return orderResponse{
		OrderID:         res.OrderID,
		ExternalOrderID: res.ExternalOrderID,
		Status:          string(res.Status),
		Amount:          res.Amount,
		Currency:        res.Currency,
		PaymentURL:      res.PaymentURL,
		Message:         res.Message,
		TransactionID:   transactionID,
	}
}

// Create top up order. A declined card is not an error: the order is returned with FAILED status
func handleCreateTopup(topups topupService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		req, err := render.BindAndValidate[createTopupRequest](w, r)
		if err != nil {
			return
		}

		// Validated already
		method, _ := models.ParsePaymentMethod(req.Method)

		var metadata map[string]string
		if req.CardToken != "" {
			metadata = map[string]string{provider.MetadataCardToken: req.CardToken}
		}

		res, err := topups.CreateOrder(r.Context(), payment.CreateOrderInput{
			UserID:      userID,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Description: req.Description,
			Method:      method,
			Metadata:    metadata,
		})
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSONWithStatus(w, orderResponseOf(res), http.StatusCreated)
	})
}

func handleGetTopup(topups topupService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		orderID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			serviceError(w, l, apperrors.ErrOrderNotFound)
			return
		}

		res, err := topups.GetOrder(r.Context(), userID, orderID)
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, orderResponseOf(res))
	})
}
