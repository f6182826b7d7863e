package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/handlers/render"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

const maxNotificationSize = 64 << 10

const (
	callbackConfirm = "confirm"
	callbackCancel  = "cancel"
	callbackNotify  = "notify"
)

// Label for callback metrics
func callbackResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, apperrors.ErrValidation):
		return "rejected"
	case errors.Is(err, apperrors.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrOrderTerminal):
		return "terminal"
	case errors.Is(err, apperrors.ErrProvider):
		return "provider_error"
	default:
		return "error"
	}
}

// Method from the path. Unknown methods answer 404 like any unknown path
func methodFromPath(w http.ResponseWriter, r *http.Request) (models.PaymentMethod, bool) {
	method, err := models.ParsePaymentMethod(r.PathValue("method"))
	if err != nil {
		render.ServiceError(w, "Not found", http.StatusNotFound)
		return "", false
	}
	return method, true
}

// Provider redirects the user back with orderId, amount and the provider transaction id in the query
func confirmInputFromQuery(r *http.Request, method models.PaymentMethod) (payment.ConfirmInput, error) {
	query := r.URL.Query()

	orderID, err := uuid.Parse(query.Get("orderId"))
	if err != nil {
		return payment.ConfirmInput{}, apperrors.Validation("orderId is not a valid id")
	}
	amount, err := decimal.NewFromString(query.Get("amount"))
	if err != nil {
		return payment.ConfirmInput{}, apperrors.Validation("amount is not a number")
	}

	return payment.ConfirmInput{
		OrderID:    orderID,
		Method:     method,
		ExternalID: query.Get("transactionId"),
		Amount:     amount,
	}, nil
}

func handleConfirmRedirect(processor callbackProcessor, observer callbackObserver, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, ok := methodFromPath(w, r)
		if !ok {
			return
		}

		in, err := confirmInputFromQuery(r, method)
		if err == nil {
			var res payment.OrderResult
			res, err = processor.Confirm(r.Context(), in)
			if err == nil {
				observer.ObserveCallback(string(method), callbackConfirm, callbackResult(nil))
				render.JSON(w, orderResponseOf(res))
				return
			}
		}

		observer.ObserveCallback(string(method), callbackConfirm, callbackResult(err))
		serviceError(w, l, err)
	})
}

func handleCancelRedirect(processor callbackProcessor, observer callbackObserver, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, ok := methodFromPath(w, r)
		if !ok {
			return
		}

		orderID, err := uuid.Parse(r.URL.Query().Get("orderId"))
		if err != nil {
			err = apperrors.Validation("orderId is not a valid id")
			observer.ObserveCallback(string(method), callbackCancel, callbackResult(err))
			serviceError(w, l, err)
			return
		}

		res, err := processor.Cancel(r.Context(), orderID)
		observer.ObserveCallback(string(method), callbackCancel, callbackResult(err))
		if err != nil {
			serviceError(w, l, err)
			return
		}

		render.JSON(w, orderResponseOf(res))
	})
}

type notifyResponse struct {
	Status string         `json:"status"`
	Order  *orderResponse `json:"order,omitempty"`
}

// Provider webhook. Every delivery is answered 2xx unless a redelivery could succeed,
// so providers stop retrying notifications that will never apply.
func handleNotify(processor callbackProcessor, adapters adapterRegistry, guard notificationGuard, observer callbackObserver, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, ok := methodFromPath(w, r)
		if !ok {
			return
		}
		adapter, err := adapters.Get(method)
		if err != nil {
			render.ServiceError(w, "Not found", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationSize))
		if err != nil {
			render.DecodeError(w, err)
			return
		}

		n, err := adapter.ParseNotification(r.Header, body)
		if err != nil {
			observer.ObserveCallback(string(method), callbackNotify, callbackResult(err))
			l.Warn("Notification rejected", "method", method, "error", err)
			serviceError(w, l, err)
			return
		}

		log := l.With("method", method, "event_id", n.EventID, "order_id", n.OrderID, "status", n.Status)
		key := string(method) + ":" + n.EventID

		// Guard is a fast path only, without it the order lock still keeps processing exactly once
		fresh, err := guard.CheckAndMark(r.Context(), key)
		if err != nil {
			log.Warn("Notification guard unavailable", "error", err)
			fresh = true
		}
		if !fresh {
			observer.ObserveCallback(string(method), callbackNotify, "duplicate")
			log.Info("Duplicate notification skipped")
			render.JSON(w, notifyResponse{Status: "duplicate"})
			return
		}

		res, err := applyNotification(r.Context(), processor, method, n)
		observer.ObserveCallback(string(method), callbackNotify, callbackResult(err))

		switch {
		case err == nil:
			log.Info("Notification applied", "order_status", res.Status)
			order := orderResponseOf(res)
			render.JSON(w, notifyResponse{Status: "ok", Order: &order})
		case errors.Is(err, apperrors.ErrOrderTerminal):
			log.Warn("Notification for terminal order ignored", "order_status", res.Status)
			order := orderResponseOf(res)
			render.JSON(w, notifyResponse{Status: "ignored", Order: &order})
		case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrOrderNotFound):
			log.Warn("Notification does not match order", "error", err)
			serviceError(w, l, err)
		default:
			// Let the provider redeliver it
			if err := guard.Release(r.Context(), key); err != nil {
				log.Warn("Notification guard release failed", "error", err)
			}
			serviceError(w, l, err)
		}
	})
}

// Notifications that carry only the provider transaction id are matched to the order by it
func applyNotification(ctx context.Context, processor callbackProcessor, method models.PaymentMethod, n provider.Notification) (payment.OrderResult, error) {
	if n.OrderID == uuid.Nil {
		orderID, err := processor.OrderIDByExternalID(ctx, method, n.ExternalID)
		if err != nil {
			return payment.OrderResult{}, err
		}
		n.OrderID = orderID
	}

	in := payment.ConfirmInput{
		OrderID:    n.OrderID,
		Method:     method,
		ExternalID: n.ExternalID,
		Amount:     n.Amount,
	}

	switch n.Status {
	case provider.StatusAuthorized:
		return processor.Confirm(ctx, in)
	case provider.StatusPaid:
		return processor.Complete(ctx, in)
	case provider.StatusCancelled:
		return processor.Cancel(ctx, n.OrderID)
	case provider.StatusFailed:
		return processor.Fail(ctx, n.OrderID, "payment failed at provider")
	default:
		return payment.OrderResult{}, apperrors.Validation("notification status %q can't be applied", n.Status)
	}
}
