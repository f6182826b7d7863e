package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/handlers/render"
	"github.com/nkiryanov/evpay/internal/logger"
)

// Status code for a service error. Order of cases matters: specific sentinels go before the ones they wrap
func statusOf(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrUnsupportedOperation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrOrderNotFound),
		errors.Is(err, apperrors.ErrWalletNotFound),
		errors.Is(err, apperrors.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrOrderTerminal):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrBalanceInsufficient):
		return http.StatusPaymentRequired
	case errors.Is(err, apperrors.ErrWalletInactive):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, apperrors.ErrLedgerConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Render service error. Internal errors are logged and hidden from the client
func serviceError(w http.ResponseWriter, l logger.Logger, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		l.Error("request failed", "error", err)
		render.ServiceError(w, "Internal server error", code)
		return
	}
	render.ServiceError(w, err.Error(), code)
}
