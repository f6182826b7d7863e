package apperrors

import (
	"errors"
	"fmt"
)

var (
	// Input rejected before any side effect
	ErrValidation = errors.New("validation failed")

	ErrOrderNotFound = errors.New("payment order not found")
	ErrOrderTerminal = errors.New("payment order already in terminal state")

	// Order status may only move forward
	ErrOrderTransition = fmt.Errorf("%w: order status can't move backwards", ErrValidation)

	// Callback amount differs from the stored order amount
	ErrAmountMismatch = fmt.Errorf("%w: amount does not match order", ErrValidation)

	// Callback external transaction id differs from the stored one
	ErrExternalIDMismatch = fmt.Errorf("%w: external transaction id does not match order", ErrValidation)

	ErrProvider             = errors.New("payment provider error")
	ErrProviderDeclined     = errors.New("payment declined by provider")
	ErrUnsupportedOperation = errors.New("operation not supported by payment method")

	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletInactive      = errors.New("wallet is not active")
	ErrBalanceInsufficient = errors.New("insufficient balance")
	ErrLedgerConflict      = errors.New("ledger write conflict")
	ErrLedgerCorrupted     = errors.New("ledger does not reconcile with wallet balance")
	ErrTransactionNotFound = errors.New("wallet transaction not found")

	ErrUnauthorized = errors.New("unauthorized")
)

// Validation wraps ErrValidation with a human readable reason
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
