// Package provider talks to payment providers. Every payment method is served by an Adapter;
// the Registry maps methods to adapters so callers never branch on the method themselves.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
)

type InitiateRequest struct {
	OrderID     uuid.UUID
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]string
}

type InitiateResult struct {
	// Settled is true when the provider finished the payment within the call (credit card).
	// Otherwise the user has to complete it at PaymentURL.
	Settled    bool
	ExternalID string
	PaymentURL string
	Message    string
}

type ConfirmResult struct {
	ExternalID string
	Message    string
}

// Payment status as reported by the provider
type Status string

const (
	StatusPending    Status = "PENDING"    // user has not finished the flow yet
	StatusAuthorized Status = "AUTHORIZED" // approved by the user, waits for capture
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

type StatusResult struct {
	Status     Status
	ExternalID string
	Amount     decimal.Decimal // zero if the provider does not report it
	Message    string
}

// Notification is a verified asynchronous message from the provider
type Notification struct {
	EventID    string
	OrderID    uuid.UUID // nil if the provider sent only its transaction id
	ExternalID string
	Amount     decimal.Decimal
	Status     Status
}

type Adapter interface {
	Method() models.PaymentMethod

	// Synchronous adapters settle the payment within Initiate, there are no callbacks for them
	Synchronous() bool

	// Check the request before anything is persisted: apperrors.ErrValidation if it can't be paid with this method
	Validate(req InitiateRequest) error

	// Start the payment. Called exactly once per order, never retried
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)

	// Capture the payment the user approved. Repeating it for a captured payment is not an error
	Confirm(ctx context.Context, order models.PaymentOrder, externalID string) (ConfirmResult, error)

	// Void the payment at the provider if there is anything to void
	Cancel(ctx context.Context, order models.PaymentOrder) error

	// Ask the provider what happened to the payment
	Status(ctx context.Context, order models.PaymentOrder) (StatusResult, error)

	// Verify signature and decode provider webhook
	ParseNotification(header http.Header, body []byte) (Notification, error)
}

// Registry of adapters keyed by payment method
type Registry map[models.PaymentMethod]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Method()] = a
	}
	return r
}

func (r Registry) Get(method models.PaymentMethod) (Adapter, error) {
	a, ok := r[method]
	if !ok {
		return nil, apperrors.Validation("payment method %q is not available", method)
	}
	return a, nil
}

func (r Registry) Methods() []models.PaymentMethod {
	methods := make([]models.PaymentMethod, 0, len(r))
	for _, m := range models.PaymentMethods {
		if _, ok := r[m]; ok {
			methods = append(methods, m)
		}
	}
	return methods
}

const (
	CodeRetryAfter  = "retry-after"
	CodeDeclined    = "declined"
	CodeRejected    = "rejected"
	CodeUnavailable = "unavailable"
	CodeBadResponse = "bad-response"
	CodeNotFound    = "not-found"
)

// Error of a provider call. It matches apperrors.ErrProvider, declines also match apperrors.ErrProviderDeclined
type Error struct {
	Provider string
	Code     string

	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: code: %s, retry_after: %s, error: %v", e.Provider, e.Code, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: code: %s, error: %v", e.Provider, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case apperrors.ErrProvider:
		return true
	case apperrors.ErrProviderDeclined:
		return e.Code == CodeDeclined
	default:
		return false
	}
}

func newError(provider string, code string, format string, args ...any) *Error {
	return &Error{Provider: provider, Code: code, Err: fmt.Errorf(format, args...)}
}

// RetryAfter returns how long the provider asked to wait, zero if it did not
func RetryAfter(err error) time.Duration {
	var pErr *Error
	if errors.As(err, &pErr) && pErr.Code == CodeRetryAfter {
		return pErr.RetryAfter
	}
	return 0
}
