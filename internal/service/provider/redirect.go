package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
)

// Where the provider sends the user (and its webhooks) back to
type ReturnURLs struct {
	Confirm string
	Cancel  string
	Notify  string
}

// Gateway is the provider specific part of a redirect payment
type Gateway interface {
	Method() models.PaymentMethod
	Request(ctx context.Context, req InitiateRequest, urls ReturnURLs) (InitiateResult, error)
	Capture(ctx context.Context, order models.PaymentOrder, externalID string) (ConfirmResult, error)
	Void(ctx context.Context, order models.PaymentOrder) error
	Check(ctx context.Context, order models.PaymentOrder) (StatusResult, error)
	VerifyNotification(header http.Header, body []byte) (Notification, error)
}

// RedirectAdapter runs the browser redirect flow over a Gateway:
// the user pays at the provider page and comes back to our confirm or cancel url.
type RedirectAdapter struct {
	gateway   Gateway
	publicURL string
	l         logger.Logger
}

// publicURL is the externally reachable base url of this service
func NewRedirect(gateway Gateway, publicURL string, l logger.Logger) *RedirectAdapter {
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &RedirectAdapter{
		gateway:   gateway,
		publicURL: strings.TrimRight(publicURL, "/"),
		l:         l.With("method", gateway.Method()),
	}
}

func (a *RedirectAdapter) Method() models.PaymentMethod {
	return a.gateway.Method()
}

func (a *RedirectAdapter) Synchronous() bool {
	return false
}

func (a *RedirectAdapter) Validate(InitiateRequest) error {
	return nil
}

func (a *RedirectAdapter) returnURLs(req InitiateRequest) ReturnURLs {
	base := a.publicURL + "/api/payments/" + url.PathEscape(string(a.Method()))
	q := url.Values{"orderId": {req.OrderID.String()}, "amount": {req.Amount.String()}}.Encode()

	return ReturnURLs{
		Confirm: base + "/confirm?" + q,
		Cancel:  base + "/cancel?" + q,
		Notify:  base + "/notify",
	}
}

func (a *RedirectAdapter) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	result, err := a.gateway.Request(ctx, req, a.returnURLs(req))
	if err != nil {
		a.l.Warn("Payment request failed", "order_id", req.OrderID, "error", err)
		return result, err
	}

	if result.PaymentURL == "" || result.ExternalID == "" {
		return result, newError(string(a.Method()), CodeBadResponse, "payment request accepted without payment url or transaction id")
	}
	result.Settled = false

	a.l.Debug("Payment requested", "order_id", req.OrderID, "external_id", result.ExternalID)
	return result, nil
}

// Confirm captures the payment. externalID comes from the callback and must match the one stored with the order
func (a *RedirectAdapter) Confirm(ctx context.Context, order models.PaymentOrder, externalID string) (ConfirmResult, error) {
	if externalID == "" {
		externalID = order.ExternalIDOrEmpty()
	}
	if externalID == "" {
		return ConfirmResult{}, apperrors.Validation("order %s has no provider transaction to confirm", order.ID)
	}
	if order.ExternalID != nil && *order.ExternalID != externalID {
		return ConfirmResult{}, fmt.Errorf("%w: got %q, order has %q", apperrors.ErrExternalIDMismatch, externalID, *order.ExternalID)
	}

	result, err := a.gateway.Capture(ctx, order, externalID)
	if err != nil {
		a.l.Warn("Payment capture failed", "order_id", order.ID, "external_id", externalID, "error", err)
		return result, err
	}
	if result.ExternalID == "" {
		result.ExternalID = externalID
	}

	return result, nil
}

// Cancel voids the payment. Order without transaction id was never registered at the provider
func (a *RedirectAdapter) Cancel(ctx context.Context, order models.PaymentOrder) error {
	if order.ExternalID == nil {
		return nil
	}
	return a.gateway.Void(ctx, order)
}

func (a *RedirectAdapter) Status(ctx context.Context, order models.PaymentOrder) (StatusResult, error) {
	if order.ExternalID == nil {
		return StatusResult{Status: StatusPending, Message: "not registered at provider"}, nil
	}
	return a.gateway.Check(ctx, order)
}

func (a *RedirectAdapter) ParseNotification(header http.Header, body []byte) (Notification, error) {
	n, err := a.gateway.VerifyNotification(header, body)
	if err != nil {
		a.l.Warn("Notification rejected", "error", err)
	}
	return n, err
}
