package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
)

// Metadata key with the card token issued by the provider frontend SDK
const MetadataCardToken = "card_token"

type CreditCardConfig struct {
	URL    string
	APIKey string
}

// CreditCardAdapter charges tokenized cards. The charge settles within the call, so there is nothing to confirm or cancel later
type CreditCardAdapter struct {
	apiKey string
	client *client
}

func NewCreditCard(cfg CreditCardConfig, opts ClientOptions) *CreditCardAdapter {
	return &CreditCardAdapter{
		apiKey: cfg.APIKey,
		client: newClient("creditcard", cfg.URL, opts),
	}
}

func (a *CreditCardAdapter) Method() models.PaymentMethod {
	return models.MethodCreditCard
}

func (a *CreditCardAdapter) Synchronous() bool {
	return true
}

func (a *CreditCardAdapter) Validate(req InitiateRequest) error {
	if req.Metadata[MetadataCardToken] == "" {
		return apperrors.Validation("%s is required for credit card payments", MetadataCardToken)
	}
	return nil
}

type chargeRequest struct {
	CardToken   string          `json:"card_token"`
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

type chargeResponse struct {
	Status    int             `json:"status"` // 0 is success, anything else is a decline reason
	Message   string          `json:"msg"`
	TradeID   string          `json:"rec_trade_id"`
	Amount    decimal.Decimal `json:"amount"`
	Record    string          `json:"record_status"` // PAID, FAILED, REFUNDED; only in status queries
	OrderID   string          `json:"order_id"`
	Currency  string          `json:"currency"`
	Timestamp int64           `json:"transaction_time_millis"`
}

func (a *CreditCardAdapter) sign(string, []byte) http.Header {
	return http.Header{"X-Api-Key": {a.apiKey}}
}

// Initiate issues exactly one charge. Declines are returned as *Error with CodeDeclined
func (a *CreditCardAdapter) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	var result InitiateResult

	if err := a.Validate(req); err != nil {
		return result, err
	}
	token := req.Metadata[MetadataCardToken]

	var resp chargeResponse
	err := a.client.do(ctx, request{
		Operation: "charge",
		Method:    http.MethodPost,
		Path:      "/v1/charges",
		Body: chargeRequest{
			CardToken:   token,
			OrderID:     req.OrderID.String(),
			Amount:      req.Amount,
			Currency:    req.Currency,
			Description: req.Description,
		},
		Sign: a.sign,
	}, &resp)
	if err != nil {
		return result, err
	}

	if resp.Status != 0 {
		return InitiateResult{ExternalID: resp.TradeID, Message: resp.Message}, &Error{
			Provider: a.client.name,
			Code:     CodeDeclined,
			Err:      fmt.Errorf("charge declined, status %d: %s", resp.Status, resp.Message),
		}
	}
	if resp.TradeID == "" {
		return result, newError(a.client.name, CodeBadResponse, "charge accepted without trade id")
	}

	return InitiateResult{
		Settled:    true,
		ExternalID: resp.TradeID,
		Message:    resp.Message,
	}, nil
}

func (a *CreditCardAdapter) Confirm(context.Context, models.PaymentOrder, string) (ConfirmResult, error) {
	return ConfirmResult{}, fmt.Errorf("%w: credit card charges settle on creation", apperrors.ErrUnsupportedOperation)
}

func (a *CreditCardAdapter) Cancel(context.Context, models.PaymentOrder) error {
	return fmt.Errorf("%w: submitted card charge can't be cancelled", apperrors.ErrUnsupportedOperation)
}

// Status looks the charge up by our order id: the order may have no trade id if the process stopped mid charge.
// A charge the provider never saw is reported as failed.
func (a *CreditCardAdapter) Status(ctx context.Context, order models.PaymentOrder) (StatusResult, error) {
	var resp chargeResponse
	err := a.client.do(ctx, request{
		Operation: "status",
		Method:    http.MethodGet,
		Path:      "/v1/charges/orders/" + order.ID.String(),
		Sign:      a.sign,
	}, &resp)

	var pErr *Error
	switch {
	case errors.As(err, &pErr) && pErr.Code == CodeNotFound:
		return StatusResult{Status: StatusFailed, Message: "charge not found"}, nil
	case err != nil:
		return StatusResult{}, err
	}

	result := StatusResult{ExternalID: resp.TradeID, Amount: resp.Amount, Message: resp.Message}
	switch {
	case resp.Status == 0 && resp.Record == "PAID":
		result.Status = StatusPaid
	case resp.Status == 0 && resp.Record == "":
		result.Status = StatusPending
	default:
		result.Status = StatusFailed
	}

	return result, nil
}

func (a *CreditCardAdapter) ParseNotification(http.Header, []byte) (Notification, error) {
	return Notification{}, fmt.Errorf("%w: credit card has no notifications", apperrors.ErrUnsupportedOperation)
}
