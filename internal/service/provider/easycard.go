package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
)

const (
	easyCardOK              = "00"
	easyCardAlreadyCaptured = "12"
	easyCardAlreadyVoided   = "13"

	easyCardSignatureHeader = "X-Easycard-Signature"
)

type EasyCardConfig struct {
	URL        string
	MerchantID string
	Secret     string
}

// EasyCard online payment gateway. Requests and notifications carry hex HMAC-SHA256 of the body
type EasyCard struct {
	merchantID string
	secret     string
	client     *client
}

func NewEasyCard(cfg EasyCardConfig, opts ClientOptions) *EasyCard {
	return &EasyCard{
		merchantID: cfg.MerchantID,
		secret:     cfg.Secret,
		client:     newClient("easycard", cfg.URL, opts),
	}
}

func (g *EasyCard) Method() models.PaymentMethod {
	return models.MethodEasyCard
}

func (g *EasyCard) mac(payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(payload) // nolint:errcheck
	return mac.Sum(nil)
}

// GET requests have no body, the query is signed instead
func (g *EasyCard) sign(pathWithQuery string, body []byte) http.Header {
	payload := body
	if len(payload) == 0 {
		payload = []byte(pathWithQuery)
	}
	return http.Header{
		"X-Easycard-Merchant":   {g.merchantID},
		easyCardSignatureHeader: {hex.EncodeToString(g.mac(payload))},
	}
}

type easyCardResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TransactionID string          `json:"transactionId"`
		PaymentURL    string          `json:"paymentUrl"`
		Status        string          `json:"status"` // CREATED, AUTHORIZED, CAPTURED, VOIDED, FAILED
		Amount        decimal.Decimal `json:"amount"`
	} `json:"data"`
}

func (g *EasyCard) rejected(resp easyCardResponse) *Error {
	return newError(g.client.name, CodeRejected, "code %s: %s", resp.Code, resp.Message)
}

func (g *EasyCard) Request(ctx context.Context, req InitiateRequest, urls ReturnURLs) (InitiateResult, error) {
	body := map[string]any{
		"merchantId":  g.merchantID,
		"orderId":     req.OrderID.String(),
		"amount":      req.Amount,
		"currency":    req.Currency,
		"description": req.Description,
		"returnUrl":   urls.Confirm,
		"cancelUrl":   urls.Cancel,
		"notifyUrl":   urls.Notify,
	}

	var resp easyCardResponse
	err := g.client.do(ctx, request{
		Operation: "request",
		Method:    http.MethodPost,
		Path:      "/v1/payments",
		Body:      body,
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return InitiateResult{}, err
	}
	if resp.Code != easyCardOK {
		return InitiateResult{Message: resp.Message}, g.rejected(resp)
	}

	return InitiateResult{
		ExternalID: resp.Data.TransactionID,
		PaymentURL: resp.Data.PaymentURL,
		Message:    resp.Message,
	}, nil
}

func (g *EasyCard) Capture(ctx context.Context, order models.PaymentOrder, externalID string) (ConfirmResult, error) {
	body := map[string]any{
		"merchantId": g.merchantID,
		"orderId":    order.ID.String(),
		"amount":     order.Amount,
	}

	var resp easyCardResponse
	err := g.client.do(ctx, request{
		Operation: "capture",
		Method:    http.MethodPost,
		Path:      "/v1/payments/" + url.PathEscape(externalID) + "/capture",
		Body:      body,
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return ConfirmResult{}, err
	}

	switch resp.Code {
	case easyCardOK, easyCardAlreadyCaptured:
		return ConfirmResult{ExternalID: externalID, Message: resp.Message}, nil
	default:
		return ConfirmResult{Message: resp.Message}, g.rejected(resp)
	}
}

func (g *EasyCard) Void(ctx context.Context, order models.PaymentOrder) error {
	var resp easyCardResponse
	err := g.client.do(ctx, request{
		Operation: "void",
		Method:    http.MethodPost,
		Path:      "/v1/payments/" + url.PathEscape(order.ExternalIDOrEmpty()) + "/void",
		Body:      map[string]any{"merchantId": g.merchantID, "orderId": order.ID.String()},
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return err
	}

	switch resp.Code {
	case easyCardOK, easyCardAlreadyVoided:
		return nil
	default:
		return g.rejected(resp)
	}
}

func (g *EasyCard) Check(ctx context.Context, order models.PaymentOrder) (StatusResult, error) {
	externalID := order.ExternalIDOrEmpty()

	var resp easyCardResponse
	err := g.client.do(ctx, request{
		Operation: "check",
		Method:    http.MethodGet,
		Path:      "/v1/payments/" + url.PathEscape(externalID),
		Query:     url.Values{"merchantId": {g.merchantID}},
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.Code != easyCardOK {
		return StatusResult{}, g.rejected(resp)
	}

	result := StatusResult{ExternalID: externalID, Amount: resp.Data.Amount, Message: resp.Message}
	switch resp.Data.Status {
	case "CREATED":
		result.Status = StatusPending
	case "AUTHORIZED":
		result.Status = StatusAuthorized
	case "CAPTURED":
		result.Status = StatusPaid
	case "VOIDED":
		result.Status = StatusCancelled
	case "FAILED":
		result.Status = StatusFailed
	default:
		return result, newError(g.client.name, CodeBadResponse, "unknown payment status %q", resp.Data.Status)
	}

	return result, nil
}

func (g *EasyCard) VerifyNotification(header http.Header, body []byte) (Notification, error) {
	got, err := hex.DecodeString(header.Get(easyCardSignatureHeader))
	if err != nil || len(got) == 0 {
		return Notification{}, fmt.Errorf("%w: missing or malformed signature", apperrors.ErrUnauthorized)
	}
	if !hmac.Equal(got, g.mac(body)) {
		return Notification{}, fmt.Errorf("%w: signature mismatch", apperrors.ErrUnauthorized)
	}

	var n notificationBody
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, errors.Join(apperrors.Validation("malformed notification"), err)
	}
	return n.notification()
}
