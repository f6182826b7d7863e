package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/models"
)

const (
	linePayOK              = "0000"
	linePayAuthorized      = "0110"
	linePayCancelled       = "0121"
	linePayFailed          = "0122"
	linePayCaptured        = "0123"
	linePayAlreadyCaptured = "1172"

	linePayNotifyPath = "/api/payments/LinePay/notify"
)

type LinePayConfig struct {
	URL           string
	ChannelID     string
	ChannelSecret string
}

// LinePay online payments API v3
type LinePay struct {
	channelID string
	secret    string
	client    *client
}

func NewLinePay(cfg LinePayConfig, opts ClientOptions) *LinePay {
	return &LinePay{
		channelID: cfg.ChannelID,
		secret:    cfg.ChannelSecret,
		client:    newClient("linepay", cfg.URL, opts),
	}
}

func (g *LinePay) Method() models.PaymentMethod {
	return models.MethodLinePay
}

// Authorization = base64(HMAC-SHA256(secret, secret + uri + body or query + nonce))
func (g *LinePay) signature(uri string, payload string, nonce string) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(g.secret + uri + payload + nonce)) // nolint:errcheck
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (g *LinePay) sign(pathWithQuery string, body []byte) http.Header {
	uri, query, _ := strings.Cut(pathWithQuery, "?")
	payload := string(body)
	if len(body) == 0 {
		payload = query
	}

	nonce := uuid.NewString()
	return http.Header{
		"X-Line-Channelid":           {g.channelID},
		"X-Line-Authorization-Nonce": {nonce},
		"X-Line-Authorization":       {g.signature(uri, payload, nonce)},
	}
}

// LinePay wants amounts as json numbers
func linePayAmount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

type linePayProduct struct {
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	Price    json.Number `json:"price"`
}

type linePayPackage struct {
	ID       string           `json:"id"`
	Amount   json.Number      `json:"amount"`
	Name     string           `json:"name"`
	Products []linePayProduct `json:"products"`
}

type linePayRequest struct {
	Amount       json.Number      `json:"amount"`
	Currency     string           `json:"currency"`
	OrderID      string           `json:"orderId"`
	Packages     []linePayPackage `json:"packages"`
	RedirectURLs struct {
		ConfirmURL string `json:"confirmUrl"`
		CancelURL  string `json:"cancelUrl"`
	} `json:"redirectUrls"`
}

type linePayResponse struct {
	ReturnCode    string `json:"returnCode"`
	ReturnMessage string `json:"returnMessage"`
	Info          struct {
		TransactionID json.Number `json:"transactionId"`
		OrderID       string      `json:"orderId"`
		PaymentURL    struct {
			Web string `json:"web"`
			App string `json:"app"`
		} `json:"paymentUrl"`
	} `json:"info"`
}

func (g *LinePay) rejected(resp linePayResponse) *Error {
	return newError(g.client.name, CodeRejected, "return code %s: %s", resp.ReturnCode, resp.ReturnMessage)
}

func (g *LinePay) Request(ctx context.Context, req InitiateRequest, urls ReturnURLs) (InitiateResult, error) {
	amount := linePayAmount(req.Amount)

	body := linePayRequest{
		Amount:   amount,
		Currency: req.Currency,
		OrderID:  req.OrderID.String(),
		Packages: []linePayPackage{{
			ID:       req.OrderID.String(),
			Amount:   amount,
			Name:     "Wallet top-up",
			Products: []linePayProduct{{Name: req.Description, Quantity: 1, Price: amount}},
		}},
	}
	body.RedirectURLs.ConfirmURL = urls.Confirm
	body.RedirectURLs.CancelURL = urls.Cancel

	var resp linePayResponse
	err := g.client.do(ctx, request{
		Operation: "request",
		Method:    http.MethodPost,
		Path:      "/v3/payments/request",
		Body:      body,
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return InitiateResult{}, err
	}
	if resp.ReturnCode != linePayOK {
		return InitiateResult{Message: resp.ReturnMessage}, g.rejected(resp)
	}

	return InitiateResult{
		ExternalID: resp.Info.TransactionID.String(),
		PaymentURL: resp.Info.PaymentURL.Web,
		Message:    resp.ReturnMessage,
	}, nil
}

func (g *LinePay) Capture(ctx context.Context, order models.PaymentOrder, externalID string) (ConfirmResult, error) {
	body := struct {
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	}{
		Amount:   linePayAmount(order.Amount),
		Currency: order.Currency,
	}

	var resp linePayResponse
	err := g.client.do(ctx, request{
		Operation: "confirm",
		Method:    http.MethodPost,
		Path:      "/v3/payments/" + url.PathEscape(externalID) + "/confirm",
		Body:      body,
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return ConfirmResult{}, err
	}

	switch resp.ReturnCode {
	case linePayOK, linePayAlreadyCaptured:
		return ConfirmResult{ExternalID: externalID, Message: resp.ReturnMessage}, nil
	default:
		return ConfirmResult{Message: resp.ReturnMessage}, g.rejected(resp)
	}
}

// Unconfirmed LinePay reservations expire on their own, there is nothing to void remotely
func (g *LinePay) Void(context.Context, models.PaymentOrder) error {
	return nil
}

func (g *LinePay) Check(ctx context.Context, order models.PaymentOrder) (StatusResult, error) {
	externalID := order.ExternalIDOrEmpty()

	var resp linePayResponse
	err := g.client.do(ctx, request{
		Operation: "check",
		Method:    http.MethodGet,
		Path:      "/v3/payments/requests/" + url.PathEscape(externalID) + "/check",
		Sign:      g.sign,
	}, &resp)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{ExternalID: externalID, Message: resp.ReturnMessage}
	switch resp.ReturnCode {
	case linePayOK:
		result.Status = StatusPending
	case linePayAuthorized:
		result.Status = StatusAuthorized
	case linePayCaptured:
		result.Status = StatusPaid
	case linePayCancelled:
		result.Status = StatusCancelled
	case linePayFailed:
		result.Status = StatusFailed
	default:
		return result, g.rejected(resp)
	}

	return result, nil
}

type notificationBody struct {
	EventID       string          `json:"eventId"`
	OrderID       uuid.UUID       `json:"orderId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
}

func (n notificationBody) notification() (Notification, error) {
	switch n.Status {
	case StatusPaid, StatusAuthorized, StatusCancelled, StatusFailed:
	default:
		return Notification{}, apperrors.Validation("unknown notification status %q", n.Status)
	}
	if n.EventID == "" {
		return Notification{}, apperrors.Validation("notification without event id")
	}
	// Order is then found by the transaction id
	if n.OrderID == uuid.Nil && n.TransactionID == "" {
		return Notification{}, apperrors.Validation("notification without order or transaction id")
	}

	return Notification{
		EventID:    n.EventID,
		OrderID:    n.OrderID,
		ExternalID: n.TransactionID,
		Amount:     n.Amount,
		Status:     n.Status,
	}, nil
}

// Notifications are signed the same way as API requests, with our notify path as uri
func (g *LinePay) VerifyNotification(header http.Header, body []byte) (Notification, error) {
	nonce := header.Get("X-Line-Authorization-Nonce")
	got, err := base64.StdEncoding.DecodeString(header.Get("X-Line-Authorization"))
	if nonce == "" || err != nil {
		return Notification{}, fmt.Errorf("%w: missing or malformed signature", apperrors.ErrUnauthorized)
	}

	expected, _ := base64.StdEncoding.DecodeString(g.signature(linePayNotifyPath, string(body), nonce))
	if !hmac.Equal(got, expected) {
		return Notification{}, fmt.Errorf("%w: signature mismatch", apperrors.ErrUnauthorized)
	}

	var n notificationBody
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, errors.Join(apperrors.Validation("malformed notification"), err)
	}
	return n.notification()
}
