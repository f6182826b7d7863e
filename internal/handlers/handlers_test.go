package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/metrics"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository/memory"
	"github.com/nkiryanov/evpay/internal/service/auth"
	"github.com/nkiryanov/evpay/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/evpay/internal/service/dedupe"
	"github.com/nkiryanov/evpay/internal/service/ledger"
	"github.com/nkiryanov/evpay/internal/service/payment"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

type fakeAdapter struct {
	mu sync.Mutex

	method models.PaymentMethod
	sync   bool

	initiateResult provider.InitiateResult
	confirmErr     error

	notification    provider.Notification
	notificationErr error

	confirms int
}

func (a *fakeAdapter) Method() models.PaymentMethod { return a.method }
func (a *fakeAdapter) Synchronous() bool { return a.sync }

func (a *fakeAdapter) Validate(req provider.InitiateRequest) error {
	if a.sync && req.Metadata[provider.MetadataCardToken] == "" {
		return apperrors.Validation("card token required")
	}
	return nil
}

func (a *fakeAdapter) Initiate(context.Context, provider.InitiateRequest) (provider.InitiateResult, error) {
	return a.initiateResult, nil
}

func (a *fakeAdapter) Confirm(_ context.Context, order models.PaymentOrder, _ string) (provider.ConfirmResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirms++
	if a.confirmErr != nil {
		return provider.ConfirmResult{}, a.confirmErr
	}
	return provider.ConfirmResult{ExternalID: order.ExternalIDOrEmpty(), Message: "captured"}, nil
}

func (a *fakeAdapter) Cancel(context.Context, models.PaymentOrder) error { return nil }

func (a *fakeAdapter) Status(context.Context, models.PaymentOrder) (provider.StatusResult, error) {
	return provider.StatusResult{Status: provider.StatusPending}, nil
}

func (a *fakeAdapter) ParseNotification(http.Header, []byte) (provider.Notification, error) {
	return a.notification, a.notificationErr
}

type testEnv struct {
	srv     *httptest.Server
	storage *memory.Storage
	tokens  *tokenmanager.TokenManager
	card    *fakeAdapter
	linePay *fakeAdapter
	userID  uuid.UUID
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storage := memory.NewStorage()
	card := &fakeAdapter{
		method:         models.MethodCreditCard,
		sync:           true,
		initiateResult: provider.InitiateResult{Settled: true, ExternalID: "D2025", Message: "Success"},
	}
	linePay := &fakeAdapter{
		method:         models.MethodLinePay,
		initiateResult: provider.InitiateResult{ExternalID: "2025010100001", PaymentURL: "https://pay.line.me/p/1"},
	}
	registry := provider.NewRegistry(card, linePay)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := ledger.New(storage, ledger.Options{Currency: "TWD", Publisher: m})

	tokens, err := tokenmanager.New(tokenmanager.Config{SecretKey: "test-secret-key"})
	require.NoError(t, err)

	router := NewRouter(Services{
		Auth:      auth.NewService(auth.Config{}, tokens),
		Wallets:   l,
		Topups:    payment.NewManager(storage, l, registry, m, nil),
		Processor: payment.NewProcessor(storage, l, registry, m, nil),
		Adapters:  registry,
		Guard:     dedupe.NewMemoryGuard(time.Hour),
		Observer:  m,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger.NewNoOpLogger())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	e := &testEnv{srv: srv, storage: storage, tokens: tokens, card: card, linePay: linePay}
	e.userID, e.token = e.newUser(t)
	return e
}

func (e *testEnv) newUser(t *testing.T) (uuid.UUID, string) {
	userID := uuid.New()
	issued, err := e.tokens.Issue(userID)
	require.NoError(t, err)
	return userID, issued.Value
}

// Make request and decode JSON response into out if it is not nil
func (e *testEnv) do(t *testing.T, method, path, token, body string, out any) int {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()

	var wallet walletResponse
	code := e.do(t, http.MethodGet, "/api/wallet", e.token, "", &wallet)
	require.Equal(t, http.StatusOK, code)
	return wallet.Balance
}

func (e *testEnv) topupLinePay(t *testing.T, amount string) orderResponse {
	t.Helper()

	var order orderResponse
	code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
		`{"amount": "`+amount+`", "description": "top up", "method": "LinePay"}`, &order)
	require.Equal(t, http.StatusCreated, code)
	return order
}

func (e *testEnv) topupCard(t *testing.T, amount string) orderResponse {
	t.Helper()

	var order orderResponse
	code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
		`{"amount": "`+amount+`", "description": "top up", "method": "CreditCard", "card_token": "tok_1"}`, &order)
	require.Equal(t, http.StatusCreated, code)
	return order
}

func confirmPath(method models.PaymentMethod, orderID uuid.UUID, amount, transactionID string) string {
	q := url.Values{}
	q.Set("orderId", orderID.String())
	q.Set("amount", amount)
	q.Set("transactionId", transactionID)
	return "/api/payments/" + string(method) + "/confirm?" + q.Encode()
}

func TestWallet(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		e := newTestEnv(t)

		var resp map[string]string
		code := e.do(t, http.MethodGet, "/api/wallet", "", "", &resp)

		require.Equal(t, http.StatusUnauthorized, code)
		require.Equal(t, "Unauthorized", resp["message"])
	})

	t.Run("wallet created on first access", func(t *testing.T) {
		e := newTestEnv(t)

		var wallet walletResponse
		code := e.do(t, http.MethodGet, "/api/wallet", e.token, "", &wallet)

		require.Equal(t, http.StatusOK, code)
		assert.True(t, wallet.Balance.IsZero())
		assert.Equal(t, "TWD", wallet.Currency)
		assert.Equal(t, models.WalletActive, wallet.Status)
	})

	t.Run("no transactions", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodGet, "/api/wallet/transactions", e.token, "", nil)

		require.Equal(t, http.StatusNoContent, code)
	})

	t.Run("bad transactions query", func(t *testing.T) {
		e := newTestEnv(t)

		require.Equal(t, http.StatusUnprocessableEntity, e.do(t, http.MethodGet, "/api/wallet/transactions?type=BONUS", e.token, "", nil))
		require.Equal(t, http.StatusUnprocessableEntity, e.do(t, http.MethodGet, "/api/wallet/transactions?limit=0", e.token, "", nil))
	})

	t.Run("pay for charging session", func(t *testing.T) {
		e := newTestEnv(t)
		code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
			`{"amount": 100, "description": "top up", "method": "CreditCard", "card_token": "tok_1"}`, nil)
		require.Equal(t, http.StatusCreated, code)

		var tr transactionResponse
		code = e.do(t, http.MethodPost, "/api/wallet/payments", e.token,
			`{"charging_session_id": "cs-42", "amount": "30.5"}`, &tr)

		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, string(models.TransactionPayment), tr.Type)
		assert.Equal(t, "30.5", tr.Amount.String())
		assert.Equal(t, "100", tr.BalanceBefore.String())
		assert.Equal(t, "69.5", tr.BalanceAfter.String())
		require.NotNil(t, tr.ChargingSessionID)
		assert.Equal(t, "cs-42", *tr.ChargingSessionID)
		assert.Equal(t, "69.5", e.balance(t).String())

		var history []transactionResponse
		code = e.do(t, http.MethodGet, "/api/wallet/transactions", e.token, "", &history)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, history, 2)
		assert.Equal(t, string(models.TransactionPayment), history[0].Type, "most recent first")
		assert.Equal(t, string(models.TransactionDeposit), history[1].Type)

		code = e.do(t, http.MethodGet, "/api/wallet/transactions?type=DEPOSIT&limit=10", e.token, "", &history)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, history, 1)
	})

	t.Run("payment over balance", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodPost, "/api/wallet/payments", e.token,
			`{"charging_session_id": "cs-1", "amount": 10}`, nil)

		require.Equal(t, http.StatusPaymentRequired, code)
		require.True(t, e.balance(t).IsZero())
	})

	t.Run("payment validation", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodPost, "/api/wallet/payments", e.token, `{"amount": 10}`, nil)

		require.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("frozen wallet", func(t *testing.T) {
		e := newTestEnv(t)
		e.balance(t)
		require.NoError(t, e.storage.SetWalletStatus(e.userID, models.WalletFrozen))

		code := e.do(t, http.MethodPost, "/api/wallet/payments", e.token,
			`{"charging_session_id": "cs-1", "amount": 10}`, nil)

		require.Equal(t, http.StatusForbidden, code)
	})

	t.Run("payment for session made once", func(t *testing.T) {
		e := newTestEnv(t)
		e.topupCard(t, "100")

		var first, second transactionResponse
		code := e.do(t, http.MethodPost, "/api/wallet/payments", e.token, `{"charging_session_id": "cs-7", "amount": 30}`, &first)
		require.Equal(t, http.StatusCreated, code)
		code = e.do(t, http.MethodPost, "/api/wallet/payments", e.token, `{"charging_session_id": "cs-7", "amount": 30}`, &second)
		require.Equal(t, http.StatusCreated, code)

		assert.Equal(t, first.ID, second.ID, "repeated payment returns the recorded one")
		assert.Equal(t, "70", e.balance(t).String())

		code = e.do(t, http.MethodPost, "/api/wallet/payments", e.token, `{"charging_session_id": "cs-7", "amount": 45}`, nil)
		require.Equal(t, http.StatusUnprocessableEntity, code)
		assert.Equal(t, "70", e.balance(t).String())
	})

	t.Run("refund of charging session", func(t *testing.T) {
		e := newTestEnv(t)
		e.topupCard(t, "100")
		code := e.do(t, http.MethodPost, "/api/wallet/payments", e.token, `{"charging_session_id": "cs-8", "amount": 40}`, nil)
		require.Equal(t, http.StatusCreated, code)

		var tr transactionResponse
		code = e.do(t, http.MethodPost, "/api/wallet/refunds", e.token, `{"charging_session_id": "cs-8", "amount": "15.5"}`, &tr)

		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, string(models.TransactionRefund), tr.Type)
		assert.Equal(t, "15.5", tr.Amount.String())
		require.NotNil(t, tr.ChargingSessionID)
		assert.Equal(t, "cs-8", *tr.ChargingSessionID)
		assert.Equal(t, "75.5", e.balance(t).String())

		var history []transactionResponse
		code = e.do(t, http.MethodGet, "/api/wallet/transactions?type=REFUND", e.token, "", &history)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, history, 1)
	})

	t.Run("refund rejected", func(t *testing.T) {
		e := newTestEnv(t)
		e.topupCard(t, "100")
		code := e.do(t, http.MethodPost, "/api/wallet/payments", e.token, `{"charging_session_id": "cs-9", "amount": 40}`, nil)
		require.Equal(t, http.StatusCreated, code)
		_, otherToken := e.newUser(t)

		require.Equal(t, http.StatusUnprocessableEntity,
			e.do(t, http.MethodPost, "/api/wallet/refunds", e.token, `{"charging_session_id": "cs-9", "amount": 41}`, nil), "more than paid")
		require.Equal(t, http.StatusNotFound,
			e.do(t, http.MethodPost, "/api/wallet/refunds", e.token, `{"charging_session_id": "cs-unknown", "amount": 1}`, nil))
		require.Equal(t, http.StatusNotFound,
			e.do(t, http.MethodPost, "/api/wallet/refunds", otherToken, `{"charging_session_id": "cs-9", "amount": 1}`, nil), "session of other user")
		require.Equal(t, http.StatusBadRequest,
			e.do(t, http.MethodPost, "/api/wallet/refunds", e.token, `{"amount": 1}`, nil))
		assert.Equal(t, "60", e.balance(t).String())
	})

	t.Run("reconcile", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodGet, "/api/wallet/reconcile", e.token, "", nil)
		require.Equal(t, http.StatusNotFound, code, "no wallet yet")

		e.topupCard(t, "100")
		var resp reconcileResponse
		code = e.do(t, http.MethodGet, "/api/wallet/reconcile", e.token, "", &resp)
		require.Equal(t, http.StatusOK, code)
		assert.True(t, resp.Consistent)

		// Balance moved without a transaction row
		w, err := e.storage.Wallet().GetWallet(t.Context(), e.userID)
		require.NoError(t, err)
		_, _, err = e.storage.Wallet().ApplyDelta(t.Context(), w.ID, decimal.NewFromInt(5), false)
		require.NoError(t, err)

		resp = reconcileResponse{}
		code = e.do(t, http.MethodGet, "/api/wallet/reconcile", e.token, "", &resp)
		require.Equal(t, http.StatusConflict, code)
		assert.False(t, resp.Consistent)
		assert.NotEmpty(t, resp.Detail)
	})
}

func TestTopups(t *testing.T) {
	t.Run("credit card settled at once", func(t *testing.T) {
		e := newTestEnv(t)

		var order orderResponse
		code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
			`{"amount": "100", "description": "top up", "method": "CreditCard", "card_token": "tok_1"}`, &order)

		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, string(models.OrderCompleted), order.Status)
		assert.Equal(t, "D2025", order.ExternalOrderID)
		assert.Empty(t, order.PaymentURL)
		assert.Equal(t, "100", e.balance(t).String())
		require.NotNil(t, order.TransactionID)

		var got orderResponse
		code = e.do(t, http.MethodGet, "/api/wallet/topups/"+order.OrderID.String(), e.token, "", &got)
		require.Equal(t, http.StatusOK, code)
		require.NotNil(t, got.TransactionID)
		assert.Equal(t, *order.TransactionID, *got.TransactionID, "deposit of the order")
	})

	t.Run("currency in lower case", func(t *testing.T) {
		e := newTestEnv(t)

		var order orderResponse
		code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
			`{"amount": "100", "currency": "twd", "description": "top up", "method": "LinePay"}`, &order)

		require.Equal(t, http.StatusCreated, code)
		assert.Equal(t, "TWD", order.Currency)
	})

	t.Run("credit card without token", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
			`{"amount": "100", "description": "top up", "method": "CreditCard"}`, nil)

		require.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("request validation", func(t *testing.T) {
		e := newTestEnv(t)

		var resp struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
			`{"amount": "-5", "description": "", "method": "Cash"}`, &resp)

		require.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "validation_failed", resp.Error)
		assert.Contains(t, resp.Fields, "amount")
		assert.Contains(t, resp.Fields, "description")
		assert.Contains(t, resp.Fields, "method")
	})

	t.Run("other currency", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodPost, "/api/wallet/topups", e.token,
			`{"amount": "100", "currency": "USD", "description": "top up", "method": "LinePay"}`, nil)

		require.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("redirect payment", func(t *testing.T) {
		e := newTestEnv(t)

		order := e.topupLinePay(t, "250")

		assert.Equal(t, string(models.OrderPending), order.Status)
		assert.Equal(t, "https://pay.line.me/p/1", order.PaymentURL)

		var got orderResponse
		code := e.do(t, http.MethodGet, "/api/wallet/topups/"+order.OrderID.String(), e.token, "", &got)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, order.OrderID, got.OrderID)
		assert.Equal(t, string(models.OrderPending), got.Status)
		assert.Nil(t, got.TransactionID, "nothing deposited yet")
	})

	t.Run("order of other user", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		_, otherToken := e.newUser(t)

		code := e.do(t, http.MethodGet, "/api/wallet/topups/"+order.OrderID.String(), otherToken, "", nil)
		require.Equal(t, http.StatusNotFound, code)

		code = e.do(t, http.MethodGet, "/api/wallet/topups/not-an-id", e.token, "", nil)
		require.Equal(t, http.StatusNotFound, code)
	})
}

func TestCallbacks(t *testing.T) {
	t.Run("confirm redirect", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")

		var confirmed orderResponse
		code := e.do(t, http.MethodGet, confirmPath(models.MethodLinePay, order.OrderID, "250", "2025010100001"), "", "", &confirmed)

		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, string(models.OrderCompleted), confirmed.Status)
		assert.Equal(t, "250", e.balance(t).String())

		// Browser reloads the page
		code = e.do(t, http.MethodGet, confirmPath(models.MethodLinePay, order.OrderID, "250", "2025010100001"), "", "", &confirmed)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, string(models.OrderCompleted), confirmed.Status)
		assert.Equal(t, "250", e.balance(t).String(), "wallet is credited once")
		assert.Equal(t, 1, e.linePay.confirms)
	})

	t.Run("confirm with other amount", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")

		code := e.do(t, http.MethodGet, confirmPath(models.MethodLinePay, order.OrderID, "1", "2025010100001"), "", "", nil)

		require.Equal(t, http.StatusUnprocessableEntity, code)
		assert.True(t, e.balance(t).IsZero())
	})

	t.Run("confirm with broken query", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodGet, "/api/payments/LinePay/confirm?orderId=1&amount=x", "", "", nil)

		require.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("unknown method", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodGet, confirmPath("Cash", uuid.New(), "1", ""), "", "", nil)

		require.Equal(t, http.StatusNotFound, code)
	})

	t.Run("capture failure", func(t *testing.T) {
		e := newTestEnv(t)
		e.linePay.confirmErr = &provider.Error{Provider: "LinePay", Code: provider.CodeUnavailable}
		order := e.topupLinePay(t, "250")

		code := e.do(t, http.MethodGet, confirmPath(models.MethodLinePay, order.OrderID, "250", "2025010100001"), "", "", nil)

		require.Equal(t, http.StatusBadGateway, code)
		assert.True(t, e.balance(t).IsZero())
	})

	t.Run("cancel then confirm", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")

		var cancelled orderResponse
		code := e.do(t, http.MethodGet, "/api/payments/LinePay/cancel?orderId="+order.OrderID.String(), "", "", &cancelled)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, string(models.OrderCancelled), cancelled.Status)

		code = e.do(t, http.MethodGet, confirmPath(models.MethodLinePay, order.OrderID, "250", "2025010100001"), "", "", nil)
		require.Equal(t, http.StatusConflict, code)
		assert.True(t, e.balance(t).IsZero())
	})
}

func TestNotify(t *testing.T) {
	notify := func(t *testing.T, e *testEnv) (int, notifyResponse) {
		var resp notifyResponse
		code := e.do(t, http.MethodPost, "/api/payments/LinePay/notify", "", `{"signed": "body"}`, &resp)
		return code, resp
	}

	t.Run("applied once", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		e.linePay.notification = provider.Notification{
			EventID: "evt-1", OrderID: order.OrderID, ExternalID: "2025010100001",
			Amount: decimal.RequireFromString("250"), Status: provider.StatusPaid,
		}

		code, resp := notify(t, e)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "ok", resp.Status)
		require.NotNil(t, resp.Order)
		assert.Equal(t, string(models.OrderCompleted), resp.Order.Status)
		assert.Equal(t, 0, e.linePay.confirms, "paid payment is not captured again")

		code, resp = notify(t, e)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "duplicate", resp.Status)
		assert.Equal(t, "250", e.balance(t).String())
	})

	t.Run("authorized payment captured", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		e.linePay.notification = provider.Notification{
			EventID: "evt-1", OrderID: order.OrderID, ExternalID: "2025010100001",
			Amount: decimal.RequireFromString("250"), Status: provider.StatusAuthorized,
		}

		code, _ := notify(t, e)

		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, 1, e.linePay.confirms)
		assert.Equal(t, "250", e.balance(t).String())
	})

	t.Run("failed payment", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		e.linePay.notification = provider.Notification{EventID: "evt-1", OrderID: order.OrderID, Status: provider.StatusFailed}

		code, resp := notify(t, e)

		require.Equal(t, http.StatusOK, code)
		require.NotNil(t, resp.Order)
		assert.Equal(t, string(models.OrderFailed), resp.Order.Status)
	})

	t.Run("paid after cancel acknowledged", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		code := e.do(t, http.MethodGet, "/api/payments/LinePay/cancel?orderId="+order.OrderID.String(), "", "", nil)
		require.Equal(t, http.StatusOK, code)
		e.linePay.notification = provider.Notification{
			EventID: "evt-1", OrderID: order.OrderID, Amount: decimal.RequireFromString("250"), Status: provider.StatusPaid,
		}

		code, resp := notify(t, e)

		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "ignored", resp.Status)
		assert.True(t, e.balance(t).IsZero())
	})

	t.Run("retried after provider failure", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		e.linePay.confirmErr = &provider.Error{Provider: "LinePay", Code: provider.CodeUnavailable}
		e.linePay.notification = provider.Notification{
			EventID: "evt-1", OrderID: order.OrderID, ExternalID: "2025010100001",
			Amount: decimal.RequireFromString("250"), Status: provider.StatusAuthorized,
		}

		code, _ := notify(t, e)
		require.Equal(t, http.StatusBadGateway, code)

		e.linePay.confirmErr = nil
		code, resp := notify(t, e)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "ok", resp.Status, "redelivery is not a duplicate")
		assert.Equal(t, "250", e.balance(t).String())
	})

	t.Run("matched by transaction id", func(t *testing.T) {
		e := newTestEnv(t)
		order := e.topupLinePay(t, "250")
		e.linePay.notification = provider.Notification{
			EventID: "evt-1", ExternalID: "2025010100001",
			Amount: decimal.RequireFromString("250"), Status: provider.StatusPaid,
		}

		code, resp := notify(t, e)

		require.Equal(t, http.StatusOK, code)
		require.NotNil(t, resp.Order)
		assert.Equal(t, order.OrderID, resp.Order.OrderID)
		assert.Equal(t, string(models.OrderCompleted), resp.Order.Status)
		assert.Equal(t, "250", e.balance(t).String())
	})

	t.Run("unknown transaction id", func(t *testing.T) {
		e := newTestEnv(t)
		e.topupLinePay(t, "250")
		e.linePay.notification = provider.Notification{
			EventID: "evt-1", ExternalID: "no-such-transaction",
			Amount: decimal.RequireFromString("250"), Status: provider.StatusPaid,
		}

		code, _ := notify(t, e)

		require.Equal(t, http.StatusNotFound, code)
		assert.True(t, e.balance(t).IsZero())
	})

	t.Run("bad signature", func(t *testing.T) {
		e := newTestEnv(t)
		e.linePay.notificationErr = apperrors.ErrUnauthorized

		code, _ := notify(t, e)

		require.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("method without adapter", func(t *testing.T) {
		e := newTestEnv(t)

		code := e.do(t, http.MethodPost, "/api/payments/EasyCard/notify", "", `{}`, nil)

		require.Equal(t, http.StatusNotFound, code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	order := e.topupLinePay(t, "250")
	code := e.do(t, http.MethodGet, confirmPath(models.MethodLinePay, order.OrderID, "250", "2025010100001"), "", "", nil)
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `evpay_callbacks_total{kind="confirm",method="LinePay",result="ok"} 1`)
	assert.Contains(t, body.String(), `evpay_ledger_transactions_total{type="DEPOSIT"} 1`)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.ErrUnauthorized, http.StatusUnauthorized},
		{apperrors.ErrAmountMismatch, http.StatusUnprocessableEntity},
		{apperrors.ErrUnsupportedOperation, http.StatusUnprocessableEntity},
		{apperrors.ErrOrderNotFound, http.StatusNotFound},
		{apperrors.ErrOrderTerminal, http.StatusConflict},
		{apperrors.ErrBalanceInsufficient, http.StatusPaymentRequired},
		{apperrors.ErrWalletInactive, http.StatusForbidden},
		{&provider.Error{Provider: "EasyCard", Code: provider.CodeRejected}, http.StatusBadGateway},
		{apperrors.ErrLedgerConflict, http.StatusServiceUnavailable},
		{apperrors.ErrLedgerCorrupted, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			require.Equal(t, tc.want, statusOf(tc.err))
		})
	}
}
