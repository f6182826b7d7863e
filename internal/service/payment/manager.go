// Package payment drives payment orders through their lifecycle:
// Manager creates orders and starts payments, Processor applies provider outcomes to them.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/apperrors"
	"github.com/nkiryanov/evpay/internal/events"
	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
	"github.com/nkiryanov/evpay/internal/repository"
	"github.com/nkiryanov/evpay/internal/service/ledger"
	"github.com/nkiryanov/evpay/internal/service/provider"
)

type CreateOrderInput struct {
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Currency    string // ledger currency if empty, case insensitive
	Description string
	Method      models.PaymentMethod
	Metadata    map[string]string
}

type OrderResult struct {
	OrderID         uuid.UUID
	ExternalOrderID string
	Status          models.OrderStatus
	Amount          decimal.Decimal
	Currency        string
	PaymentURL      string // only for redirect payments right after creation
	Message         string
	TransactionID   uuid.UUID // deposit of a completed order
}

func resultOf(o models.PaymentOrder) OrderResult {
	return OrderResult{
		OrderID:         o.ID,
		ExternalOrderID: o.ExternalIDOrEmpty(),
		Status:          o.Status,
		Amount:          o.Amount,
		Currency:        o.Currency,
		Message:         o.Message,
	}
}

type Manager struct {
	storage   repository.Storage
	ledger    *ledger.Ledger
	adapters  provider.Registry
	publisher events.Publisher
	l         logger.Logger
}

func NewManager(storage repository.Storage, l *ledger.Ledger, adapters provider.Registry, publisher events.Publisher, log logger.Logger) *Manager {
	if publisher == nil {
		publisher = events.Nop
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Manager{
		storage:   storage,
		ledger:    l,
		adapters:  adapters,
		publisher: publisher,
		l:         log,
	}
}

func (m *Manager) validate(in CreateOrderInput) error {
	switch {
	case in.UserID == uuid.Nil:
		return apperrors.Validation("user id is required")
	case !in.Amount.IsPositive():
		return apperrors.Validation("amount must be positive")
	case in.Description == "":
		return apperrors.Validation("description is required")
	case in.Currency != strings.ToUpper(m.ledger.Currency()):
		return apperrors.Validation("currency %q is not supported, wallet currency is %s", in.Currency, m.ledger.Currency())
	}
	return nil
}

// CreateOrder registers a top-up and starts its payment.
// Synchronous methods come back in a terminal state with the ledger already updated,
// redirect methods come back PENDING with the url the user has to visit.
func (m *Manager) CreateOrder(ctx context.Context, in CreateOrderInput) (OrderResult, error) {
	if in.Currency == "" {
		in.Currency = m.ledger.Currency()
	}
	in.Currency = strings.ToUpper(in.Currency)
	if err := m.validate(in); err != nil {
		return OrderResult{}, err
	}

	adapter, err := m.adapters.Get(in.Method)
	if err != nil {
		return OrderResult{}, err
	}

	req := provider.InitiateRequest{
		OrderID:     uuid.New(),
		UserID:      in.UserID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Metadata:    in.Metadata,
	}
	if err := adapter.Validate(req); err != nil {
		return OrderResult{}, err
	}

	order, err := m.storage.Order().CreateOrder(ctx, models.PaymentOrder{
		ID:          req.OrderID,
		UserID:      in.UserID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Method:      in.Method,
		Status:      models.OrderUnpaid,
		Description: in.Description,
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("failed to create order: %w", err)
	}
	m.publisher.Publish(ctx, events.OrderEvent(events.OrderCreated, order))

	l := m.l.With("order_id", order.ID, "method", order.Method)
	l.Info("Payment order created", "user_id", order.UserID, "amount", order.Amount.String())

	res, err := adapter.Initiate(ctx, req)
	if adapter.Synchronous() {
		return m.settle(ctx, l, order, res, err)
	}
	return m.redirect(ctx, l, order, res, err)
}

// Synchronous payment is final: charged means COMPLETED with deposit, anything else means FAILED
func (m *Manager) settle(ctx context.Context, l logger.Logger, order models.PaymentOrder, res provider.InitiateResult, chargeErr error) (OrderResult, error) {
	if res.ExternalID != "" {
		order.ExternalID = &res.ExternalID
	}
	order.Message = res.Message

	if chargeErr != nil {
		l.Warn("Charge failed", "error", chargeErr)
		if order.Message == "" {
			order.Message = chargeErr.Error()
		}
		order.Status = models.OrderFailed

		order, err := m.storage.Order().UpdateOrder(ctx, order)
		if err != nil {
			return resultOf(order), fmt.Errorf("failed to save failed order: %w", err)
		}
		m.publisher.Publish(ctx, events.OrderEvent(events.OrderFailed, order))

		// Decline is a regular outcome, anything else is reported as a provider error
		if errors.Is(chargeErr, apperrors.ErrProviderDeclined) {
			return resultOf(order), nil
		}
		return resultOf(order), providerError(chargeErr)
	}

	var tr models.Transaction
	completed := order
	completed.Status = models.OrderCompleted

	err := m.storage.InTx(ctx, func(s repository.Storage) error {
		var err error
		tr, err = m.ledger.In(s).ApplyDelta(ctx, depositRequest(order))
		if err != nil {
			return err
		}

		updated, err := s.Order().UpdateOrder(ctx, completed)
		if err != nil {
			return err
		}
		completed = updated
		return nil
	})
	if err != nil {
		// Card is charged but the wallet is not credited: keep the order open with the trade id so reconciler can finish it
		l.Error("Charged order not settled", "external_id", order.ExternalIDOrEmpty(), "error", err)
		if _, saveErr := m.storage.Order().UpdateOrder(ctx, order); saveErr != nil {
			l.Error("Failed to save trade id of charged order", "error", saveErr)
		}
		return resultOf(order), err
	}

	l.Info("Payment order completed", "external_id", completed.ExternalIDOrEmpty())
	m.publisher.Publish(ctx, events.OrderEvent(events.OrderCompleted, completed))
	m.publisher.Publish(ctx, events.LedgerEvent(tr, completed.Currency))

	result := resultOf(completed)
	result.TransactionID = tr.ID
	return result, nil
}

// Redirect payment waits for the user: PENDING with the provider transaction id.
// If the provider did not accept the payment the order stays UNPAID, user may cancel it or create a new one.
func (m *Manager) redirect(ctx context.Context, l logger.Logger, order models.PaymentOrder, res provider.InitiateResult, initErr error) (OrderResult, error) {
	if initErr != nil {
		l.Warn("Payment request failed, order stays unpaid", "error", initErr)
		order.Message = res.Message
		if order.Message == "" {
			order.Message = initErr.Error()
		}
		saved, err := m.storage.Order().UpdateOrder(ctx, order)
		if err != nil {
			l.Error("Failed to save message of unpaid order", "error", err)
		} else {
			order = saved
		}
		return resultOf(order), providerError(initErr)
	}

	order.Status = models.OrderPending
	order.ExternalID = &res.ExternalID
	order.Message = res.Message

	order, err := m.storage.Order().UpdateOrder(ctx, order)
	if err != nil {
		return resultOf(order), fmt.Errorf("failed to save pending order: %w", err)
	}

	l.Info("Payment order pending", "external_id", res.ExternalID)
	result := resultOf(order)
	result.PaymentURL = res.PaymentURL

	return result, nil
}

// GetOrder returns the order if it belongs to the user
func (m *Manager) GetOrder(ctx context.Context, userID uuid.UUID, orderID uuid.UUID) (OrderResult, error) {
	order, err := m.storage.Order().GetOrder(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	if order.UserID != userID {
		return OrderResult{}, apperrors.ErrOrderNotFound
	}

	result := resultOf(order)
	if order.Status == models.OrderCompleted {
		tr, err := m.storage.Wallet().GetDepositByOrder(ctx, order.ID)
		if err != nil {
			return OrderResult{}, fmt.Errorf("failed to get deposit of order %s: %w", order.ID, err)
		}
		result.TransactionID = tr.ID
	}
	return result, nil
}

func depositRequest(order models.PaymentOrder) ledger.ApplyRequest {
	id := order.ID
	return ledger.ApplyRequest{
		UserID:         order.UserID,
		Amount:         order.Amount,
		Type:           models.TransactionDeposit,
		PaymentOrderID: &id,
		Description:    fmt.Sprintf("Top-up via %s", order.Method),
	}
}

func providerError(err error) error {
	if errors.Is(err, apperrors.ErrProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrProvider, err)
}
