package payment

import (
	"context"
	"errors"
	"fmt"

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

type ConfirmInput struct {
	OrderID    uuid.UUID
	Method     models.PaymentMethod // checked against the order if set
	ExternalID string               // provider transaction id, if the callback carries one
	Amount     decimal.Decimal
}

// Processor applies provider outcomes to orders. Each call locks the order row,
// so redelivered and concurrent callbacks for one order are applied one after another.
// Terminal orders are never changed: the stored outcome is returned instead.
type Processor struct {
	storage   repository.Storage
	ledger    *ledger.Ledger
	adapters  provider.Registry
	publisher events.Publisher
	l         logger.Logger
}

func NewProcessor(storage repository.Storage, l *ledger.Ledger, adapters provider.Registry, publisher events.Publisher, log logger.Logger) *Processor {
	if publisher == nil {
		publisher = events.Nop
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Processor{
		storage:   storage,
		ledger:    l,
		adapters:  adapters,
		publisher: publisher,
		l:         log,
	}
}

// Confirm captures the payment at the provider, credits the wallet and completes the order.
// Confirm of a completed order returns it unchanged. Confirm of a cancelled or failed order is apperrors.ErrOrderTerminal.
func (p *Processor) Confirm(ctx context.Context, in ConfirmInput) (OrderResult, error) {
	return p.complete(ctx, in, true)
}

// Complete is Confirm for payments the provider reports as captured already: no capture call is made.
// Only for outcomes the provider itself reported (status checks, signed notifications), never for browser redirects.
func (p *Processor) Complete(ctx context.Context, in ConfirmInput) (OrderResult, error) {
	return p.complete(ctx, in, false)
}

func (p *Processor) complete(ctx context.Context, in ConfirmInput, capture bool) (OrderResult, error) {
	var (
		order    models.PaymentOrder
		tr       models.Transaction
		terminal bool
	)

	err := p.storage.InTx(ctx, func(s repository.Storage) error {
		var err error
		terminal = false

		order, err = s.Order().GetOrderForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}

		if in.Method != "" && in.Method != order.Method {
			return apperrors.Validation("order %s is not a %s payment", order.ID, in.Method)
		}

		switch order.Status {
		case models.OrderCompleted:
			terminal = true
			tr, err = s.Wallet().GetDepositByOrder(ctx, order.ID)
			return err
		case models.OrderFailed, models.OrderCancelled:
			terminal = true
			return apperrors.ErrOrderTerminal
		}

		if !in.Amount.Equal(order.Amount) {
			return fmt.Errorf("%w: got %s, order has %s", apperrors.ErrAmountMismatch, in.Amount, order.Amount)
		}
		if in.ExternalID != "" && order.ExternalID != nil && *order.ExternalID != in.ExternalID {
			return fmt.Errorf("%w: got %q, order has %q", apperrors.ErrExternalIDMismatch, in.ExternalID, *order.ExternalID)
		}

		updated := order
		if in.ExternalID != "" {
			updated.ExternalID = &in.ExternalID
		}

		if capture {
			adapter, err := p.adapters.Get(order.Method)
			if err != nil {
				return err
			}
			res, err := adapter.Confirm(ctx, order, in.ExternalID)
			if err != nil {
				return providerError(err)
			}
			if res.ExternalID != "" {
				updated.ExternalID = &res.ExternalID
			}
			updated.Message = res.Message
		}

		tr, err = p.ledger.In(s).ApplyDelta(ctx, depositRequest(order))
		if err != nil {
			return err
		}

		updated.Status = models.OrderCompleted
		saved, err := s.Order().UpdateOrder(ctx, updated)
		if err != nil {
			return err
		}
		order = saved
		return nil
	})

	result := resultOf(order)
	result.TransactionID = tr.ID

	l := p.l.With("order_id", in.OrderID)
	switch {
	case terminal:
		l.Info("Confirm of terminal order ignored", "status", order.Status)
		return result, err
	case err != nil:
		l.Warn("Confirm rejected, order left as is", "error", err)
		return resultOf(order), err
	}

	l.Info("Payment order completed", "external_id", order.ExternalIDOrEmpty(), "transaction_id", tr.ID)
	p.publisher.Publish(ctx, events.OrderEvent(events.OrderCompleted, order))
	p.publisher.Publish(ctx, events.LedgerEvent(tr, order.Currency))

	return result, nil
}

// OrderIDByExternalID finds the order a provider transaction id belongs to
func (p *Processor) OrderIDByExternalID(ctx context.Context, method models.PaymentMethod, externalID string) (uuid.UUID, error) {
	if externalID == "" {
		return uuid.Nil, apperrors.Validation("provider transaction id is required")
	}
	order, err := p.storage.Order().GetOrderByExternalID(ctx, method, externalID)
	if err != nil {
		return uuid.Nil, err
	}
	return order.ID, nil
}

// Cancel aborts a not finished payment: the provider payment is voided and the order becomes CANCELLED.
// The wallet is not touched. For a terminal order the stored outcome is returned.
func (p *Processor) Cancel(ctx context.Context, orderID uuid.UUID) (OrderResult, error) {
	return p.abort(ctx, orderID, models.OrderCancelled, "cancelled by user", true)
}

// Fail marks a not finished order FAILED, reason becomes the order message
func (p *Processor) Fail(ctx context.Context, orderID uuid.UUID, reason string) (OrderResult, error) {
	return p.abort(ctx, orderID, models.OrderFailed, reason, false)
}

func (p *Processor) abort(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, message string, void bool) (OrderResult, error) {
	var (
		order    models.PaymentOrder
		terminal bool
	)

	err := p.storage.InTx(ctx, func(s repository.Storage) error {
		var err error
		terminal = false

		order, err = s.Order().GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			terminal = true
			return nil
		}

		if void {
			adapter, err := p.adapters.Get(order.Method)
			if err != nil {
				return err
			}
			err = adapter.Cancel(ctx, order)
			switch {
			case errors.Is(err, apperrors.ErrUnsupportedOperation):
				return err
			case err != nil:
				return providerError(err)
			}
		}

		updated := order
		updated.Status = status
		updated.Message = message
		saved, err := s.Order().UpdateOrder(ctx, updated)
		if err != nil {
			return err
		}
		order = saved
		return nil
	})

	l := p.l.With("order_id", orderID)
	switch {
	case err != nil:
		l.Warn("Order abort rejected", "status", status, "error", err)
		return resultOf(order), err
	case terminal:
		l.Info("Abort of terminal order ignored", "status", order.Status)
		return resultOf(order), nil
	}

	eventType := events.OrderFailed
	if status == models.OrderCancelled {
		eventType = events.OrderCancelled
	}
	l.Info("Payment order aborted", "status", status, "message", message)
	p.publisher.Publish(ctx, events.OrderEvent(eventType, order))

	return resultOf(order), nil
}
