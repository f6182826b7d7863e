// Package events carries payment lifecycle events to external observers (audit log, metrics, message bus).
// Publishing happens after the state change is committed and never fails the operation that caused it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/models"
)

type Type string

const (
	OrderCreated   Type = "order.created"
	OrderCompleted Type = "order.completed"
	OrderFailed    Type = "order.failed"
	OrderCancelled Type = "order.cancelled"
	LedgerApplied  Type = "ledger.applied"
)

type Event struct {
	ID   string    `json:"id"` // ULID, sortable by time
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	UserID   uuid.UUID       `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`

	OrderID    *uuid.UUID           `json:"order_id,omitempty"`
	Method     models.PaymentMethod `json:"method,omitempty"`
	Status     models.OrderStatus   `json:"status,omitempty"`
	ExternalID string               `json:"external_id,omitempty"`
	Message    string               `json:"message,omitempty"`

	TransactionID   *uuid.UUID             `json:"transaction_id,omitempty"`
	TransactionType models.TransactionType `json:"transaction_type,omitempty"`
	BalanceAfter    *decimal.Decimal       `json:"balance_after,omitempty"`
}

// Key groups events of one order (or one wallet for ledger events without order)
func (e Event) Key() string {
	if e.OrderID != nil {
		return e.OrderID.String()
	}
	return e.UserID.String()
}

// OrderEvent describes the order as it is now
func OrderEvent(t Type, o models.PaymentOrder) Event {
	id := o.ID
	return Event{
		ID:         ulid.Make().String(),
		Type:       t,
		At:         time.Now().UTC(),
		UserID:     o.UserID,
		Amount:     o.Amount,
		Currency:   o.Currency,
		OrderID:    &id,
		Method:     o.Method,
		Status:     o.Status,
		ExternalID: o.ExternalIDOrEmpty(),
		Message:    o.Message,
	}
}

func LedgerEvent(tr models.Transaction, currency string) Event {
	id := tr.ID
	after := tr.BalanceAfter
	return Event{
		ID:              ulid.Make().String(),
		Type:            LedgerApplied,
		At:              time.Now().UTC(),
		UserID:          tr.UserID,
		Amount:          tr.Amount,
		Currency:        currency,
		OrderID:         tr.PaymentOrderID,
		TransactionID:   &id,
		TransactionType: tr.Type,
		BalanceAfter:    &after,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes every event to all publishers in order
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, e Event)

func (f PublisherFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events
var Nop Publisher = PublisherFunc(func(context.Context, Event) {})

// LogPublisher writes events as structured log records
type LogPublisher struct {
	L logger.Logger
}

func (p *LogPublisher) Publish(_ context.Context, e Event) {
	args := []any{
		"event_id", e.ID,
		"user_id", e.UserID,
		"amount", e.Amount.String(),
	}
	if e.OrderID != nil {
		args = append(args, "order_id", e.OrderID, "method", e.Method, "status", e.Status)
	}
	if e.TransactionID != nil {
		args = append(args, "transaction_id", e.TransactionID, "transaction_type", e.TransactionType)
	}

	p.L.Info(string(e.Type), args...)
}
