package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "CreditCard"
	MethodLinePay    PaymentMethod = "LinePay"
	MethodEasyCard   PaymentMethod = "EasyCard"
)

// Known payment methods, the set is closed
var PaymentMethods = []PaymentMethod{MethodCreditCard, MethodLinePay, MethodEasyCard}

// ParsePaymentMethod accepts method names case-sensitively as they appear in the API
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	for _, m := range PaymentMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

type OrderStatus string

const (
	OrderUnpaid    OrderStatus = "UNPAID"
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderUnpaid, OrderPending, OrderCompleted, OrderFailed, OrderCancelled:
		return true
	default:
		return false
	}
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderFailed, OrderCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the status may move to next.
// Statuses only move forward: UNPAID -> PENDING -> terminal, and nothing leaves a terminal status.
// UNPAID -> UNPAID is allowed, it records provider messages and trade ids of a payment that did not start.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderUnpaid:
		return next.Valid()
	case OrderPending:
		return next.IsTerminal()
	default:
		return false
	}
}

type PaymentOrder struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Method      PaymentMethod
	Status      OrderStatus
	ExternalID  *string // provider order or transaction id, nil until the provider assigns it
	Description string
	Message     string // last message reported by the provider
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (o PaymentOrder) ExternalIDOrEmpty() string {
	if o.ExternalID == nil {
		return ""
	}
	return *o.ExternalID
}
