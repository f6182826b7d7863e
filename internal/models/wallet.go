package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	WalletActive = "ACTIVE"
	WalletFrozen = "FROZEN"
)

type Wallet struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Balance        decimal.Decimal
	InitialBalance decimal.Decimal
	Currency       string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionPayment    TransactionType = "PAYMENT"
	TransactionRefund     TransactionType = "REFUND"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// IsDebit is true for types that take money out of the wallet and must not overdraw it
func (t TransactionType) IsDebit() bool {
	return t == TransactionWithdrawal || t == TransactionPayment
}

// IsCredit is true for types that always put money into the wallet
func (t TransactionType) IsCredit() bool {
	return t == TransactionDeposit || t == TransactionRefund
}

func (t TransactionType) Valid() bool {
	return t.IsCredit() || t.IsDebit() || t == TransactionAdjustment
}

const TransactionCompleted = "COMPLETED"

type Transaction struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	WalletID          uuid.UUID
	Type              TransactionType
	Amount            decimal.Decimal // always non-negative, direction comes from Type
	BalanceBefore     decimal.Decimal
	BalanceAfter      decimal.Decimal
	PaymentOrderID    *uuid.UUID
	ChargingSessionID *string
	Status            string
	Description       string
	CreatedAt         time.Time
}

// Signed returns the amount with the sign it applies to the balance.
// Adjustments may go either way, their direction is recorded by the balance pair.
func (t Transaction) Signed() decimal.Decimal {
	switch {
	case t.Type.IsCredit():
		return t.Amount
	case t.Type.IsDebit():
		return t.Amount.Neg()
	case t.BalanceAfter.LessThan(t.BalanceBefore):
		return t.Amount.Neg()
	default:
		return t.Amount
	}
}
