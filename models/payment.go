package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusCaptured   PaymentStatus = "captured"
	PaymentStatusVoided     PaymentStatus = "voided"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusVoided || s == PaymentStatusRefunded
}

// Payment records one observed gateway transaction for an order.
// TransactionID is unique per provider and acts as the idempotency key:
// the same transaction seen through a direct channel response and again
// through reconciliation must resolve to a single row.
type Payment struct {
	ID             int             `json:"id"`
	OrderID        int             `json:"order_id"`
	Provider       string          `json:"provider"`
	TransactionID  string          `json:"transaction_id"`
	AuthCode       string          `json:"auth_code"`
	Status         PaymentStatus   `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	RawResponse    string          `json:"raw_response,omitempty"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RawResponseFields is the safe subset of a gateway response persisted in
// Payment.RawResponse. Card data never reaches this layer; the terminal SDK
// only hands us an opaque token, and even that is not stored.
type RawResponseFields struct {
	ResponseCode string `json:"response_code,omitempty"`
	AuthCode     string `json:"auth_code,omitempty"`
	Message      string `json:"message,omitempty"`
	AccountType  string `json:"account_type,omitempty"`
	AccountLast4 string `json:"account_last4,omitempty"`
}
