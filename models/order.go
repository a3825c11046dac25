package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusVoided   OrderStatus = "voided"
	OrderStatusRefunded OrderStatus = "refunded"
)

// IsTerminal reports whether no further status transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusVoided || s == OrderStatusRefunded
}

type Order struct {
	ID            int             `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	LaneID        int             `json:"lane_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        OrderStatus     `json:"status"`
	CreatedBy     string          `json:"created_by"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type CreateOrderRequest struct {
	Amount    string `json:"amount" binding:"required"`
	LaneID    int    `json:"lane_id" binding:"required,gte=1,lte=99"`
	CreatedBy string `json:"created_by"`
	Notes     string `json:"notes"`
}

// FormatInvoiceNumber builds the POS invoice number used as the join key
// between local orders and gateway-reported transactions:
// LANE{2-digit lane}-{YYYYMMDD}-{6-digit daily sequence per lane}.
func FormatInvoiceNumber(laneID int, day time.Time, seq int) string {
	return fmt.Sprintf("LANE%02d-%s-%06d", laneID, day.Format("20060102"), seq)
}
