package models

type EventType string

const (
	EventOrderPaid       EventType = "order_paid"
	EventPaymentCaptured EventType = "payment_captured"
	EventPaymentVoided   EventType = "payment_voided"
	EventPaymentRefunded EventType = "payment_refunded"
)

type SettlementEvent struct {
	EventType     EventType `json:"event_type"`
	OrderID       int       `json:"order_id"`
	InvoiceNumber string    `json:"invoice_number"`
	PaymentID     int       `json:"payment_id"`
	TransactionID string    `json:"transaction_id"`
	Provider      string    `json:"provider"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	Source        string    `json:"source"` // terminal channel name or "reconciliation"
}
