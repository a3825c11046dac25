package payments

import (
	"context"
	"errors"
	"fmt"

	"settlement-svc/gateway"
	"settlement-svc/kafka"
	"settlement-svc/models"
	"settlement-svc/store"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Domain precondition errors, distinct from transport failures: the gateway
// was never called when one of these comes back.
var (
	ErrPaymentSettled       = errors.New("payment already settled, void not permitted, use refund")
	ErrPaymentNotSettled    = errors.New("payment not settled yet, refund not permitted, use void")
	ErrPaymentFinalized     = errors.New("payment already voided or refunded")
	ErrRefundExceedsSettled = errors.New("refund amount exceeds remaining settled amount")
)

// GatewayAPI is the slice of the gateway client this service needs.
type GatewayAPI interface {
	Void(ctx context.Context, transactionID string) (*gateway.ChargeResult, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal, accountLast4 string) (*gateway.ChargeResult, error)
	GetTransactionDetails(ctx context.Context, transactionID string) (*gateway.TransactionDetails, error)
}

// Service authorizes and executes voids and refunds against the gateway,
// gated on the gateway-reported settlement state.
type Service struct {
	store    *store.Store
	gw       GatewayAPI
	producer sarama.SyncProducer
	provider string
	topic    string
	logger   *zap.Logger
}

func NewService(st *store.Store, gw GatewayAPI, producer sarama.SyncProducer, provider, topic string, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		gw:       gw,
		producer: producer,
		provider: provider,
		topic:    topic,
		logger:   logger,
	}
}

// Void cancels an unsettled payment. A settled payment is rejected with
// ErrPaymentSettled before any gateway call is made.
func (s *Service) Void(ctx context.Context, transactionID string) (*models.Payment, error) {
	p, err := s.store.GetPaymentByTransactionID(ctx, s.provider, transactionID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, ErrPaymentFinalized
	}

	settled, err := s.isSettled(ctx, p)
	if err != nil {
		return nil, err
	}
	if settled {
		return nil, ErrPaymentSettled
	}

	res, err := s.gw.Void(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("gateway void failed: %w", err)
	}
	if res.Code != gateway.CodeApproved {
		return nil, fmt.Errorf("gateway declined void: %s (%s)", res.Message, res.MessageCode)
	}

	if err := s.store.UpdatePaymentStatus(ctx, p.ID, models.PaymentStatusVoided); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrderStatus(ctx, p.OrderID, models.OrderStatusVoided,
		models.OrderStatusOpen, models.OrderStatusPaid); err != nil {
		s.logger.Error("Payment voided but order transition failed",
			zap.Int("order_id", p.OrderID), zap.Error(err))
	}
	p.Status = models.PaymentStatusVoided

	s.publish(ctx, models.EventPaymentVoided, p)
	s.logger.Info("Payment voided",
		zap.String("transaction_id", transactionID),
		zap.Int("order_id", p.OrderID),
	)
	return p, nil
}

// Refund returns money on a settled payment. Amount zero means the full
// remaining settled amount; a partial refund must not exceed the remainder.
// An unsettled payment is rejected with ErrPaymentNotSettled.
func (s *Service) Refund(ctx context.Context, transactionID string, amount decimal.Decimal, accountLast4 string) (*models.Payment, error) {
	p, err := s.store.GetPaymentByTransactionID(ctx, s.provider, transactionID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PaymentStatusVoided {
		return nil, ErrPaymentFinalized
	}

	settled, err := s.isSettled(ctx, p)
	if err != nil {
		return nil, err
	}
	if !settled {
		return nil, ErrPaymentNotSettled
	}

	remaining := p.Amount.Sub(p.RefundedAmount)
	if amount.IsZero() {
		amount = remaining
	}
	if amount.LessThanOrEqual(decimal.Zero) || amount.GreaterThan(remaining) {
		return nil, ErrRefundExceedsSettled
	}

	res, err := s.gw.Refund(ctx, transactionID, amount, accountLast4)
	if err != nil {
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}
	if res.Code != gateway.CodeApproved {
		return nil, fmt.Errorf("gateway declined refund: %s (%s)", res.Message, res.MessageCode)
	}

	if err := s.store.AddRefund(ctx, p.ID, amount); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrderStatus(ctx, p.OrderID, models.OrderStatusRefunded,
		models.OrderStatusPaid); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		s.logger.Error("Payment refunded but order transition failed",
			zap.Int("order_id", p.OrderID), zap.Error(err))
	}
	p.Status = models.PaymentStatusRefunded
	p.RefundedAmount = p.RefundedAmount.Add(amount)

	s.publish(ctx, models.EventPaymentRefunded, p)
	s.logger.Info("Payment refunded",
		zap.String("transaction_id", transactionID),
		zap.String("amount", amount.StringFixed(2)),
		zap.Int("order_id", p.OrderID),
	)
	return p, nil
}

// Actions reports what the UI may offer for a payment right now.
func Actions(p *models.Payment) (canVoid, canRefund bool) {
	if p == nil || p.Status.IsTerminal() {
		if p != nil && p.Status == models.PaymentStatusRefunded {
			// Partial refunds can continue until the settled amount is gone.
			return false, p.Amount.Sub(p.RefundedAmount).GreaterThan(decimal.Zero)
		}
		return false, false
	}
	if p.SettledAt != nil || p.Status == models.PaymentStatusCaptured {
		return false, true
	}
	return true, false
}

// isSettled consults the gateway first and falls back to local state when the
// gateway cannot answer. Settlement is gateway truth; local settled_at can
// lag by one reconciliation cycle.
func (s *Service) isSettled(ctx context.Context, p *models.Payment) (bool, error) {
	details, err := s.gw.GetTransactionDetails(ctx, p.TransactionID)
	if err != nil {
		s.logger.Warn("Gateway transaction lookup failed, using local settlement state",
			zap.String("transaction_id", p.TransactionID), zap.Error(err))
		return p.SettledAt != nil || p.Status == models.PaymentStatusCaptured, nil
	}
	return gateway.IsSettled(details.Status), nil
}

func (s *Service) publish(ctx context.Context, eventType models.EventType, p *models.Payment) {
	order, err := s.store.GetOrder(ctx, p.OrderID)
	invoiceNumber := ""
	if err == nil {
		invoiceNumber = order.InvoiceNumber
	}
	if err := kafka.PublishSettlementEvent(ctx, s.producer, s.topic, models.SettlementEvent{
		EventType:     eventType,
		OrderID:       p.OrderID,
		InvoiceNumber: invoiceNumber,
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Provider:      p.Provider,
		Amount:        p.Amount.StringFixed(2),
		Status:        string(p.Status),
		Source:        "payments",
	}, s.logger); err != nil {
		s.logger.Error("Failed to publish payment event", zap.Error(err))
	}
}
