package reconcile

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"settlement-svc/gateway"
	"settlement-svc/kafka"
	"settlement-svc/models"
	"settlement-svc/store"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reporter is the slice of the gateway client reconciliation needs.
type Reporter interface {
	ListSettledBatchTransactions(ctx context.Context) ([]gateway.TransactionDetails, error)
	ListRecentTransactions(ctx context.Context, since time.Time) ([]gateway.TransactionDetails, error)
}

// OrderStore is the slice of the store reconciliation needs.
type OrderStore interface {
	GetOpenOrderByInvoice(ctx context.Context, invoiceNumber string) (*models.Order, error)
	GetPaymentByTransactionID(ctx context.Context, provider, transactionID string) (*models.Payment, error)
	AttachPayment(ctx context.Context, order *models.Order, p *models.Payment) error
	RecordSettlement(ctx context.Context, id int, settledAt time.Time) error
}

type Config struct {
	Interval        time.Duration
	MatchWindow     time.Duration
	AmountTolerance decimal.Decimal
	Lookback        time.Duration
	Provider        string
	Topic           string
}

func ConfigFromEnv() Config {
	return Config{
		Interval:        getEnvDuration("RECONCILE_INTERVAL", 60*time.Second),
		MatchWindow:     time.Duration(getEnvInt("RECONCILE_MATCH_WINDOW_MINUTES", 15)) * time.Minute,
		AmountTolerance: getEnvDecimal("RECONCILE_AMOUNT_TOLERANCE", "0.01"),
		Lookback:        time.Duration(getEnvInt("RECONCILE_LOOKBACK_MINUTES", 15)) * time.Minute,
		Provider:        getEnv("GATEWAY_PROVIDER", "cardgateway"),
		Topic:           getEnv("KAFKA_TOPIC", "settlement_events"),
	}
}

// Reconciler closes the gap between locally created orders and transactions
// that settled through a channel the POS never directly observed, such as a
// standalone desktop payment app charging against a POS invoice number.
type Reconciler struct {
	cfg      Config
	store    OrderStore
	gw       Reporter
	producer sarama.SyncProducer
	lease    *Lease
	logger   *zap.Logger
	running  atomic.Bool
}

func New(cfg Config, st OrderStore, gw Reporter, producer sarama.SyncProducer, lease *Lease, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		producer: producer,
		lease:    lease,
		logger:   logger,
	}
}

// Start runs the periodic loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Reconciliation engine started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			r.logger.Info("Reconciliation engine stopped")
			return
		}
	}
}

// RunOnce executes a single reconciliation cycle. An overlapping call is
// skipped, never queued; the running flag is the only concurrency control on
// a single-instance deployment.
func (r *Reconciler) RunOnce(ctx context.Context) Stats {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Info("Reconciliation cycle skipped, previous cycle still running")
		stats := Stats{Skipped: true}
		recordCycle(stats)
		return stats
	}
	defer r.running.Store(false)

	if r.lease != nil {
		if !r.lease.Acquire(ctx) {
			r.logger.Info("Reconciliation cycle skipped, lease held by another instance")
			stats := Stats{Skipped: true}
			recordCycle(stats)
			return stats
		}
		defer r.lease.Release(ctx)
	}

	ctx, span := otel.Tracer("settlement-svc").Start(ctx, "ReconcileCycle")
	defer span.End()

	start := time.Now()
	txns := r.fetch(ctx)

	stats := Stats{Scanned: len(txns)}
	for _, txn := range txns {
		matched, processed := r.matchOne(ctx, txn)
		if matched {
			stats.Matched++
		}
		if processed {
			stats.Processed++
		}
	}
	stats.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("reconcile.scanned", stats.Scanned),
		attribute.Int("reconcile.matched", stats.Matched),
		attribute.Int("reconcile.processed", stats.Processed),
	)
	r.logger.Info("Reconciliation cycle completed",
		zap.Int("scanned", stats.Scanned),
		zap.Int("matched", stats.Matched),
		zap.Int("processed", stats.Processed),
		zap.Duration("elapsed", stats.Elapsed),
	)
	recordCycle(stats)
	return stats
}

// fetch prefers the latest settlement batch and falls back to recently
// submitted transactions. A fetch failure degrades to an empty cycle; the
// next tick retries.
func (r *Reconciler) fetch(ctx context.Context) []gateway.TransactionDetails {
	txns, err := r.gw.ListSettledBatchTransactions(ctx)
	if err == nil && len(txns) > 0 {
		return txns
	}
	if err != nil {
		r.logger.Warn("Settlement batch fetch failed, falling back to recent transactions", zap.Error(err))
	}

	txns, err = r.gw.ListRecentTransactions(ctx, time.Now().Add(-r.cfg.Lookback))
	if err != nil {
		r.logger.Warn("Transaction fetch failed, skipping cycle", zap.Error(err))
		return nil
	}
	return txns
}

// matchOne applies the matching checks to a single reported transaction. The
// first failing check skips the transaction with a log line; one bad record
// never aborts the cycle. A transaction already recorded as a payment takes
// the promotion path instead of re-matching.
func (r *Reconciler) matchOne(ctx context.Context, txn gateway.TransactionDetails) (matched, processed bool) {
	if txn.InvoiceNumber == "" {
		r.logger.Debug("Reported transaction carries no invoice number, skipping",
			zap.String("transaction_id", txn.TransactionID))
		return false, false
	}

	if existing, err := r.store.GetPaymentByTransactionID(ctx, r.cfg.Provider, txn.TransactionID); err == nil {
		return true, r.promote(ctx, existing, txn)
	} else if !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("Payment lookup failed",
			zap.String("transaction_id", txn.TransactionID), zap.Error(err))
		return false, false
	}

	order, err := r.store.GetOpenOrderByInvoice(ctx, txn.InvoiceNumber)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("Order lookup failed",
				zap.String("invoice_number", txn.InvoiceNumber), zap.Error(err))
		}
		return false, false
	}

	if order.Amount.Sub(txn.Amount).Abs().GreaterThan(r.cfg.AmountTolerance) {
		r.logger.Warn("Reconciliation amount mismatch, leaving transaction for review",
			zap.String("invoice_number", txn.InvoiceNumber),
			zap.String("order_amount", order.Amount.StringFixed(2)),
			zap.String("transaction_amount", txn.Amount.StringFixed(2)),
		)
		return false, false
	}

	delta := txn.SubmittedAt.Sub(order.CreatedAt)
	if delta < 0 || delta > r.cfg.MatchWindow {
		r.logger.Warn("Reconciliation time window mismatch, leaving transaction for review",
			zap.String("invoice_number", txn.InvoiceNumber),
			zap.Duration("delta", delta),
		)
		return false, false
	}

	status := models.PaymentStatusAuthorized
	if txn.SettledAt != nil {
		status = models.PaymentStatusCaptured
	}
	payment := &models.Payment{
		OrderID:       order.ID,
		Provider:      r.cfg.Provider,
		TransactionID: txn.TransactionID,
		AuthCode:      txn.AuthCode,
		Status:        status,
		Amount:        txn.Amount,
		SettledAt:     txn.SettledAt,
	}

	if err := r.store.AttachPayment(ctx, order, payment); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			// Lost the race to a direct channel response. Fine.
			return true, false
		}
		r.logger.Warn("Failed to attach payment",
			zap.String("transaction_id", txn.TransactionID), zap.Error(err))
		return true, false
	}

	if err := kafka.PublishSettlementEvent(ctx, r.producer, r.cfg.Topic, models.SettlementEvent{
		EventType:     models.EventOrderPaid,
		OrderID:       order.ID,
		InvoiceNumber: order.InvoiceNumber,
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Provider:      payment.Provider,
		Amount:        payment.Amount.StringFixed(2),
		Status:        string(payment.Status),
		Source:        "reconciliation",
	}, r.logger); err != nil {
		r.logger.Error("Failed to publish order_paid event", zap.Error(err))
	}
	return true, true
}

// promote records the settlement the gateway now reports for a payment that
// was attached while still authorized. Captured and terminal payments are
// left alone.
func (r *Reconciler) promote(ctx context.Context, p *models.Payment, txn gateway.TransactionDetails) bool {
	if txn.SettledAt == nil || p.Status != models.PaymentStatusAuthorized {
		return false
	}

	if err := r.store.RecordSettlement(ctx, p.ID, *txn.SettledAt); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			r.logger.Warn("Failed to record settlement",
				zap.String("transaction_id", p.TransactionID), zap.Error(err))
		}
		return false
	}

	if err := kafka.PublishSettlementEvent(ctx, r.producer, r.cfg.Topic, models.SettlementEvent{
		EventType:     models.EventPaymentCaptured,
		OrderID:       p.OrderID,
		InvoiceNumber: txn.InvoiceNumber,
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Provider:      p.Provider,
		Amount:        p.Amount.StringFixed(2),
		Status:        string(models.PaymentStatusCaptured),
		Source:        "reconciliation",
	}, r.logger); err != nil {
		r.logger.Error("Failed to publish payment_captured event", zap.Error(err))
	}

	r.logger.Info("Payment settlement recorded",
		zap.Int("payment_id", p.ID),
		zap.String("transaction_id", p.TransactionID),
		zap.Time("settled_at", *txn.SettledAt),
	)
	return true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}
