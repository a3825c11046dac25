package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-svc/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paymentColumns = "id, order_id, provider, transaction_id, auth_code, status, amount, refunded_amount, raw_response, settled_at, created_at, updated_at"

// 23505 is the Postgres unique_violation class.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func scanPayment(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &p.TransactionID, &p.AuthCode,
		&p.Status, &p.Amount, &p.RefundedAmount, &p.RawResponse, &p.SettledAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPaymentByTransactionID(ctx context.Context, provider, transactionID string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE provider = $1 AND transaction_id = $2",
		provider, transactionID)
	return scanPayment(row)
}

// GetActivePaymentByOrder returns the most recent payment attached to an
// order. An order carries at most one active payment; earlier voided rows can
// remain after a re-charge.
func (s *Store) GetActivePaymentByOrder(ctx context.Context, orderID int) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY id DESC LIMIT 1",
		orderID)
	return scanPayment(row)
}

// UpdatePaymentStatus moves a payment between states, refusing to leave a
// terminal one.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id int, to models.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2 AND status NOT IN ($3, $4)`,
		to, id, models.PaymentStatusVoided, models.PaymentStatusRefunded)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// RecordSettlement promotes an authorized payment to captured once the
// gateway reports a settlement time.
func (s *Store) RecordSettlement(ctx context.Context, id int, settledAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, settled_at = $2, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $3 AND status = $4`,
		models.PaymentStatusCaptured, settledAt, id, models.PaymentStatusAuthorized)
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// AddRefund accumulates a (possibly partial) refund against a captured
// payment and marks it refunded. The caller has already verified the amount
// against the settled remainder.
func (s *Store) AddRefund(ctx context.Context, id int, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET refunded_amount = refunded_amount + $1, status = $2, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $3 AND status IN ($4, $5)`,
		amount, models.PaymentStatusRefunded, id,
		models.PaymentStatusCaptured, models.PaymentStatusRefunded)
	if err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// AttachPayment records a newly observed transaction and flips its order from
// open to paid in one database transaction. This is the only path that moves
// an order to paid, whether the observation came from a terminal channel or
// from reconciliation. Returns ErrDuplicateTransaction when the transaction
// was already recorded, leaving the order untouched.
func (s *Store) AttachPayment(ctx context.Context, order *models.Order, p *models.Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, provider, transaction_id, auth_code, status, amount, raw_response, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		p.OrderID, p.Provider, p.TransactionID, p.AuthCode, p.Status,
		p.Amount, p.RawResponse, p.SettledAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2 AND status = $3`,
		models.OrderStatusPaid, order.ID, models.OrderStatusOpen)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}

	s.logger.Info("Payment attached",
		zap.Int("order_id", order.ID),
		zap.Int("payment_id", p.ID),
		zap.String("transaction_id", p.TransactionID),
		zap.String("status", string(p.Status)),
	)
	return nil
}
