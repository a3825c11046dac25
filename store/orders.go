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

const orderColumns = "id, invoice_number, lane_id, amount, status, created_by, notes, created_at, updated_at"

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.InvoiceNumber, &o.LaneID, &o.Amount, &o.Status,
		&o.CreatedBy, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// CreateOrder opens a new order and allocates its invoice number. The
// per-lane daily sequence comes from an upsert on invoice_sequences, so two
// lanes (or two requests on one lane) can never mint the same number.
func (s *Store) CreateOrder(ctx context.Context, amount decimal.Decimal, laneID int, createdBy, notes string) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var seq int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO invoice_sequences (lane_id, seq_date, seq) VALUES ($1, $2, 1)
		 ON CONFLICT (lane_id, seq_date) DO UPDATE SET seq = invoice_sequences.seq + 1
		 RETURNING seq`,
		laneID, now.Format("2006-01-02"),
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate invoice sequence: %w", err)
	}

	invoiceNumber := models.FormatInvoiceNumber(laneID, now, seq)

	var o models.Order
	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (invoice_number, lane_id, amount, status, created_by, notes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+orderColumns,
		invoiceNumber, laneID, amount, models.OrderStatusOpen, createdBy, notes,
	).Scan(&o.ID, &o.InvoiceNumber, &o.LaneID, &o.Amount, &o.Status,
		&o.CreatedBy, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}

	s.logger.Info("Order created",
		zap.Int("order_id", o.ID),
		zap.String("invoice_number", o.InvoiceNumber),
		zap.String("amount", o.Amount.StringFixed(2)),
	)
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id int) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	return scanOrder(row)
}

// GetOpenOrderByInvoice is the reconciliation lookup: only orders still in
// the open state are candidates for a match.
func (s *Store) GetOpenOrderByInvoice(ctx context.Context, invoiceNumber string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE invoice_number = $1 AND status = $2",
		invoiceNumber, models.OrderStatusOpen)
	return scanOrder(row)
}

// UpdateOrderStatus moves an order to a new status, but only from one of the
// allowed prior states. Voided and refunded rows never match the allowed set,
// which is how the terminal-state invariant is enforced at the database.
func (s *Store) UpdateOrderStatus(ctx context.Context, id int, to models.OrderStatus, allowedFrom ...models.OrderStatus) error {
	if len(allowedFrom) == 0 {
		return ErrInvalidTransition
	}
	from := make([]string, 0, len(allowedFrom))
	for _, st := range allowedFrom {
		if st.IsTerminal() {
			return ErrInvalidTransition
		}
		from = append(from, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(from))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
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
