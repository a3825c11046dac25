package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-svc/gateway"
	"settlement-svc/models"
	"settlement-svc/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeReporter struct {
	mu          sync.Mutex
	batch       []gateway.TransactionDetails
	batchErr    error
	recent      []gateway.TransactionDetails
	recentErr   error
	recentCalls int
	block       chan struct{}
}

func (f *fakeReporter) ListSettledBatchTransactions(ctx context.Context) ([]gateway.TransactionDetails, error) {
	if f.block != nil {
		<-f.block
	}
	return f.batch, f.batchErr
}

func (f *fakeReporter) ListRecentTransactions(ctx context.Context, since time.Time) ([]gateway.TransactionDetails, error) {
	f.mu.Lock()
	f.recentCalls++
	f.mu.Unlock()
	return f.recent, f.recentErr
}

type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	payments map[string]*models.Payment
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[string]*models.Order),
		payments: make(map[string]*models.Payment),
		nextID:   1,
	}
}

func (f *fakeStore) addOrder(o *models.Order) {
	f.orders[o.InvoiceNumber] = o
}

func (f *fakeStore) GetOpenOrderByInvoice(ctx context.Context, invoiceNumber string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[invoiceNumber]
	if !ok || o.Status != models.OrderStatusOpen {
		return nil, store.ErrNotFound
	}
	copied := *o
	return &copied, nil
}

func (f *fakeStore) GetPaymentByTransactionID(ctx context.Context, provider, transactionID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeStore) RecordSettlement(ctx context.Context, id int, settledAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ID == id {
			if p.Status != models.PaymentStatusAuthorized {
				return store.ErrInvalidTransition
			}
			p.Status = models.PaymentStatusCaptured
			p.SettledAt = &settledAt
			return nil
		}
	}
	return store.ErrInvalidTransition
}

func (f *fakeStore) AttachPayment(ctx context.Context, order *models.Order, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[p.TransactionID]; ok {
		return store.ErrDuplicateTransaction
	}
	p.ID = f.nextID
	f.nextID++
	copied := *p
	f.payments[p.TransactionID] = &copied
	f.orders[order.InvoiceNumber].Status = models.OrderStatusPaid
	return nil
}

func testConfig() Config {
	return Config{
		Interval:        time.Minute,
		MatchWindow:     15 * time.Minute,
		AmountTolerance: decimal.RequireFromString("0.01"),
		Lookback:        15 * time.Minute,
		Provider:        "cardgateway",
		Topic:           "settlement_events",
	}
}

func openOrder(invoice string, amount string, createdAt time.Time) *models.Order {
	return &models.Order{
		ID:            100,
		InvoiceNumber: invoice,
		LaneID:        1,
		Amount:        decimal.RequireFromString(amount),
		Status:        models.OrderStatusOpen,
		CreatedAt:     createdAt,
	}
}

func settledTxn(invoice, txID, amount string, submittedAt time.Time) gateway.TransactionDetails {
	settled := submittedAt.Add(time.Hour)
	return gateway.TransactionDetails{
		TransactionID: txID,
		Status:        gateway.TxSettledSuccessfully,
		InvoiceNumber: invoice,
		Amount:        decimal.RequireFromString(amount),
		AuthCode:      "A1",
		SubmittedAt:   submittedAt,
		SettledAt:     &settled,
	}
}

func TestRunOnce_MatchesAndAttachesPayment(t *testing.T) {
	createdAt := time.Now().Add(-30 * time.Minute)
	st := newFakeStore()
	st.addOrder(openOrder("LANE01-20240115-000001", "100.00", createdAt))
	gw := &fakeReporter{
		batch: []gateway.TransactionDetails{
			settledTxn("LANE01-20240115-000001", "GW-1", "100.00", createdAt.Add(5*time.Minute)),
		},
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())

	if stats.Scanned != 1 || stats.Matched != 1 || stats.Processed != 1 {
		t.Fatalf("Unexpected stats: %+v", stats)
	}
	p, ok := st.payments["GW-1"]
	if !ok {
		t.Fatal("Expected payment recorded")
	}
	if p.Status != models.PaymentStatusCaptured {
		t.Errorf("Settled transaction must be recorded captured, got %s", p.Status)
	}
	if st.orders["LANE01-20240115-000001"].Status != models.OrderStatusPaid {
		t.Errorf("Expected order marked paid, got %s", st.orders["LANE01-20240115-000001"].Status)
	}
}

func TestRunOnce_UnsettledTransactionRecordedAuthorized(t *testing.T) {
	createdAt := time.Now().Add(-10 * time.Minute)
	st := newFakeStore()
	st.addOrder(openOrder("LANE01-20240115-000002", "50.00", createdAt))
	txn := settledTxn("LANE01-20240115-000002", "GW-2", "50.00", createdAt.Add(2*time.Minute))
	txn.Status = gateway.TxCapturedPendingSettlement
	txn.SettledAt = nil
	gw := &fakeReporter{batch: []gateway.TransactionDetails{txn}}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	r.RunOnce(context.Background())

	p, ok := st.payments["GW-2"]
	if !ok {
		t.Fatal("Expected payment recorded")
	}
	if p.Status != models.PaymentStatusAuthorized {
		t.Errorf("Unsettled transaction must be recorded authorized, got %s", p.Status)
	}
}

func TestRunOnce_AmountBeyondToleranceDoesNotMatch(t *testing.T) {
	createdAt := time.Now().Add(-30 * time.Minute)
	st := newFakeStore()
	st.addOrder(openOrder("LANE01-20240115-000003", "100.00", createdAt))
	gw := &fakeReporter{
		batch: []gateway.TransactionDetails{
			settledTxn("LANE01-20240115-000003", "GW-3", "100.02", createdAt.Add(5*time.Minute)),
		},
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())

	if stats.Matched != 0 || stats.Processed != 0 {
		t.Fatalf("Expected no match beyond tolerance, got %+v", stats)
	}
	if st.orders["LANE01-20240115-000003"].Status != models.OrderStatusOpen {
		t.Error("Order must stay open on an amount mismatch")
	}
}

func TestRunOnce_AmountWithinToleranceMatches(t *testing.T) {
	createdAt := time.Now().Add(-30 * time.Minute)
	st := newFakeStore()
	st.addOrder(openOrder("LANE01-20240115-000004", "100.00", createdAt))
	gw := &fakeReporter{
		batch: []gateway.TransactionDetails{
			settledTxn("LANE01-20240115-000004", "GW-4", "100.01", createdAt.Add(5*time.Minute)),
		},
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())

	if stats.Matched != 1 || stats.Processed != 1 {
		t.Fatalf("Expected a match at exactly the tolerance, got %+v", stats)
	}
}

func TestRunOnce_TimeWindowViolations(t *testing.T) {
	createdAt := time.Now().Add(-time.Hour)
	cases := []struct {
		name        string
		submittedAt time.Time
	}{
		{"submitted after window", createdAt.Add(16 * time.Minute)},
		{"submitted before order", createdAt.Add(-time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			st.addOrder(openOrder("LANE01-20240115-000005", "100.00", createdAt))
			gw := &fakeReporter{
				batch: []gateway.TransactionDetails{
					settledTxn("LANE01-20240115-000005", "GW-5", "100.00", tc.submittedAt),
				},
			}

			r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
			stats := r.RunOnce(context.Background())
			if stats.Matched != 0 {
				t.Errorf("Expected no match for %s, got %+v", tc.name, stats)
			}
		})
	}
}

func TestRunOnce_SecondCycleIsIdempotent(t *testing.T) {
	createdAt := time.Now().Add(-30 * time.Minute)
	st := newFakeStore()
	st.addOrder(openOrder("LANE01-20240115-000006", "100.00", createdAt))
	gw := &fakeReporter{
		batch: []gateway.TransactionDetails{
			settledTxn("LANE01-20240115-000006", "GW-6", "100.00", createdAt.Add(5*time.Minute)),
		},
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	first := r.RunOnce(context.Background())
	second := r.RunOnce(context.Background())

	if first.Processed != 1 {
		t.Fatalf("Expected first cycle to process, got %+v", first)
	}
	if second.Processed != 0 {
		t.Errorf("Second cycle must not re-process, got %+v", second)
	}
	if len(st.payments) != 1 {
		t.Errorf("Expected exactly one payment, got %d", len(st.payments))
	}
}

func TestRunOnce_PromotesAuthorizedPaymentOnSettlement(t *testing.T) {
	createdAt := time.Now().Add(-2 * time.Hour)
	st := newFakeStore()
	// An order already paid through a terminal channel, its payment still
	// awaiting settlement.
	order := openOrder("LANE01-20240115-000010", "80.00", createdAt)
	order.Status = models.OrderStatusPaid
	st.addOrder(order)
	st.payments["GW-10"] = &models.Payment{
		ID:            3,
		OrderID:       order.ID,
		Provider:      "cardgateway",
		TransactionID: "GW-10",
		Status:        models.PaymentStatusAuthorized,
		Amount:        decimal.RequireFromString("80.00"),
	}
	gw := &fakeReporter{
		batch: []gateway.TransactionDetails{
			settledTxn("LANE01-20240115-000010", "GW-10", "80.00", createdAt.Add(5*time.Minute)),
		},
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())

	if stats.Matched != 1 || stats.Processed != 1 {
		t.Fatalf("Expected the promotion to count as processed, got %+v", stats)
	}
	p := st.payments["GW-10"]
	if p.Status != models.PaymentStatusCaptured {
		t.Errorf("Expected payment promoted to captured, got %s", p.Status)
	}
	if p.SettledAt == nil {
		t.Error("Expected settled_at recorded on promotion")
	}

	// A second cycle over the same batch has nothing left to promote.
	second := r.RunOnce(context.Background())
	if second.Matched != 1 || second.Processed != 0 {
		t.Errorf("Expected the captured payment left alone, got %+v", second)
	}
}

func TestRunOnce_UnsettledReportLeavesAuthorizedPaymentAlone(t *testing.T) {
	createdAt := time.Now().Add(-time.Hour)
	st := newFakeStore()
	order := openOrder("LANE01-20240115-000011", "80.00", createdAt)
	order.Status = models.OrderStatusPaid
	st.addOrder(order)
	st.payments["GW-11"] = &models.Payment{
		ID:            4,
		OrderID:       order.ID,
		Provider:      "cardgateway",
		TransactionID: "GW-11",
		Status:        models.PaymentStatusAuthorized,
		Amount:        decimal.RequireFromString("80.00"),
	}
	txn := settledTxn("LANE01-20240115-000011", "GW-11", "80.00", createdAt.Add(2*time.Minute))
	txn.Status = gateway.TxCapturedPendingSettlement
	txn.SettledAt = nil
	gw := &fakeReporter{batch: []gateway.TransactionDetails{txn}}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())

	if stats.Matched != 1 || stats.Processed != 0 {
		t.Fatalf("Expected match without promotion, got %+v", stats)
	}
	if st.payments["GW-11"].Status != models.PaymentStatusAuthorized {
		t.Errorf("Payment must stay authorized until the gateway reports settlement, got %s",
			st.payments["GW-11"].Status)
	}
}

func TestRunOnce_MissingInvoiceNumberIsLogged(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	st := newFakeStore()
	txn := settledTxn("", "GW-12", "10.00", time.Now())
	gw := &fakeReporter{batch: []gateway.TransactionDetails{txn}}

	r := New(testConfig(), st, gw, nil, nil, zap.New(core))
	stats := r.RunOnce(context.Background())

	if stats.Scanned != 1 || stats.Matched != 0 {
		t.Fatalf("Expected scanned-but-unmatched, got %+v", stats)
	}
	if observed.FilterMessage("Reported transaction carries no invoice number, skipping").Len() != 1 {
		t.Error("Expected the skipped transaction to leave a log line")
	}
}

func TestRunOnce_FetchFailureDegradesToEmptyCycle(t *testing.T) {
	st := newFakeStore()
	gw := &fakeReporter{
		batchErr:  errors.New("batch endpoint down"),
		recentErr: errors.New("reporting down"),
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())
	if stats.Scanned != 0 {
		t.Fatalf("Expected empty cycle on fetch failure, got %+v", stats)
	}
}

func TestRunOnce_EmptyBatchFallsBackToRecent(t *testing.T) {
	createdAt := time.Now().Add(-10 * time.Minute)
	st := newFakeStore()
	st.addOrder(openOrder("LANE01-20240115-000007", "60.00", createdAt))
	gw := &fakeReporter{
		recent: []gateway.TransactionDetails{
			settledTxn("LANE01-20240115-000007", "GW-7", "60.00", createdAt.Add(time.Minute)),
		},
	}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))
	stats := r.RunOnce(context.Background())
	if stats.Processed != 1 {
		t.Fatalf("Expected fallback source to be used, got %+v", stats)
	}
	if gw.recentCalls != 1 {
		t.Errorf("Expected one recent-transactions fetch, got %d", gw.recentCalls)
	}
}

func TestRunOnce_OverlappingCycleIsSkipped(t *testing.T) {
	st := newFakeStore()
	gw := &fakeReporter{block: make(chan struct{})}

	r := New(testConfig(), st, gw, nil, nil, zaptest.NewLogger(t))

	done := make(chan Stats, 1)
	go func() {
		done <- r.RunOnce(context.Background())
	}()

	// Wait for the first cycle to take the running flag.
	deadline := time.Now().Add(2 * time.Second)
	for !r.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("First cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	overlapping := r.RunOnce(context.Background())
	if !overlapping.Skipped {
		t.Error("Expected overlapping cycle to be skipped")
	}

	close(gw.block)
	first := <-done
	if first.Skipped {
		t.Error("First cycle must not be skipped")
	}
}
