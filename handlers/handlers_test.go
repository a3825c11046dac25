package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"settlement-svc/models"
	"settlement-svc/store"
	"settlement-svc/terminal"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db, zap.NewNop()), mock
}

func performRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := performRequest(router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	expected := `{"service":"settlement-svc","status":"healthy"}`
	if w.Body.String() != expected {
		t.Errorf("Expected body %s, got %s", expected, w.Body.String())
	}
}

func TestCreateOrder_Success(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	invoice := "LANE01-" + now.Format("20060102") + "-000001"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO invoice_sequences")).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_number", "lane_id", "amount", "status",
			"created_by", "notes", "created_at", "updated_at",
		}).AddRow(1, invoice, 1, "25.00", models.OrderStatusOpen, "cashier-1", "", now, now))
	mock.ExpectCommit()

	router := gin.New()
	router.POST("/orders", NewOrderHandler(st, zap.NewNop()).CreateOrder)

	w := performRequest(router, http.MethodPost, "/orders", gin.H{
		"amount":     "25.00",
		"lane_id":    1,
		"created_by": "cashier-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var order models.Order
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if order.InvoiceNumber != invoice {
		t.Errorf("Expected invoice %s, got %s", invoice, order.InvoiceNumber)
	}
}

func TestCreateOrder_RejectsBadAmounts(t *testing.T) {
	st, _ := newMockStore(t)
	router := gin.New()
	router.POST("/orders", NewOrderHandler(st, zap.NewNop()).CreateOrder)

	for _, amount := range []string{"0", "-5.00", "10.005", "abc"} {
		w := performRequest(router, http.MethodPost, "/orders", gin.H{
			"amount":  amount,
			"lane_id": 1,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for amount %q, got %d", amount, w.Code)
		}
	}
}

func TestPaymentStatus_OrderNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	router := gin.New()
	router.GET("/orders/:id/payment-status", NewOrderHandler(st, zap.NewNop()).PaymentStatus)

	w := performRequest(router, http.MethodGet, "/orders/42/payment-status", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestPaymentStatus_WithCapturedPayment(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_number", "lane_id", "amount", "status",
			"created_by", "notes", "created_at", "updated_at",
		}).AddRow(42, "LANE01-20240115-000001", 1, "25.00", models.OrderStatusPaid, "", "", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_id", "provider", "transaction_id", "auth_code", "status",
			"amount", "refunded_amount", "raw_response", "settled_at", "created_at", "updated_at",
		}).AddRow(7, 42, "cardgateway", "GW-1", "A1", models.PaymentStatusCaptured,
			"25.00", "0.00", "", nil, now, now))

	router := gin.New()
	router.GET("/orders/:id/payment-status", NewOrderHandler(st, zap.NewNop()).PaymentStatus)

	w := performRequest(router, http.MethodGet, "/orders/42/payment-status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
		Payment struct {
			TransactionID string `json:"transaction_id"`
		} `json:"payment"`
		Actions struct {
			CanVoid   bool `json:"can_void"`
			CanRefund bool `json:"can_refund"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Payment.TransactionID != "GW-1" {
		t.Errorf("Expected payment in response, got %s", w.Body.String())
	}
	if body.Actions.CanVoid || !body.Actions.CanRefund {
		t.Errorf("Captured payment must offer refund only, got %+v", body.Actions)
	}
}

type stubChannel struct {
	name    string
	result  *terminal.PaymentResult
	err     error
	status  models.SessionStatus
	checked chan struct{}
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) InitiatePayment(ctx context.Context, req terminal.PaymentRequest) (*terminal.PaymentResult, error) {
	return s.result, s.err
}

func (s *stubChannel) CheckStatus(ctx context.Context, transactionID, terminalRef string) (models.SessionStatus, error) {
	if s.checked != nil {
		defer func() {
			select {
			case s.checked <- struct{}{}:
			default:
			}
		}()
	}
	return s.status, nil
}

func terminalRouter(h *TerminalHandler) *gin.Engine {
	router := gin.New()
	router.POST("/payments/terminal", h.InitiatePayment)
	return router
}

func TestInitiatePayment_DeclinedIsNotATransportError(t *testing.T) {
	st, _ := newMockStore(t)
	ch := &stubChannel{name: "socket", result: &terminal.PaymentResult{
		Status:       models.SessionStatusDeclined,
		ResponseCode: "05",
		Message:      "Do not honor",
	}}
	h := NewTerminalHandler(ch, st, nil, "cardgateway", "settlement_events", zap.NewNop())

	w := performRequest(terminalRouter(h), http.MethodPost, "/payments/terminal", gin.H{
		"amount": "25.00",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a decline, got %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["success"] != false || body["error"] != "Do not honor" || body["error_code"] != "05" {
		t.Errorf("Decline must carry the gateway's own words, got %s", w.Body.String())
	}
}

func TestInitiatePayment_ChannelErrorMapping(t *testing.T) {
	cases := []struct {
		code      terminal.ErrorCode
		expected  int
		retryable bool
	}{
		{terminal.ErrCodeInvalidAddress, http.StatusBadRequest, false},
		{terminal.ErrCodeTerminalNotConfigured, http.StatusBadRequest, false},
		{terminal.ErrCodeTimeout, http.StatusGatewayTimeout, true},
		{terminal.ErrCodeConnectionRefused, http.StatusBadGateway, true},
		{terminal.ErrCodeUnreachable, http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		st, _ := newMockStore(t)
		ch := &stubChannel{name: "socket", err: &terminal.ChannelError{
			Code:    tc.code,
			Address: "192.168.1.50:9100",
			Message: "terminal failure",
			Hint:    "check the terminal",
		}}
		h := NewTerminalHandler(ch, st, nil, "cardgateway", "settlement_events", zap.NewNop())

		w := performRequest(terminalRouter(h), http.MethodPost, "/payments/terminal", gin.H{
			"amount": "25.00",
		})
		if w.Code != tc.expected {
			t.Errorf("Expected %d for %s, got %d", tc.expected, tc.code, w.Code)
		}
		var body map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &body)
		if body["error_code"] != string(tc.code) {
			t.Errorf("Expected error_code %s, got %v", tc.code, body["error_code"])
		}
		if body["terminal"] != "192.168.1.50:9100" {
			t.Errorf("Error must name the terminal, got %s", w.Body.String())
		}
		if body["hint"] != "check the terminal" {
			t.Errorf("Error must carry the hint, got %s", w.Body.String())
		}
		if body["retryable"] != tc.retryable {
			t.Errorf("Expected retryable=%v for %s, got %v", tc.retryable, tc.code, body["retryable"])
		}
	}
}

func TestInitiatePayment_ApprovedAttachesPayment(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("LANE01-20240115-000001", models.OrderStatusOpen).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_number", "lane_id", "amount", "status",
			"created_by", "notes", "created_at", "updated_at",
		}).AddRow(42, "LANE01-20240115-000001", 1, "25.00", models.OrderStatusOpen, "", "", now, now))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ch := &stubChannel{name: "socket", result: &terminal.PaymentResult{
		Status:        models.SessionStatusApproved,
		TransactionID: "TX-1",
		AuthCode:      "A1",
	}}
	h := NewTerminalHandler(ch, st, nil, "cardgateway", "settlement_events", zap.NewNop())

	w := performRequest(terminalRouter(h), http.MethodPost, "/payments/terminal", gin.H{
		"amount":         "25.00",
		"invoice_number": "LANE01-20240115-000001",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["success"] != true || body["pending"] != false {
		t.Errorf("Expected immediate success, got %s", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestInitiatePayment_PendingReturnsImmediatelyAndPollsInBackground(t *testing.T) {
	st, _ := newMockStore(t)
	ch := &stubChannel{
		name: "cloud",
		result: &terminal.PaymentResult{
			Status:        models.SessionStatusPending,
			TransactionID: "CT-1",
		},
		status:  models.SessionStatusDeclined,
		checked: make(chan struct{}, 1),
	}
	h := NewTerminalHandler(ch, st, nil, "cardgateway", "settlement_events", zap.NewNop())
	h.pollAttempts = 1
	h.pollInterval = time.Millisecond

	w := performRequest(terminalRouter(h), http.MethodPost, "/payments/terminal", gin.H{
		"amount":       "25.00",
		"terminal_ref": "TERM-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["success"] != true || body["pending"] != true {
		t.Errorf("Expected pending response, got %s", w.Body.String())
	}

	select {
	case <-ch.checked:
	case <-time.After(2 * time.Second):
		t.Fatal("Background poll never checked the session status")
	}
}

func TestInitiatePayment_RejectsBadAmount(t *testing.T) {
	st, _ := newMockStore(t)
	ch := &stubChannel{name: "socket", result: &terminal.PaymentResult{Status: models.SessionStatusApproved}}
	h := NewTerminalHandler(ch, st, nil, "cardgateway", "settlement_events", zap.NewNop())

	w := performRequest(terminalRouter(h), http.MethodPost, "/payments/terminal", gin.H{
		"amount": "12.345",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}
