package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"settlement-svc/circuitbreaker"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL        string
	APILoginID     string
	TransactionKey string
	HTTPTimeout    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:        strings.TrimRight(getEnv("GATEWAY_BASE_URL", "https://gateway.example.com/api/v1"), "/"),
		APILoginID:     getEnv("GATEWAY_API_LOGIN_ID", ""),
		TransactionKey: getEnv("GATEWAY_TRANSACTION_KEY", ""),
		HTTPTimeout:    getEnvDuration("GATEWAY_HTTP_TIMEOUT", 30*time.Second),
	}
}

// Client is a thin response-code mapper over the card gateway's charge,
// void, refund and reporting endpoints. Declines are surfaced verbatim;
// transport and shape problems come back as wrapped errors for the caller to
// classify.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second, logger),
		logger:  logger,
	}
}

type ChargeRequest struct {
	Amount        decimal.Decimal
	TerminalID    string
	InvoiceNumber string
	Description   string
	Token         string
}

// ChargeResult carries the gateway's verdict for charge, void and refund
// calls. Message and MessageCode are the gateway's own words, passed through
// unmodified.
type ChargeResult struct {
	Code          ResponseCode
	TransactionID string
	AuthCode      string
	Message       string
	MessageCode   string
}

// TransactionDetails is one reported transaction, from the detail or the
// reporting endpoints.
type TransactionDetails struct {
	TransactionID string
	Status        string
	InvoiceNumber string
	Amount        decimal.Decimal
	AuthCode      string
	SubmittedAt   time.Time
	SettledAt     *time.Time
}

type chargeResponse struct {
	ResponseCode  int    `json:"response_code"`
	TransactionID string `json:"transaction_id"`
	AuthCode      string `json:"auth_code"`
	Message       string `json:"message"`
	MessageCode   string `json:"message_code"`
}

type transactionPayload struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	InvoiceNumber string     `json:"invoice_number"`
	Amount        string     `json:"amount"`
	AuthCode      string     `json:"auth_code"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	SettledAt     *time.Time `json:"settled_at"`
}

type transactionListResponse struct {
	Transactions []transactionPayload `json:"transactions"`
}

// Charge submits a sale. With a TerminalID set the gateway dispatches the
// prompt to that terminal itself; the call then only learns "pending" or an
// immediate error.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body := map[string]string{
		"type":           "sale",
		"amount":         req.Amount.StringFixed(2),
		"terminal_id":    req.TerminalID,
		"invoice_number": req.InvoiceNumber,
		"description":    req.Description,
		"payment_token":  req.Token,
	}
	return c.transact(ctx, "/transactions", body)
}

func (c *Client) Void(ctx context.Context, transactionID string) (*ChargeResult, error) {
	body := map[string]string{
		"type":               "void",
		"ref_transaction_id": transactionID,
	}
	return c.transact(ctx, "/transactions", body)
}

func (c *Client) Refund(ctx context.Context, transactionID string, amount decimal.Decimal, accountLast4 string) (*ChargeResult, error) {
	body := map[string]string{
		"type":               "refund",
		"ref_transaction_id": transactionID,
		"amount":             amount.StringFixed(2),
		"account_last4":      accountLast4,
	}
	return c.transact(ctx, "/transactions", body)
}

func (c *Client) transact(ctx context.Context, path string, body map[string]string) (*ChargeResult, error) {
	var resp chargeResponse
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}

	result := &ChargeResult{
		Code:          ResponseCode(resp.ResponseCode),
		TransactionID: resp.TransactionID,
		AuthCode:      resp.AuthCode,
		Message:       resp.Message,
		MessageCode:   resp.MessageCode,
	}
	c.logger.Info("Gateway transaction completed",
		zap.String("type", body["type"]),
		zap.String("transaction_id", result.TransactionID),
		zap.String("verdict", result.Code.String()),
	)
	return result, nil
}

func (c *Client) GetTransactionDetails(ctx context.Context, transactionID string) (*TransactionDetails, error) {
	var payload transactionPayload
	if err := c.get(ctx, "/transactions/"+transactionID, &payload); err != nil {
		return nil, err
	}
	return payload.toDetails()
}

// ListSettledBatchTransactions returns the transactions in the most recent
// settlement batch. Preferred reconciliation source.
func (c *Client) ListSettledBatchTransactions(ctx context.Context) ([]TransactionDetails, error) {
	var resp transactionListResponse
	if err := c.get(ctx, "/reporting/batches/latest/transactions", &resp); err != nil {
		return nil, err
	}
	return resp.toDetails()
}

// ListRecentTransactions is the fallback reconciliation source when batch
// data is unavailable: every transaction submitted since the given time.
func (c *Client) ListRecentTransactions(ctx context.Context, since time.Time) ([]TransactionDetails, error) {
	var resp transactionListResponse
	path := "/reporting/transactions?since=" + since.UTC().Format(time.RFC3339)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.toDetails()
}

func (p transactionPayload) toDetails() (*TransactionDetails, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("gateway reported malformed amount %q: %w", p.Amount, err)
	}
	return &TransactionDetails{
		TransactionID: p.TransactionID,
		Status:        p.Status,
		InvoiceNumber: p.InvoiceNumber,
		Amount:        amount,
		AuthCode:      p.AuthCode,
		SubmittedAt:   p.SubmittedAt,
		SettledAt:     p.SettledAt,
	}, nil
}

func (r transactionListResponse) toDetails() ([]TransactionDetails, error) {
	out := make([]TransactionDetails, 0, len(r.Transactions))
	for _, p := range r.Transactions {
		d, err := p.toDetails()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.SetBasicAuth(c.cfg.APILoginID, c.cfg.TransactionKey)
	return c.breaker.Execute(req.Context(), func() error {
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
