package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"settlement-svc/circuitbreaker"
	"settlement-svc/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CloudConfig struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration
}

func CloudConfigFromEnv() CloudConfig {
	return CloudConfig{
		BaseURL:     strings.TrimRight(getEnv("CLOUD_TERMINAL_BASE_URL", "https://terminals.example.com/v1"), "/"),
		APIKey:      getEnv("CLOUD_TERMINAL_API_KEY", ""),
		APISecret:   getEnv("CLOUD_TERMINAL_API_SECRET", ""),
		HTTPTimeout: getEnvDuration("CLOUD_TERMINAL_HTTP_TIMEOUT", 30*time.Second),
	}
}

// CloudChannel talks to cloud-hosted terminals over REST, keyed by terminal
// id. The bearer token is owned state: cached until shortly before expiry,
// refetched only when absent or expired.
type CloudChannel struct {
	cfg     CloudConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewCloudChannel(cfg CloudConfig, logger *zap.Logger) *CloudChannel {
	return &CloudChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second, logger),
		logger:  logger,
	}
}

func (c *CloudChannel) Name() string {
	return "cloud"
}

type cloudTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type cloudPaymentResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	AuthCode      string `json:"auth_code"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// authenticate returns the cached bearer token, fetching a fresh one when
// absent or expired. Expiry is issuedAt + expiresIn minus a 60s safety
// margin. The mutex only covers the cache; the fetch itself runs unlocked so
// a slow auth endpoint never blocks concurrent calls or their cancellation.
// Concurrent cache misses may fetch more than one token; the server treats
// them as equivalent and the last write wins.
func (c *CloudChannel) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"api_key":    c.cfg.APIKey,
		"api_secret": c.cfg.APISecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	issuedAt := time.Now()
	var tok cloudTokenResponse
	if err := c.do(req, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", &ChannelError{Code: ErrCodeGatewayError, Message: "auth response carried no token"}
	}

	expiry := issuedAt.Add(time.Duration(tok.ExpiresIn)*time.Second - 60*time.Second)
	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()

	c.logger.Info("Cloud terminal token refreshed", zap.Time("expires_at", expiry))
	return tok.AccessToken, nil
}

func (c *CloudChannel) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := requireTerminalRef(req.TerminalRef); err != nil {
		return nil, err
	}

	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]string{
		"amount":         req.Amount.StringFixed(2),
		"invoice_number": req.InvoiceNumber,
		"description":    req.Description,
		"request_id":     uuid.NewString(),
	})
	url := fmt.Sprintf("%s/terminals/%s/payments", c.cfg.BaseURL, req.TerminalRef)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	var resp cloudPaymentResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, c.wrapTransport(err, req.TerminalRef)
	}

	result := &PaymentResult{
		Status:        classifyCloudStatus(resp.Status),
		TransactionID: resp.TransactionID,
		AuthCode:      resp.AuthCode,
		ResponseCode:  resp.Code,
		Message:       resp.Message,
	}
	c.logger.Info("Cloud terminal payment initiated",
		zap.String("terminal_id", req.TerminalRef),
		zap.String("transaction_id", resp.TransactionID),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (c *CloudChannel) CheckStatus(ctx context.Context, transactionID, terminalRef string) (models.SessionStatus, error) {
	if err := requireTerminalRef(terminalRef); err != nil {
		return models.SessionStatusError, err
	}

	token, err := c.authenticate(ctx)
	if err != nil {
		return models.SessionStatusError, err
	}

	url := fmt.Sprintf("%s/terminals/%s/payments/%s", c.cfg.BaseURL, terminalRef, transactionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.SessionStatusError, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	var resp cloudPaymentResponse
	if err := c.do(httpReq, &resp); err != nil {
		return models.SessionStatusError, c.wrapTransport(err, terminalRef)
	}
	return classifyCloudStatus(resp.Status), nil
}

func (c *CloudChannel) do(req *http.Request, out interface{}) error {
	return c.breaker.Execute(req.Context(), func() error {
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("terminal service returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode terminal response: %w", err)
		}
		return nil
	})
}

func (c *CloudChannel) wrapTransport(err error, terminalRef string) error {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return err
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return &ChannelError{
			Code:    ErrCodeUnreachable,
			Address: terminalRef,
			Message: "terminal service suspended after repeated failures",
			Hint:    "wait for the terminal service to recover",
			Err:     err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ChannelError{
			Code:    ErrCodeTimeout,
			Address: terminalRef,
			Message: "terminal service did not respond in time",
			Hint:    "retry once the terminal service is responsive",
			Err:     err,
		}
	}
	return &ChannelError{
		Code:    ErrCodeGatewayError,
		Address: terminalRef,
		Message: "unexpected terminal service response",
		Hint:    "check terminal service logs",
		Err:     err,
	}
}

// classifyCloudStatus folds the terminal service vocabulary into the local
// one: APPROVED/SUCCESS succeed, PENDING/PROCESSING mean keep polling,
// DECLINED/FAILED/CANCELLED fail with the gateway's own message.
func classifyCloudStatus(status string) models.SessionStatus {
	switch strings.ToUpper(status) {
	case "APPROVED", "SUCCESS":
		return models.SessionStatusApproved
	case "PENDING", "PROCESSING":
		return models.SessionStatusPending
	case "DECLINED", "FAILED", "CANCELLED":
		return models.SessionStatusDeclined
	default:
		return models.SessionStatusError
	}
}
