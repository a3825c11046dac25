package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"settlement-svc/kafka"
	"settlement-svc/middleware"
	"settlement-svc/models"
	"settlement-svc/store"
	"settlement-svc/terminal"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type InitiatePaymentRequest struct {
	Amount        string `json:"amount" binding:"required"`
	TerminalRef   string `json:"terminal_ref"`
	InvoiceNumber string `json:"invoice_number"`
	Description   string `json:"description"`
	Token         string `json:"token"`
}

type TerminalHandler struct {
	channel      terminal.Channel
	store        *store.Store
	producer     sarama.SyncProducer
	provider     string
	topic        string
	pollAttempts int
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewTerminalHandler(ch terminal.Channel, st *store.Store, producer sarama.SyncProducer, provider, topic string, logger *zap.Logger) *TerminalHandler {
	return &TerminalHandler{
		channel:      ch,
		store:        st,
		producer:     producer,
		provider:     provider,
		topic:        topic,
		pollAttempts: terminal.DefaultPollAttempts,
		pollInterval: terminal.DefaultPollInterval,
		logger:       logger,
	}
}

// InitiatePayment runs a charge on the configured terminal channel. An
// immediate outcome is recorded and returned; a pending outcome is returned
// as pending while a background poll resolves it.
func (h *TerminalHandler) InitiatePayment(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-svc").Start(c.Request.Context(), "InitiateTerminalPayment")
	defer span.End()

	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error(), "error_code": "invalid_input"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) || amount.Exponent() < -2 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":    false,
			"error":      "amount must be a positive value with at most two decimal places",
			"error_code": "invalid_input",
		})
		return
	}

	span.SetAttributes(
		attribute.String("terminal_ref", req.TerminalRef),
		attribute.String("amount", amount.StringFixed(2)),
		attribute.String("channel", h.channel.Name()),
	)

	result, err := h.channel.InitiatePayment(ctx, terminal.PaymentRequest{
		Amount:        amount,
		TerminalRef:   req.TerminalRef,
		InvoiceNumber: req.InvoiceNumber,
		Description:   req.Description,
		Token:         req.Token,
	})
	if err != nil {
		span.RecordError(err)
		middleware.RecordTerminalPayment(h.channel.Name(), "error")
		h.respondChannelError(c, err)
		return
	}

	switch result.Status {
	case models.SessionStatusApproved:
		middleware.RecordTerminalPayment(h.channel.Name(), "approved")
		h.recordApproved(ctx, req.InvoiceNumber, amount, result)
		c.JSON(http.StatusOK, gin.H{
			"success":        true,
			"pending":        false,
			"transaction_id": result.TransactionID,
			"message":        result.Message,
		})

	case models.SessionStatusPending:
		middleware.RecordTerminalPayment(h.channel.Name(), "pending")
		// The request context dies with the response; the poll continues on
		// its own context until the budget runs out.
		go h.resolvePending(req.InvoiceNumber, req.TerminalRef, amount, result)
		c.JSON(http.StatusOK, gin.H{
			"success":        true,
			"pending":        true,
			"transaction_id": result.TransactionID,
			"message":        result.Message,
		})

	case models.SessionStatusDeclined:
		middleware.RecordTerminalPayment(h.channel.Name(), "declined")
		c.JSON(http.StatusOK, gin.H{
			"success":    false,
			"error":      result.Message,
			"error_code": result.ResponseCode,
		})

	default:
		middleware.RecordTerminalPayment(h.channel.Name(), "error")
		c.JSON(http.StatusBadGateway, gin.H{
			"success":    false,
			"error":      result.Message,
			"error_code": "gateway_error",
		})
	}
}

// resolvePending polls the channel until the session resolves, then records
// the payment. A poll timeout means outcome unknown: it is logged for manual
// verification and left for reconciliation to settle, never treated as a
// decline.
func (h *TerminalHandler) resolvePending(invoiceNumber, terminalRef string, amount decimal.Decimal, result *terminal.PaymentResult) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(h.pollAttempts+1)*h.pollInterval+time.Minute)
	defer cancel()

	session := models.TerminalSession{
		TransactionID:  result.TransactionID,
		TerminalRef:    terminalRef,
		Amount:         amount,
		Status:         models.SessionStatusPending,
		GatewayOutcome: result.GatewayOutcome,
		AuthCode:       result.AuthCode,
		Message:        result.Message,
	}

	status, err := terminal.Poll(ctx, func(ctx context.Context) (models.SessionStatus, error) {
		return h.channel.CheckStatus(ctx, result.TransactionID, terminalRef)
	}, h.pollAttempts, h.pollInterval, terminal.ObserverFunc(func(status models.SessionStatus, attempt int) {
		session.Status = status
		session.AttemptCount = attempt
		h.logger.Debug("Terminal session poll attempt",
			zap.String("transaction_id", session.TransactionID),
			zap.String("status", string(status)),
			zap.Int("attempt", attempt),
		)
	}))
	if err != nil {
		h.logger.Warn("Terminal session poll cancelled",
			zap.String("transaction_id", result.TransactionID), zap.Error(err))
		return
	}
	session.Status = status

	switch status {
	case models.SessionStatusApproved:
		h.recordApproved(ctx, invoiceNumber, amount, result)
	case models.SessionStatusTimeout:
		h.logger.Warn("Terminal session outcome unknown after poll budget, verify manually",
			zap.String("transaction_id", session.TransactionID),
			zap.String("terminal_ref", session.TerminalRef),
			zap.Int("attempts", session.AttemptCount),
		)
	default:
		h.logger.Info("Terminal session resolved without capture",
			zap.String("transaction_id", result.TransactionID),
			zap.String("status", string(status)),
		)
	}
}

// recordApproved attaches the approved transaction to its order when the
// invoice matches an open one. Reconciliation remains the safety net when it
// does not.
func (h *TerminalHandler) recordApproved(ctx context.Context, invoiceNumber string, amount decimal.Decimal, result *terminal.PaymentResult) {
	if invoiceNumber == "" {
		h.logger.Warn("Approved terminal payment carries no invoice number, leaving for reconciliation",
			zap.String("transaction_id", result.TransactionID))
		return
	}

	order, err := h.store.GetOpenOrderByInvoice(ctx, invoiceNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("No open order for approved terminal payment",
				zap.String("invoice_number", invoiceNumber),
				zap.String("transaction_id", result.TransactionID))
			return
		}
		h.logger.Error("Order lookup failed for approved terminal payment", zap.Error(err))
		return
	}

	rawResponse, _ := json.Marshal(models.RawResponseFields{
		ResponseCode: result.ResponseCode,
		AuthCode:     result.AuthCode,
		Message:      result.Message,
	})
	payment := &models.Payment{
		OrderID:       order.ID,
		Provider:      h.provider,
		TransactionID: result.TransactionID,
		AuthCode:      result.AuthCode,
		Status:        models.PaymentStatusAuthorized,
		Amount:        amount,
		RawResponse:   string(rawResponse),
	}
	if err := h.store.AttachPayment(ctx, order, payment); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return
		}
		h.logger.Error("Failed to attach approved terminal payment", zap.Error(err))
		return
	}

	if err := kafka.PublishSettlementEvent(ctx, h.producer, h.topic, models.SettlementEvent{
		EventType:     models.EventOrderPaid,
		OrderID:       order.ID,
		InvoiceNumber: order.InvoiceNumber,
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Provider:      payment.Provider,
		Amount:        payment.Amount.StringFixed(2),
		Status:        string(payment.Status),
		Source:        h.channel.Name(),
	}, h.logger); err != nil {
		h.logger.Error("Failed to publish order_paid event", zap.Error(err))
	}
}

func (h *TerminalHandler) respondChannelError(c *gin.Context, err error) {
	var chErr *terminal.ChannelError
	if !errors.As(err, &chErr) {
		h.logger.Error("Terminal payment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}

	// Transport faults are safe to retry once the terminal is reachable
	// again; protocol faults need the request fixed first.
	body := gin.H{
		"success":    false,
		"error":      chErr.Message,
		"error_code": string(chErr.Code),
		"retryable":  chErr.IsTransport(),
	}
	if chErr.Address != "" {
		body["terminal"] = chErr.Address
	}
	if chErr.Hint != "" {
		body["hint"] = chErr.Hint
	}

	status := http.StatusBadGateway
	switch chErr.Code {
	case terminal.ErrCodeInvalidAddress, terminal.ErrCodeTerminalNotConfigured:
		status = http.StatusBadRequest
	case terminal.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	h.logger.Warn("Terminal payment failed",
		zap.String("error_code", string(chErr.Code)),
		zap.String("terminal", chErr.Address),
	)
	c.JSON(status, body)
}
