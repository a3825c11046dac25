package handlers

import (
	"errors"
	"net/http"

	"settlement-svc/payments"
	"settlement-svc/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	svc    *payments.Service
	logger *zap.Logger
}

func NewPaymentHandler(svc *payments.Service, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, logger: logger}
}

func (h *PaymentHandler) Void(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-svc").Start(c.Request.Context(), "VoidPayment")
	defer span.End()

	transactionID := c.Param("transactionID")
	span.SetAttributes(attribute.String("transaction_id", transactionID))

	payment, err := h.svc.Void(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		h.respondActionError(c, err, "void")
		return
	}
	c.JSON(http.StatusOK, payment)
}

type RefundRequest struct {
	Amount       string `json:"amount"`
	AccountLast4 string `json:"account_last4"`
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-svc").Start(c.Request.Context(), "RefundPayment")
	defer span.End()

	transactionID := c.Param("transactionID")
	span.SetAttributes(attribute.String("transaction_id", transactionID))

	// An empty body means a full refund of the settled remainder.
	var req RefundRequest
	_ = c.ShouldBindJSON(&req)

	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || amount.LessThan(decimal.Zero) || amount.Exponent() < -2 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "amount must be a non-negative value with at most two decimal places",
				"error_code": "invalid_input",
			})
			return
		}
	}

	payment, err := h.svc.Refund(ctx, transactionID, amount, req.AccountLast4)
	if err != nil {
		span.RecordError(err)
		h.respondActionError(c, err, "refund")
		return
	}
	c.JSON(http.StatusOK, payment)
}

// respondActionError distinguishes precondition failures (conflict, the
// gateway was never called) from lookup and gateway failures.
func (h *PaymentHandler) respondActionError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
	case errors.Is(err, payments.ErrPaymentSettled),
		errors.Is(err, payments.ErrPaymentNotSettled),
		errors.Is(err, payments.ErrPaymentFinalized),
		errors.Is(err, payments.ErrRefundExceedsSettled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_code": "precondition_failed"})
	default:
		h.logger.Error("Payment action failed", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "error_code": "gateway_error"})
	}
}
