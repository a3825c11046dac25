package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"settlement-svc/models"
	"settlement-svc/payments"
	"settlement-svc/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrderHandler struct {
	store  *store.Store
	logger *zap.Logger
}

func NewOrderHandler(st *store.Store, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{store: st, logger: logger}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-svc").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_code": "invalid_input"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) || amount.Exponent() < -2 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "amount must be a positive value with at most two decimal places",
			"error_code": "invalid_input",
		})
		return
	}

	span.SetAttributes(
		attribute.Int("lane_id", req.LaneID),
		attribute.String("amount", amount.StringFixed(2)),
	)

	order, err := h.store.CreateOrder(ctx, amount, req.LaneID, req.CreatedBy, req.Notes)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("order.id", order.ID))
	c.JSON(http.StatusCreated, order)
}

// PaymentStatus answers the UI's periodic status poll: the order, its active
// payment when one exists, and which actions are currently permitted.
func (h *OrderHandler) PaymentStatus(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-svc").Start(c.Request.Context(), "PaymentStatus")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var paymentBody gin.H
	payment, err := h.store.GetActivePaymentByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if payment != nil {
		paymentBody = gin.H{
			"transaction_id": payment.TransactionID,
			"auth_code":      payment.AuthCode,
			"status":         payment.Status,
			"amount":         payment.Amount.StringFixed(2),
			"settled_at":     payment.SettledAt,
		}
	}

	canVoid, canRefund := payments.Actions(payment)
	c.JSON(http.StatusOK, gin.H{
		"order": gin.H{
			"id":             order.ID,
			"invoice_number": order.InvoiceNumber,
			"status":         order.Status,
			"amount":         order.Amount.StringFixed(2),
		},
		"payment": paymentBody,
		"actions": gin.H{
			"can_void":   canVoid,
			"can_refund": canRefund,
		},
	})
}
