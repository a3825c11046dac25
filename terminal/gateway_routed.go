package terminal

import (
	"context"
	"errors"

	"settlement-svc/gateway"
	"settlement-svc/models"

	"go.uber.org/zap"
)

// GatewayRoutedChannel submits a charge to the card gateway tagged with a
// terminal id; the gateway dispatches the prompt to the terminal itself.
// The initiating call only ever learns "pending" or an immediate error.
type GatewayRoutedChannel struct {
	gw     *gateway.Client
	logger *zap.Logger
}

func NewGatewayRoutedChannel(gw *gateway.Client, logger *zap.Logger) *GatewayRoutedChannel {
	return &GatewayRoutedChannel{gw: gw, logger: logger}
}

func (g *GatewayRoutedChannel) Name() string {
	return "gateway"
}

func (g *GatewayRoutedChannel) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := requireTerminalRef(req.TerminalRef); err != nil {
		return nil, err
	}

	res, err := g.gw.Charge(ctx, gateway.ChargeRequest{
		Amount:        req.Amount,
		TerminalID:    req.TerminalRef,
		InvoiceNumber: req.InvoiceNumber,
		Description:   req.Description,
		Token:         req.Token,
	})
	if err != nil {
		return nil, g.wrapError(err, req.TerminalRef)
	}

	result := &PaymentResult{
		TransactionID:  res.TransactionID,
		AuthCode:       res.AuthCode,
		ResponseCode:   res.MessageCode,
		GatewayOutcome: res.Code.String(),
		Message:        res.Message,
	}

	// A terminal-routed charge can report "approved" before the cardholder
	// has finished at the device, and held-for-review charges resolve later.
	// Both stay pending locally; the authoritative outcome comes from
	// CheckStatus or reconciliation. The raw verdict is kept on the result.
	switch res.Code {
	case gateway.CodeApproved, gateway.CodeHeldForReview, gateway.CodeError:
		result.Status = models.SessionStatusPending
	case gateway.CodeDeclined:
		result.Status = models.SessionStatusDeclined
	default:
		result.Status = models.SessionStatusPending
	}

	g.logger.Info("Gateway-routed payment initiated",
		zap.String("terminal_id", req.TerminalRef),
		zap.String("transaction_id", res.TransactionID),
		zap.String("gateway_outcome", result.GatewayOutcome),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (g *GatewayRoutedChannel) CheckStatus(ctx context.Context, transactionID, terminalRef string) (models.SessionStatus, error) {
	details, err := g.gw.GetTransactionDetails(ctx, transactionID)
	if err != nil {
		return models.SessionStatusError, g.wrapError(err, terminalRef)
	}
	return gateway.SessionStatusForTransaction(details.Status), nil
}

func (g *GatewayRoutedChannel) wrapError(err error, terminalRef string) error {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ChannelError{
			Code:    ErrCodeTimeout,
			Address: terminalRef,
			Message: "gateway did not respond in time",
			Hint:    "retry the charge once the gateway is responsive",
			Err:     err,
		}
	}
	return &ChannelError{
		Code:    ErrCodeGatewayError,
		Address: terminalRef,
		Message: "unexpected gateway response",
		Hint:    "check gateway status before retrying",
		Err:     err,
	}
}
