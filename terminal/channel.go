package terminal

import (
	"context"
	"fmt"
	"strings"

	"settlement-svc/models"

	"github.com/shopspring/decimal"
)

// PaymentRequest describes one charge to run on a terminal. Token is the
// opaque single-use card representation from the client-side SDK; it is the
// only card-derived value that crosses this layer and it is never stored.
type PaymentRequest struct {
	Amount        decimal.Decimal
	TerminalRef   string
	InvoiceNumber string
	Description   string
	Token         string
}

// PaymentResult is the immediate outcome of an initiation. A pending status
// means the authoritative outcome arrives later, through CheckStatus polling
// or reconciliation.
type PaymentResult struct {
	Status        models.SessionStatus
	TransactionID string
	AuthCode      string
	ResponseCode  string
	// GatewayOutcome preserves the gateway's raw verdict (approved,
	// held_for_review, error) when Status is pending.
	GatewayOutcome string
	Message        string
}

// Channel is one payment rail. Implementations return structured
// ChannelError values for every failure; they never panic across this
// boundary.
type Channel interface {
	Name() string
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	CheckStatus(ctx context.Context, transactionID, terminalRef string) (models.SessionStatus, error)
}

var channels = make(map[string]Channel)

// Register adds a channel variant under its name. Called from main during
// wiring; not safe for concurrent use after startup.
func Register(ch Channel) {
	channels[ch.Name()] = ch
}

func Get(name string) (Channel, error) {
	ch, ok := channels[name]
	if !ok {
		return nil, fmt.Errorf("terminal channel '%s' not registered", name)
	}
	return ch, nil
}

// requireTerminalRef enforces the shared precondition: an empty or
// whitespace terminal reference fails fast, before any network call.
func requireTerminalRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return notConfiguredError()
	}
	return nil
}
