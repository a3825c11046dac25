package models

import "github.com/shopspring/decimal"

type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusApproved SessionStatus = "approved"
	SessionStatusDeclined SessionStatus = "declined"
	SessionStatusError    SessionStatus = "error"
	SessionStatusTimeout  SessionStatus = "timeout"
)

// TerminalSession is the transient state of one in-flight terminal charge.
// It is owned by the initiating call and discarded once the terminal answers
// or the poll budget is exhausted; it is never persisted.
type TerminalSession struct {
	TransactionID string
	TerminalRef   string
	Amount        decimal.Decimal
	Status        SessionStatus
	// GatewayOutcome keeps the gateway's raw code (approved, held_for_review,
	// error) when the local status is pending, so the two cases stay
	// distinguishable even though callers treat both as "still waiting".
	GatewayOutcome string
	AuthCode       string
	Message        string
	AttemptCount   int
}
