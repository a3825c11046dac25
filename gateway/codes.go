package gateway

import "settlement-svc/models"

// ResponseCode is the gateway's charge verdict taxonomy.
type ResponseCode int

const (
	CodeApproved      ResponseCode = 1
	CodeDeclined      ResponseCode = 2
	CodeError         ResponseCode = 3
	CodeHeldForReview ResponseCode = 4
)

func (c ResponseCode) String() string {
	switch c {
	case CodeApproved:
		return "approved"
	case CodeDeclined:
		return "declined"
	case CodeError:
		return "error"
	case CodeHeldForReview:
		return "held_for_review"
	default:
		return "unknown"
	}
}

// Settlement vocabulary used by the reporting and transaction-detail
// endpoints.
const (
	TxSettledSuccessfully       = "settledSuccessfully"
	TxCapturedPendingSettlement = "capturedPendingSettlement"
	TxAuthorizedPendingCapture  = "authorizedPendingCapture"
	TxDeclined                  = "declined"
	TxVoided                    = "voided"
	TxRefundSettledSuccessfully = "refundSettledSuccessfully"
	TxRefundPendingSettlement   = "refundPendingSettlement"
	TxFDSPendingReview          = "FDSPendingReview"
)

// SessionStatusForTransaction derives a local session status from the
// settlement vocabulary: anything captured or settled counts as approved,
// declined/voided/refunded count as declined, everything else is still
// pending.
func SessionStatusForTransaction(status string) models.SessionStatus {
	switch status {
	case TxSettledSuccessfully, TxAuthorizedPendingCapture, TxCapturedPendingSettlement:
		return models.SessionStatusApproved
	case TxDeclined, TxVoided, TxRefundSettledSuccessfully, TxRefundPendingSettlement:
		return models.SessionStatusDeclined
	default:
		return models.SessionStatusPending
	}
}

// IsSettled reports whether a transaction has entered a settlement batch,
// the point at which it becomes refund-eligible and void-ineligible.
func IsSettled(status string) bool {
	return status == TxSettledSuccessfully || status == TxRefundSettledSuccessfully
}
