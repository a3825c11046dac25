package terminal

import "fmt"

type ErrorCode string

const (
	ErrCodeInvalidAddress        ErrorCode = "invalid_address"
	ErrCodeConnectionRefused     ErrorCode = "connection_refused"
	ErrCodeUnreachable           ErrorCode = "unreachable"
	ErrCodeTimeout               ErrorCode = "timeout"
	ErrCodeTerminalNotConfigured ErrorCode = "terminal_not_configured"
	ErrCodeGatewayDeclined       ErrorCode = "gateway_declined"
	ErrCodeGatewayError          ErrorCode = "gateway_error"
)

// ChannelError is the structured failure every channel returns across the
// boundary. It names the failing address or terminal reference and carries an
// actionable hint for the cashier-facing surface.
type ChannelError struct {
	Code    ErrorCode
	Address string
	Message string
	Hint    string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Address)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether the failure is a transport problem the user may
// retry, as opposed to a business decline or a precondition failure.
func (e *ChannelError) IsTransport() bool {
	switch e.Code {
	case ErrCodeConnectionRefused, ErrCodeUnreachable, ErrCodeTimeout:
		return true
	}
	return false
}

func notConfiguredError() *ChannelError {
	return &ChannelError{
		Code:    ErrCodeTerminalNotConfigured,
		Message: "no terminal reference configured for this lane",
		Hint:    "assign a terminal to the lane in device settings",
	}
}
