package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"settlement-svc/models"

	"go.uber.org/zap"
)

// SocketConfig holds the timeouts for one LAN terminal. Sale responses wait
// for a cardholder interaction, so their budget is much larger than
// status/void exchanges.
type SocketConfig struct {
	Address        string
	ConnectTimeout time.Duration
	SaleTimeout    time.Duration
	StatusTimeout  time.Duration
}

func SocketConfigFromEnv() SocketConfig {
	return SocketConfig{
		Address:        getEnv("SOCKET_TERMINAL_ADDRESS", "192.168.1.50:9100"),
		ConnectTimeout: getEnvDuration("SOCKET_CONNECT_TIMEOUT", 10*time.Second),
		SaleTimeout:    getEnvDuration("SOCKET_SALE_TIMEOUT", 120*time.Second),
		StatusTimeout:  getEnvDuration("SOCKET_STATUS_TIMEOUT", 30*time.Second),
	}
}

// SocketChannel drives a terminal over a raw framed TCP exchange. Each call
// owns one connection for its duration and releases it on every exit path.
type SocketChannel struct {
	cfg    SocketConfig
	logger *zap.Logger
}

func NewSocketChannel(cfg SocketConfig, logger *zap.Logger) *SocketChannel {
	return &SocketChannel{cfg: cfg, logger: logger}
}

func (s *SocketChannel) Name() string {
	return "socket"
}

func (s *SocketChannel) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	address := s.cfg.Address
	if strings.TrimSpace(req.TerminalRef) != "" {
		address = req.TerminalRef
	}

	conn, err := Connect(ctx, address, s.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.Send(ctx, "SALE", map[string]string{
		"Amount":        req.Amount.StringFixed(2),
		"InvoiceNumber": req.InvoiceNumber,
		"Description":   req.Description,
	}, s.cfg.SaleTimeout)
	if err != nil {
		return nil, err
	}

	result := &PaymentResult{
		Status:        resp.SessionStatus(),
		TransactionID: resp.TransactionID,
		AuthCode:      resp.AuthCode,
		ResponseCode:  resp.ResponseCode,
		Message:       resp.Message,
	}
	s.logger.Info("Socket terminal sale completed",
		zap.String("address", address),
		zap.String("transaction_id", resp.TransactionID),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (s *SocketChannel) CheckStatus(ctx context.Context, transactionID, terminalRef string) (models.SessionStatus, error) {
	address := s.cfg.Address
	if strings.TrimSpace(terminalRef) != "" {
		address = terminalRef
	}

	conn, err := Connect(ctx, address, s.cfg.ConnectTimeout)
	if err != nil {
		return models.SessionStatusError, err
	}
	defer conn.Close()

	resp, err := conn.Send(ctx, "STATUS", map[string]string{
		"TransactionID": transactionID,
	}, s.cfg.StatusTimeout)
	if err != nil {
		return models.SessionStatusError, err
	}
	return resp.SessionStatus(), nil
}

// Conn is one live exchange with a terminal.
type Conn struct {
	nc      net.Conn
	reader  *bufio.Reader
	address string
}

// Connect validates the endpoint, then dials with a bounded timeout.
// Failures come back as structured ChannelError values naming the address.
func Connect(ctx context.Context, address string, timeout time.Duration) (*Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil || strings.TrimSpace(host) == "" {
		return nil, &ChannelError{
			Code:    ErrCodeInvalidAddress,
			Address: address,
			Message: "terminal address must be host:port",
			Hint:    "check the terminal network settings",
			Err:     err,
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, &ChannelError{
			Code:    ErrCodeInvalidAddress,
			Address: address,
			Message: "terminal port must be in 1..65535",
			Hint:    "check the terminal network settings",
		}
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(err, address)
	}
	return &Conn{nc: nc, reader: bufio.NewReader(nc), address: address}, nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Send writes one request envelope and waits for the terminal's framed
// response within the given timeout.
func (c *Conn) Send(ctx context.Context, requestType string, fields map[string]string, timeout time.Duration) (*Response, error) {
	envelope := map[string]string{
		"type":      requestType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		envelope[k] = v
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, &ChannelError{Code: ErrCodeGatewayError, Address: c.address, Message: "failed to encode request", Err: err}
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return nil, classifyIOError(err, c.address)
	}
	if _, err := c.nc.Write(append(payload, '\n')); err != nil {
		return nil, classifyIOError(err, c.address)
	}

	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, classifyIOError(err, c.address)
	}
	frame, err := c.readFrame()
	if err != nil {
		return nil, classifyIOError(err, c.address)
	}
	return ParseResponse(frame), nil
}

// readFrame accumulates inbound bytes until a complete frame is seen. A
// structured frame is one newline-terminated JSON object. Legacy firmware
// answers with Key=Value lines instead, terminated by a blank line or by
// closing the connection.
func (c *Conn) readFrame() ([]byte, error) {
	first, err := c.reader.ReadString('\n')
	if err != nil && first == "" {
		return nil, err
	}
	if strings.HasPrefix(strings.TrimSpace(first), "{") {
		return []byte(first), nil
	}

	var b strings.Builder
	b.WriteString(first)
	for {
		line, err := c.reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			b.WriteString(line)
		}
		if err != nil || strings.TrimSpace(line) == "" {
			break
		}
	}
	return []byte(b.String()), nil
}

// Response is the resolved field set of one terminal answer, whichever frame
// shape carried it.
type Response struct {
	Structured    bool
	ResponseCode  string
	TransactionID string
	AuthCode      string
	Message       string
	Status        string
	Fields        map[string]string
}

// ParseResponse tries structured decoding first and falls back to the
// line-oriented Key=Value shape older firmware emits. Downstream code only
// ever consumes the resolved fields.
func ParseResponse(frame []byte) *Response {
	trimmed := strings.TrimSpace(string(frame))

	var structured map[string]string
	if err := json.Unmarshal([]byte(trimmed), &structured); err == nil {
		return responseFromFields(structured, true)
	}

	legacy := make(map[string]string)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		legacy[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return responseFromFields(legacy, false)
}

func responseFromFields(fields map[string]string, structured bool) *Response {
	return &Response{
		Structured:    structured,
		ResponseCode:  fields["ResponseCode"],
		TransactionID: fields["TransactionID"],
		AuthCode:      fields["AuthCode"],
		Message:       fields["Message"],
		Status:        fields["Status"],
		Fields:        fields,
	}
}

// SessionStatus resolves the terminal's answer into the local vocabulary.
// The Status field wins when present; otherwise the ISO-style response code
// decides ("00" approved, anything else declined).
func (r *Response) SessionStatus() models.SessionStatus {
	switch strings.ToUpper(r.Status) {
	case "APPROVED", "SUCCESS":
		return models.SessionStatusApproved
	case "DECLINED", "FAILED", "CANCELLED":
		return models.SessionStatusDeclined
	case "PENDING", "PROCESSING":
		return models.SessionStatusPending
	case "":
		// fall through to the response code
	default:
		return models.SessionStatusError
	}
	switch r.ResponseCode {
	case "00", "0":
		return models.SessionStatusApproved
	case "":
		return models.SessionStatusError
	default:
		return models.SessionStatusDeclined
	}
}

func classifyDialError(err error, address string) *ChannelError {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return &ChannelError{
			Code:    ErrCodeTimeout,
			Address: address,
			Message: "terminal did not answer within the connect timeout",
			Hint:    "verify the terminal is powered on and reachable",
			Err:     err,
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ChannelError{
			Code:    ErrCodeConnectionRefused,
			Address: address,
			Message: "terminal refused the connection",
			Hint:    "verify the terminal service port",
			Err:     err,
		}
	default:
		return &ChannelError{
			Code:    ErrCodeUnreachable,
			Address: address,
			Message: "terminal is unreachable",
			Hint:    "verify the lane network cabling and address",
			Err:     err,
		}
	}
}

func classifyIOError(err error, address string) *ChannelError {
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &ChannelError{
			Code:    ErrCodeTimeout,
			Address: address,
			Message: "terminal did not respond before the timeout",
			Hint:    "verify the sale completed on the terminal before retrying",
			Err:     err,
		}
	}
	return &ChannelError{
		Code:    ErrCodeUnreachable,
		Address: address,
		Message: "connection to terminal was lost",
		Hint:    "verify the lane network before retrying",
		Err:     err,
	}
}
