package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	ErrAdmissionRejected   = errors.New("server at capacity")
	ErrConfigNotFound      = errors.New("configuration not found")
	ErrAuthFailure         = errors.New("authentication failed")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
	ErrTransportDisconnect = errors.New("transport disconnected")
	ErrTimeout             = errors.New("connection time limit reached")
	ErrUpstreamFailure     = errors.New("upstream failure")
)

// maxCloseReason is the room left for a reason in a control frame payload.
const maxCloseReason = 123

// UpstreamCloseError is an upstream link that ended abnormally: a close code
// other than 1000, 1001 or 1005, a missed keep-alive deadline, or a dropped
// socket.
type UpstreamCloseError struct {
	Code   int
	Reason string
}

func (e *UpstreamCloseError) Error() string {
	return fmt.Sprintf("upstream closed with code %d: %s", e.Code, e.Reason)
}

func (e *UpstreamCloseError) Unwrap() error { return ErrUpstreamFailure }

// CloseFrame is the websocket close code and reason sent to a client.
type CloseFrame struct {
	Code   int
	Reason string
}

// CloseFor maps a terminal relay error to the close frame reported to the client.
func CloseFor(err error) CloseFrame {
	switch {
	case err == nil:
		return CloseFrame{Code: websocket.CloseNormalClosure, Reason: ""}
	case errors.Is(err, ErrAdmissionRejected):
		return CloseFrame{Code: websocket.ClosePolicyViolation, Reason: "Server at capacity"}
	case errors.Is(err, ErrConfigNotFound):
		return CloseFrame{Code: websocket.CloseInternalServerErr, Reason: "Configuration not found"}
	case errors.Is(err, ErrAuthFailure):
		return CloseFrame{Code: websocket.CloseInternalServerErr, Reason: "Authentication failed"}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CloseFrame{Code: websocket.CloseNormalClosure, Reason: "Connection time limit reached"}
	case errors.Is(err, ErrUpstreamFailure):
		reason := "Upstream error"
		var upErr *UpstreamCloseError
		if errors.As(err, &upErr) && strings.TrimSpace(upErr.Reason) != "" {
			reason = truncateReason(upErr.Reason)
		}
		return CloseFrame{Code: websocket.CloseInternalServerErr, Reason: reason}
	case errors.Is(err, ErrTransportDisconnect):
		return CloseFrame{Code: websocket.CloseNormalClosure, Reason: "Upstream closed"}
	case errors.Is(err, context.Canceled):
		return CloseFrame{Code: websocket.CloseGoingAway, Reason: "Server shutting down"}
	default:
		return CloseFrame{Code: websocket.CloseInternalServerErr, Reason: "Internal error"}
	}
}

// Cause returns a short label for metrics and logs.
func Cause(err error) string {
	switch {
	case err == nil:
		return "normal"
	case errors.Is(err, ErrAdmissionRejected):
		return "admission_rejected"
	case errors.Is(err, ErrConfigNotFound):
		return "config_not_found"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_error"
	case errors.Is(err, ErrTransportDisconnect):
		return "disconnect"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// IsDisconnect reports whether a client read or write error is a peer close or
// a broken socket. Upstream errors go through UpstreamReadError instead.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// UpstreamReadError sorts an error from reading the upstream socket. Orderly
// closes (1000, 1001, 1005) and a socket already closed on this side wrap
// ErrTransportDisconnect. Everything else becomes an *UpstreamCloseError.
func UpstreamReadError(err error) error {
	if err == nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return fmt.Errorf("upstream closed: %w", ErrTransportDisconnect)
		case websocket.CloseAbnormalClosure:
			return &UpstreamCloseError{Code: closeErr.Code, Reason: "Upstream connection lost"}
		default:
			return &UpstreamCloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("upstream closed: %w", ErrTransportDisconnect)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamCloseError{Code: websocket.CloseAbnormalClosure, Reason: "Upstream keepalive timeout"}
	}
	return &UpstreamCloseError{Code: websocket.CloseAbnormalClosure, Reason: "Upstream connection lost"}
}

func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	return strings.ToValidUTF8(s[:maxCloseReason], "")
}

// IsRetryableHTTPStatus classifies transient HTTP status codes. The relay never
// retries; this only labels upstream handshake failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
