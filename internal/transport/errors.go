package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrTimedOut is returned when the TCP connect or the handshake does
	// not finish before the deadline.
	ErrTimedOut = errors.New("transport: connection timed out")

	// ErrRefused is returned when the remote end actively refuses the
	// TCP connection.
	ErrRefused = errors.New("transport: connection refused")

	// ErrMACMismatch is returned when an incoming packet fails
	// authentication. The connection is closed.
	ErrMACMismatch = errors.New("transport: message authentication failed")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// HandshakeError reports a failure during version exchange, algorithm
// negotiation, key exchange or host key verification.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake failed during %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DisconnectError is returned when the peer sends SSH_MSG_DISCONNECT.
type DisconnectError struct {
	Reason  uint32
	Message string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("transport: disconnected by peer (reason %d): %s", e.Reason, e.Message)
}

// Disconnect reason codes (RFC 4253 section 11.1).
const (
	DisconnectProtocolError      = 2
	DisconnectKeyExchangeFailed  = 3
	DisconnectMACError           = 5
	DisconnectByApplication      = 11
	DisconnectNoMoreAuthMethods  = 14
	DisconnectHostKeyNotVerified = 9
)

// classifyDialError maps dial failures onto ErrTimedOut or ErrRefused so
// callers can branch with errors.Is.
func classifyDialError(addr string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("dial %s: %w: %w", addr, ErrTimedOut, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("dial %s: %w: %w", addr, ErrRefused, err)
	default:
		return fmt.Errorf("dial %s: %w", addr, err)
	}
}
