package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned for operations on a closed channel.
	ErrChannelClosed = errors.New("mux: channel closed")
	// ErrWindowViolation fails a channel whose peer sent more data than
	// the receive window allowed.
	ErrWindowViolation = errors.New("mux: peer exceeded receive window")
	// ErrCancelled is returned when a context ends a wait.
	ErrCancelled = errors.New("mux: cancelled")
	// ErrMuxClosed is returned after Close.
	ErrMuxClosed = errors.New("mux: connection closed")
	// ErrConnectionLost wraps the transport error that ended the reader.
	ErrConnectionLost = errors.New("mux: connection lost")
)

// RejectionReason is the reason code of a refused channel open.
type RejectionReason uint32

const (
	Prohibited RejectionReason = iota + 1
	ConnectionFailed
	UnknownChannelType
	ResourceShortage
)

func (r RejectionReason) String() string {
	switch r {
	case Prohibited:
		return "administratively prohibited"
	case ConnectionFailed:
		return "connect failed"
	case UnknownChannelType:
		return "unknown channel type"
	case ResourceShortage:
		return "resource shortage"
	}
	return fmt.Sprintf("unknown reason %d", int(r))
}

// OpenChannelError is returned when the server refuses a channel.
type OpenChannelError struct {
	Reason  RejectionReason
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("mux: channel open refused: %s (%s)", e.Message, e.Reason)
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
