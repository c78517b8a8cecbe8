package sftp

import (
	"errors"
	"fmt"
)

// StatusCode is an SSH_FX_* status code.
type StatusCode uint32

const (
	StatusOK               StatusCode = 0
	StatusEOF              StatusCode = 1
	StatusNoSuchFile       StatusCode = 2
	StatusPermissionDenied StatusCode = 3
	StatusFailure          StatusCode = 4
	StatusBadMessage       StatusCode = 5
	StatusNoConnection     StatusCode = 6
	StatusConnectionLost   StatusCode = 7
	StatusOpUnsupported    StatusCode = 8
)

var statusNames = map[StatusCode]string{
	StatusOK:               "ok",
	StatusEOF:              "eof",
	StatusNoSuchFile:       "no such file",
	StatusPermissionDenied: "permission denied",
	StatusFailure:          "failure",
	StatusBadMessage:       "bad message",
	StatusNoConnection:     "no connection",
	StatusConnectionLost:   "connection lost",
	StatusOpUnsupported:    "operation unsupported",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("status %d", uint32(c))
}

// Sentinels matched by *StatusError through errors.Is.
var (
	ErrEOF              = errors.New("sftp: end of file")
	ErrNoSuchFile       = errors.New("sftp: no such file")
	ErrPermissionDenied = errors.New("sftp: permission denied")
	ErrFailure          = errors.New("sftp: failure")
	ErrBadMessage       = errors.New("sftp: bad message")
	ErrNoConnection     = errors.New("sftp: no connection")
	ErrConnectionLost   = errors.New("sftp: connection lost")
	ErrOpUnsupported    = errors.New("sftp: operation unsupported")
)

var (
	// ErrClosed is returned after Client.Close.
	ErrClosed = errors.New("sftp: client closed")
	// ErrHandleClosed is returned for a file closed locally or invalidated
	// by teardown.
	ErrHandleClosed = errors.New("sftp: handle closed")
	// ErrCancelled resolves requests that were pending at teardown or whose
	// context ended.
	ErrCancelled = errors.New("sftp: request cancelled")
	// ErrUnsupportedVersion is returned when the server speaks a version
	// below 3.
	ErrUnsupportedVersion = errors.New("sftp: unsupported protocol version")
	// ErrSubsystemRefused is returned when the server refuses the sftp
	// subsystem.
	ErrSubsystemRefused = errors.New("sftp: subsystem refused")
)

var statusSentinels = map[StatusCode]error{
	StatusEOF:              ErrEOF,
	StatusNoSuchFile:       ErrNoSuchFile,
	StatusPermissionDenied: ErrPermissionDenied,
	StatusFailure:          ErrFailure,
	StatusBadMessage:       ErrBadMessage,
	StatusNoConnection:     ErrNoConnection,
	StatusConnectionLost:   ErrConnectionLost,
	StatusOpUnsupported:    ErrOpUnsupported,
}

// StatusError is a non-OK status response.
type StatusError struct {
	Op      string
	Path    string
	Code    StatusCode
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Code.String()
	if e.Message != "" && e.Message != msg {
		msg += ": " + e.Message
	}
	if e.Path != "" {
		return fmt.Sprintf("sftp: %s %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("sftp: %s: %s", e.Op, msg)
}

// Is reports whether target is the sentinel for e's code.
func (e *StatusError) Is(target error) bool {
	return statusSentinels[e.Code] == target
}
