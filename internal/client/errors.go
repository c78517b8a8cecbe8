package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/mux"
	"github.com/acolita/sshkit/internal/session"
	"github.com/acolita/sshkit/internal/sftp"
)

// Kind classifies a facade error.
type Kind int

const (
	ConnectionError Kind = iota + 1
	AuthError
	ChannelError
	ShellStateError
	SftpStatusError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ConnectionError:
		return "connection error"
	case AuthError:
		return "authentication error"
	case ChannelError:
		return "channel error"
	case ShellStateError:
		return "shell state error"
	case SftpStatusError:
		return "sftp error"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	// ErrAlreadyConnected is returned by Connect while a connection is live.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrNoShell is returned by shell operations without an active shell.
	ErrNoShell = errors.New("shell not active")
	// ErrForwardNotFound is returned by CloseForward for an unknown id.
	ErrForwardNotFound = errors.New("forward not found")
)

// Error is returned by every Client operation. Err keeps the package
// error, so errors.Is and errors.As reach sentinels such as
// sftp.ErrNoSuchFile or types such as *auth.Error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// wrap classifies err for op. nil stays nil and a *Error passes through.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	var authErr *auth.Error
	var statusErr *sftp.StatusError
	var openErr *mux.OpenChannelError
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, mux.ErrCancelled) && !errors.Is(err, mux.ErrConnectionLost),
		errors.Is(err, sftp.ErrCancelled) && !errors.Is(err, sftp.ErrConnectionLost):
		return Cancelled
	case errors.As(err, &authErr):
		return AuthError
	case errors.Is(err, ErrNoShell), errors.Is(err, session.ErrInvalidState):
		return ShellStateError
	case errors.As(err, &statusErr):
		return SftpStatusError
	case errors.As(err, &openErr),
		errors.Is(err, mux.ErrChannelClosed),
		errors.Is(err, mux.ErrWindowViolation),
		errors.Is(err, session.ErrShellOpenFailed),
		errors.Is(err, session.ErrRequestRefused),
		errors.Is(err, sftp.ErrSubsystemRefused),
		errors.Is(err, sftp.ErrHandleClosed):
		return ChannelError
	}
	return ConnectionError
}
