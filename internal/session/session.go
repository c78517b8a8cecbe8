// Package session runs commands and interactive PTY shells on session
// channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/mux"
)

var (
	// ErrInvalidState is returned for shell operations the current state
	// does not allow.
	ErrInvalidState = errors.New("session: invalid shell state")
	// ErrShellOpenFailed wraps the cause of a failed shell start.
	ErrShellOpenFailed = errors.New("session: shell open failed")
	// ErrRequestRefused is returned when the server answers a channel
	// request with failure.
	ErrRequestRefused = errors.New("session: request refused")
	// ErrUnknownPtyType is returned by ParsePtyType.
	ErrUnknownPtyType = errors.New("session: unknown pty type")
)

// Opener opens channels. *mux.Mux implements it.
type Opener interface {
	OpenChannel(ctx context.Context, chanType string, extra []byte, opts mux.OpenOptions) (*mux.Channel, error)
}

// ExitError reports a command that exited with a non-zero status or was
// killed by a signal.
type ExitError struct {
	Status  int
	Signal  string
	Message string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		if e.Message != "" {
			return fmt.Sprintf("process killed by signal %s: %s", e.Signal, e.Message)
		}
		return "process killed by signal " + e.Signal
	}
	return fmt.Sprintf("process exited with status %d", e.Status)
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// exitInfo collects exit-status and exit-signal requests. It is written on
// the reader goroutine.
type exitInfo struct {
	mu      sync.Mutex
	status  int
	signal  string
	message string
	seen    bool
}

func (x *exitInfo) handle(req *mux.Request) bool {
	switch req.Type {
	case "exit-status":
		var msg exitStatusMsg
		if ssh.Unmarshal(req.Payload, &msg) != nil {
			return false
		}
		x.mu.Lock()
		x.status, x.seen = int(msg.Status), true
		x.mu.Unlock()
		return true
	case "exit-signal":
		var msg exitSignalMsg
		if ssh.Unmarshal(req.Payload, &msg) != nil {
			return false
		}
		x.mu.Lock()
		x.signal, x.message, x.seen = msg.Signal, msg.Error, true
		x.mu.Unlock()
		return true
	}
	return false
}

// err returns the exit as an error, or nil for status 0. A channel that
// closed without reporting an exit is treated as a clean exit.
func (x *exitInfo) err() *ExitError {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.signal != "" {
		return &ExitError{Status: -1, Signal: x.signal, Message: x.message}
	}
	if x.status != 0 {
		return &ExitError{Status: x.status}
	}
	return nil
}

func (x *exitInfo) result() (status int, signal string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.signal != "" {
		return -1, x.signal
	}
	return x.status, ""
}

// sendRequest sends a channel request that must succeed.
func sendRequest(ctx context.Context, c *mux.Channel, name string, payload []byte) error {
	ok, err := c.SendRequest(ctx, name, true, payload)
	if err != nil {
		return fmt.Errorf("%s request: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestRefused, name)
	}
	return nil
}

// signalName normalizes "SIGINT", "sigint" and "INT" to "INT".
func signalName(name string) string {
	return strings.TrimPrefix(strings.ToUpper(name), "SIG")
}
