package client

import (
	"context"
	"errors"
	"fmt"
	"path"
	"testing"

	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/mux"
	"github.com/acolita/sshkit/internal/session"
	"github.com/acolita/sshkit/internal/sftp"
	"github.com/acolita/sshkit/internal/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"refused", fmt.Errorf("dial: %w", transport.ErrRefused), ConnectionError},
		{"mac", transport.ErrMACMismatch, ConnectionError},
		{"auth", &auth.Error{Kind: auth.WrongCredential}, AuthError},
		{"no shell", ErrNoShell, ShellStateError},
		{"invalid state", fmt.Errorf("%w: write in state closed", session.ErrInvalidState), ShellStateError},
		{"status", &sftp.StatusError{Op: "stat", Code: sftp.StatusNoSuchFile}, SftpStatusError},
		{"open refused", &mux.OpenChannelError{Reason: mux.Prohibited}, ChannelError},
		{"shell open failed", fmt.Errorf("%w: refused", session.ErrShellOpenFailed), ChannelError},
		{"handle closed", sftp.ErrHandleClosed, ChannelError},
		{"context cancelled", context.Canceled, Cancelled},
		{"mux cancelled", fmt.Errorf("%w: %w", mux.ErrCancelled, context.DeadlineExceeded), Cancelled},
		{"sftp cancelled", fmt.Errorf("%w: %w", sftp.ErrCancelled, sftp.ErrClosed), Cancelled},
		{"sftp teardown", fmt.Errorf("%w: %w", sftp.ErrCancelled, sftp.ErrConnectionLost), ConnectionError},
		{"mux lost", fmt.Errorf("%w: eof", mux.ErrConnectionLost), ConnectionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if wrap("op", nil) != nil {
		t.Error("wrap(nil) should be nil")
	}

	inner := &Error{Kind: AuthError, Op: "connect", Err: errors.New("x")}
	if got := wrap("other", inner); got != inner {
		t.Errorf("wrap() rewrapped a *Error: %v", got)
	}

	err := wrap("stat", &sftp.StatusError{Op: "stat", Path: "/x", Code: sftp.StatusNoSuchFile})
	if !IsKind(err, SftpStatusError) {
		t.Errorf("IsKind(%v, SftpStatusError) = false", err)
	}
	if !errors.Is(err, sftp.ErrNoSuchFile) {
		t.Errorf("errors.Is(%v, sftp.ErrNoSuchFile) = false", err)
	}
	want := "stat: sftp error: sftp: stat /x: no such file"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{ConnectionError, "connection error"},
		{AuthError, "authentication error"},
		{ShellStateError, "shell state error"},
		{Cancelled, "cancelled"},
		{Kind(99), "Kind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestConnectOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ConnectOptions
		wantErr bool
	}{
		{"ok", ConnectOptions{Host: "h", User: "u"}, false},
		{"no host", ConnectOptions{User: "u"}, true},
		{"no user", ConnectOptions{Host: "h"}, true},
		{"bad port", ConnectOptions{Host: "h", User: "u", Port: 70000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			err := opts.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (opts.Port != DefaultPort || opts.Timeout != DefaultTimeout) {
				t.Errorf("defaults not applied: %+v", opts)
			}
		})
	}
	if got := (ConnectOptions{Host: "::1", Port: 2222}).Addr(); got != "[::1]:2222" {
		t.Errorf("Addr() = %q, want [::1]:2222", got)
	}
}

func TestExcluded(t *testing.T) {
	patterns := []string{".git", "*.pyc", "build/**"}
	tests := []struct {
		rel  string
		want bool
	}{
		{".git", true},
		{"src/.git", true},
		{"a/b/c.pyc", true},
		{"build/out/bin", true},
		{"src/main.go", false},
		{"builder", false},
	}
	for _, tt := range tests {
		if got := excluded(path.Base(tt.rel), tt.rel, patterns); got != tt.want {
			t.Errorf("excluded(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}
