package client

import (
	"context"
	"log/slog"

	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/session"
)

// StartShell opens an interactive PTY shell whose output is published as
// shell-data events. A second call while a shell is open or opening is a
// no-op and returns at once.
func (c *Client) StartShell(ctx context.Context, pty string) error {
	ptyType, err := session.ParsePtyType(pty)
	if err != nil {
		return &Error{Kind: ShellStateError, Op: "start shell", Err: err}
	}

	conn, err := c.current("start shell")
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.shellStarting {
		c.mu.Unlock()
		return nil
	}
	if c.shell != nil {
		switch c.shell.State() {
		case session.StateOpening, session.StateActive:
			c.mu.Unlock()
			return nil
		}
	}
	c.shellStarting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.shellStarting = false
		c.mu.Unlock()
	}()

	size := session.DefaultSize
	var rec session.Recorder
	if c.opts.Recorders != nil {
		rec, err = c.opts.Recorders.NewRecorder(c.key, int(size.Cols), int(size.Rows), ptyType.Term())
		if err != nil {
			slog.Warn("shell recording disabled",
				slog.String("session", c.key),
				slog.String("error", err.Error()),
			)
			rec = nil
		}
	}

	sh := session.NewShell(conn.mux, session.ShellOptions{
		Pty:      ptyType,
		Size:     size,
		Recorder: rec,
		OnData: func(data []byte) {
			c.publish(events.Event{Kind: events.ShellData, Text: string(data)})
		},
		OnExit: func(err error) {
			if err != nil {
				slog.Debug("shell exited", slog.String("session", c.key), slog.String("error", err.Error()))
			}
		},
	})
	if err := sh.Start(ctx); err != nil {
		return wrap("start shell", err)
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		sh.Close()
		return &Error{Kind: ConnectionError, Op: "start shell", Err: ErrNotConnected}
	}
	c.shell = sh
	c.mu.Unlock()
	return nil
}

func (c *Client) activeShell(op string) (*session.Shell, error) {
	c.mu.Lock()
	sh := c.shell
	c.mu.Unlock()
	if sh == nil || sh.State() != session.StateActive {
		return nil, &Error{Kind: ShellStateError, Op: op, Err: ErrNoShell}
	}
	return sh, nil
}

// ShellState returns the state of the current shell, or StateIdle when
// none was started.
func (c *Client) ShellState() session.State {
	c.mu.Lock()
	sh := c.shell
	c.mu.Unlock()
	if sh == nil {
		return session.StateIdle
	}
	return sh.State()
}

// WriteToShell sends text to the active shell.
func (c *Client) WriteToShell(text string) error {
	sh, err := c.activeShell("write to shell")
	if err != nil {
		return err
	}
	_, err = sh.Write([]byte(text))
	return wrap("write to shell", err)
}

// ResizeShell changes the terminal size of the active shell.
func (c *Client) ResizeShell(cols, rows int) error {
	sh, err := c.activeShell("resize shell")
	if err != nil {
		return err
	}
	return wrap("resize shell", sh.Resize(uint32(cols), uint32(rows)))
}

// SignalShell sends a signal such as "INT" to the active shell's process.
func (c *Client) SignalShell(name string) error {
	sh, err := c.activeShell("signal shell")
	if err != nil {
		return err
	}
	return wrap("signal shell", sh.Signal(name))
}

// InterruptShell writes Ctrl+C to the active shell.
func (c *Client) InterruptShell() error {
	sh, err := c.activeShell("interrupt shell")
	if err != nil {
		return err
	}
	return wrap("interrupt shell", sh.Interrupt())
}

// CloseShell closes the shell. It is idempotent.
func (c *Client) CloseShell() error {
	c.mu.Lock()
	sh := c.shell
	c.shell = nil
	c.mu.Unlock()
	if sh == nil {
		return nil
	}
	return wrap("close shell", sh.Close())
}
