package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/acolita/sshkit/internal/client"
	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/session"
)

// shellPollInterval is how often the shell state is checked for exit.
const shellPollInterval = 100 * time.Millisecond

func newShellCmd(g *globalFlags) *cobra.Command {
	var ptyType string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return runShell(cmd.Context(), c, ptyType, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&ptyType, "pty", "xterm", "Terminal type: vanilla, vt100, vt102, vt220, ansi or xterm")
	return cmd
}

// runShell bridges a remote shell to in and out until the shell exits or
// ctx is done. A terminal on stdin is switched to raw mode for the
// duration.
func runShell(ctx context.Context, c *client.Client, ptyType string, in io.Reader, out io.Writer) error {
	unsubscribe := c.On(events.ShellData, func(ev events.Event) {
		io.WriteString(out, ev.Text)
	})
	defer unsubscribe()

	if err := c.StartShell(ctx, ptyType); err != nil {
		return err
	}
	defer c.CloseShell()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)

		if cols, rows, err := term.GetSize(fd); err == nil {
			c.ResizeShell(cols, rows)
		}
		stop := watchResize(fd, c)
		defer stop()
	}

	go forwardInput(c, in)

	ticker := time.NewTicker(shellPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch c.ShellState() {
			case session.StateClosed, session.StateIdle:
				return nil
			}
		}
	}
}

func forwardInput(c *client.Client, in io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := c.WriteToShell(string(buf[:n])); werr != nil {
				if !client.IsKind(werr, client.ShellStateError) {
					slog.Debug("shell input dropped", slog.String("error", werr.Error()))
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("stdin read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}
