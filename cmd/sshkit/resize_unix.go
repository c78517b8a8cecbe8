//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/acolita/sshkit/internal/client"
)

// watchResize forwards terminal size changes to the remote shell.
func watchResize(fd int, c *client.Client) (stop func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
				if cols, rows, err := term.GetSize(fd); err == nil {
					c.ResizeShell(cols, rows)
				}
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
