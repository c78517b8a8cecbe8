//go:build windows

package main

import "github.com/acolita/sshkit/internal/client"

// watchResize is a no-op: Windows consoles raise no resize signal.
func watchResize(fd int, c *client.Client) (stop func()) {
	return func() {}
}
