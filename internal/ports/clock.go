// Package ports holds the interfaces sshkit uses to reach the outside
// world, so tests can swap in deterministic fakes.
package ports

import (
	"io"
	"time"
)

// Clock is the time source for keepalives, event stamps, recording offsets
// and transfer progress throttling.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Random supplies packet padding, KEX cookies and ephemeral key material.
// Implementations used outside tests must be cryptographically secure.
type Random interface {
	io.Reader
}
