// Package realclock backs ports.Clock with the time package.
package realclock

import (
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// Clock reads the wall clock.
type Clock struct{}

var _ ports.Clock = Clock{}

// New returns the wall clock.
func New() Clock { return Clock{} }

func (Clock) Now() time.Time { return time.Now() }

func (Clock) NewTicker(d time.Duration) ports.Ticker {
	return ticker{time.NewTicker(d)}
}

type ticker struct{ *time.Ticker }

func (t ticker) C() <-chan time.Time { return t.Ticker.C }
