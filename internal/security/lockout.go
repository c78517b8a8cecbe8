// Package security holds the credential hygiene used during
// authentication: a per-target failure lockout, secret wiping and the
// sealed box that carries prompts between processes.
package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/ports"
)

// Lockout defaults.
const (
	DefaultMaxAuthFailures     = 3
	DefaultAuthLockoutDuration = 5 * time.Minute
)

// ErrLocked matches any *LockedError with errors.Is.
var ErrLocked = errors.New("authentication locked out")

// LockedError reports an active lockout for user@host.
type LockedError struct {
	Host      string
	User      string
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("authentication for %s@%s locked for %s", e.User, e.Host, e.Remaining.Round(time.Second))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

type target struct{ host, user string }

type strikes struct {
	count    int
	first    time.Time
	lockedAt time.Time // zero while not locked
}

// Lockout refuses further attempts against a host and user once
// consecutive failures reach the limit, until the lockout duration has
// passed. It is shared by every client built from one config, so parallel
// sessions cannot multiply password guesses.
type Lockout struct {
	mu       sync.Mutex
	clock    ports.Clock
	max      int
	duration time.Duration
	targets  map[target]*strikes
}

// NewLockout returns a lockout. Non-positive limits select the defaults
// and a nil clock reads the wall clock.
func NewLockout(maxFailures int, duration time.Duration, clock ports.Clock) *Lockout {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxAuthFailures
	}
	if duration <= 0 {
		duration = DefaultAuthLockoutDuration
	}
	if clock == nil {
		clock = realclock.New()
	}
	return &Lockout{clock: clock, max: maxFailures, duration: duration, targets: map[target]*strikes{}}
}

// Check returns a *LockedError while user@host is locked out.
func (l *Lockout) Check(host, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.targets[target{host, user}]
	if s == nil || s.lockedAt.IsZero() {
		return nil
	}
	if left := l.duration - l.clock.Now().Sub(s.lockedAt); left > 0 {
		return &LockedError{Host: host, User: user, Remaining: left}
	}
	return nil
}

// Fail counts a rejected attempt. Reaching the limit starts the lockout;
// a failure after an expired lockout starts a new count.
func (l *Lockout) Fail(host, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.prune(now)

	t := target{host, user}
	s := l.targets[t]
	if s == nil || l.expired(s, now) {
		s = &strikes{first: now}
		l.targets[t] = s
	}
	s.count++
	if s.count >= l.max && s.lockedAt.IsZero() {
		s.lockedAt = now
	}
}

// Succeed clears the count for user@host.
func (l *Lockout) Succeed(host, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.targets, target{host, user})
}

func (l *Lockout) expired(s *strikes, now time.Time) bool {
	return !s.lockedAt.IsZero() && now.Sub(s.lockedAt) >= l.duration
}

// prune drops expired lockouts and counts idle for twice the duration.
// Callers hold mu.
func (l *Lockout) prune(now time.Time) {
	for t, s := range l.targets {
		if l.expired(s, now) || (s.lockedAt.IsZero() && now.Sub(s.first) >= 2*l.duration) {
			delete(l.targets, t)
		}
	}
}

func (l *Lockout) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.targets)
}
