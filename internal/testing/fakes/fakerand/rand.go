// Package fakerand provides reproducible ports.Random sources.
package fakerand

import (
	"errors"
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// ErrExhausted is returned by a Limited source once its budget is spent.
var ErrExhausted = errors.New("fakerand: exhausted")

// Source repeats a byte pattern forever.
type Source struct {
	mu      sync.Mutex
	pattern []byte
	pos     int
	budget  int // -1 means unlimited
}

var _ ports.Random = (*Source)(nil)

// NewFixed repeats pattern. It panics on an empty pattern.
func NewFixed(pattern []byte) *Source {
	if len(pattern) == 0 {
		panic("fakerand: empty pattern")
	}
	return &Source{pattern: append([]byte(nil), pattern...), budget: -1}
}

// NewSequential yields 0x00, 0x01, ... 0xff and wraps.
func NewSequential() *Source {
	p := make([]byte, 256)
	for i := range p {
		p[i] = byte(i)
	}
	return &Source{pattern: p, budget: -1}
}

// Limited wraps s so it fails with ErrExhausted after n bytes. Tests use it
// to drive key exchange and padding error paths.
func Limited(s *Source, n int) *Source {
	s.budget = n
	return s
}

func (s *Source) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(b)
	if s.budget >= 0 && n > s.budget {
		n = s.budget
	}
	for i := 0; i < n; i++ {
		b[i] = s.pattern[s.pos]
		s.pos = (s.pos + 1) % len(s.pattern)
	}
	if s.budget >= 0 {
		s.budget -= n
		if n < len(b) {
			return n, ErrExhausted
		}
	}
	return n, nil
}
