// Package realrand backs ports.Random with crypto/rand.
package realrand

import (
	"crypto/rand"

	"github.com/acolita/sshkit/internal/ports"
)

// Reader is the operating system CSPRNG.
type Reader struct{}

var _ ports.Random = Reader{}

// New returns the system random source.
func New() Reader { return Reader{} }

func (Reader) Read(b []byte) (int, error) { return rand.Read(b) }
