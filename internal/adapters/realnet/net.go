// Package realnet backs the network ports with the net package.
package realnet

import (
	"net"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// tcpKeepAlive is the OS-level probe period for SSH connections. SSH
// keepalives sit on top of it and catch dead peers behind NAT.
const tcpKeepAlive = 30 * time.Second

// Dialer dials with TCP keepalive enabled.
type Dialer struct{ net.Dialer }

var _ ports.NetworkDialer = (*Dialer)(nil)

// NewDialer returns a dialer for SSH and agent connections.
func NewDialer() *Dialer {
	return &Dialer{net.Dialer{KeepAlive: tcpKeepAlive}}
}

// Listener binds forward listeners with net.Listen.
type Listener struct{}

var _ ports.NetworkListener = Listener{}

// NewListener returns the host listener.
func NewListener() Listener { return Listener{} }

func (Listener) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}
