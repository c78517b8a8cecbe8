package ports

import (
	"context"
	"net"
)

// NetworkDialer opens the TCP connection to an SSH server and the unix
// socket of an ssh-agent. ctx bounds only the connect phase.
type NetworkDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetworkListener binds the local end of a port forward.
type NetworkListener interface {
	Listen(network, address string) (net.Listener, error)
}
