package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/mux"
)

// Forward is a local port forward: connections accepted on LocalAddr are
// carried to RemoteHost:RemotePort over direct-tcpip channels.
type Forward struct {
	ID         string `json:"id"`
	LocalAddr  string `json:"local_addr"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`

	active        atomic.Int64
	total         atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	listener net.Listener
	mux      *mux.Mux
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// ForwardStats is a snapshot of a forward's counters.
type ForwardStats struct {
	ID                string `json:"id"`
	LocalAddr         string `json:"local_addr"`
	Remote            string `json:"remote"`
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  int64  `json:"total_connections"`
	BytesSent         int64  `json:"bytes_sent"`
	BytesReceived     int64  `json:"bytes_received"`
}

// Stats returns the current counters.
func (f *Forward) Stats() ForwardStats {
	return ForwardStats{
		ID:                f.ID,
		LocalAddr:         f.LocalAddr,
		Remote:            net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort)),
		ActiveConnections: f.active.Load(),
		TotalConnections:  f.total.Load(),
		BytesSent:         f.bytesSent.Load(),
		BytesReceived:     f.bytesReceived.Load(),
	}
}

type directTCPIPMsg struct {
	HostToConnect  string
	PortToConnect  uint32
	OriginatorIP   string
	OriginatorPort uint32
}

// ForwardLocal listens on localAddr ("127.0.0.1:0" picks a port) and
// forwards each accepted connection to remoteHost:remotePort from the
// server's side.
func (c *Client) ForwardLocal(ctx context.Context, localAddr, remoteHost string, remotePort int) (*Forward, error) {
	conn, err := c.current("forward")
	if err != nil {
		return nil, err
	}
	if remotePort <= 0 || remotePort > 65535 {
		return nil, &Error{Kind: ChannelError, Op: "forward", Err: fmt.Errorf("invalid remote port %d", remotePort)}
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("forward", err)
	}

	l, err := c.opts.Listener.Listen("tcp", localAddr)
	if err != nil {
		return nil, &Error{Kind: ConnectionError, Op: "forward", Err: fmt.Errorf("listen on %s: %w", localAddr, err)}
	}

	fctx, cancel := context.WithCancel(conn.ctx)
	f := &Forward{
		ID:         uuid.NewString(),
		LocalAddr:  l.Addr().String(),
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		listener:   l,
		mux:        conn.mux,
		ctx:        fctx,
		cancel:     cancel,
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		f.close()
		return nil, &Error{Kind: ConnectionError, Op: "forward", Err: ErrNotConnected}
	}
	c.forwards[f.ID] = f
	c.mu.Unlock()

	f.wg.Add(1)
	go f.accept()

	slog.Info("created local forward",
		slog.String("id", f.ID),
		slog.String("local", f.LocalAddr),
		slog.String("remote", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))),
	)
	return f, nil
}

// Forwards returns the open forwards.
func (c *Client) Forwards() []*Forward {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Forward, 0, len(c.forwards))
	for _, f := range c.forwards {
		out = append(out, f)
	}
	return out
}

// CloseForward stops the forward with id and its connections.
func (c *Client) CloseForward(id string) error {
	c.mu.Lock()
	f, ok := c.forwards[id]
	delete(c.forwards, id)
	c.mu.Unlock()
	if !ok {
		return &Error{Kind: ChannelError, Op: "close forward", Err: fmt.Errorf("%w: %s", ErrForwardNotFound, id)}
	}
	f.close()
	return nil
}

func (f *Forward) close() {
	f.once.Do(func() {
		f.cancel()
		f.listener.Close()
		f.wg.Wait()
		slog.Info("closed local forward",
			slog.String("id", f.ID),
			slog.Int64("total_connections", f.total.Load()),
			slog.Int64("bytes_sent", f.bytesSent.Load()),
			slog.Int64("bytes_received", f.bytesReceived.Load()),
		)
	})
}

func (f *Forward) accept() {
	defer f.wg.Done()
	for {
		local, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() == nil {
				slog.Warn("accept error on local forward",
					slog.String("id", f.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		f.active.Add(1)
		f.total.Add(1)
		f.wg.Add(1)
		go f.handle(local)
	}
}

func (f *Forward) handle(local net.Conn) {
	defer f.wg.Done()
	defer f.active.Add(-1)
	defer local.Close()

	origIP, origPort := "127.0.0.1", 0
	if addr, ok := local.RemoteAddr().(*net.TCPAddr); ok {
		origIP, origPort = addr.IP.String(), addr.Port
	}
	ch, err := f.mux.OpenChannel(f.ctx, "direct-tcpip", ssh.Marshal(&directTCPIPMsg{
		HostToConnect:  f.RemoteHost,
		PortToConnect:  uint32(f.RemotePort),
		OriginatorIP:   origIP,
		OriginatorPort: uint32(origPort),
	}), mux.OpenOptions{})
	if err != nil {
		slog.Warn("failed to open forward channel",
			slog.String("id", f.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer ch.Close()

	// Closing both ends unblocks the copies when the forward stops.
	stop := context.AfterFunc(f.ctx, func() {
		local.Close()
		ch.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(ch, local)
		f.bytesSent.Add(n)
		ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(local, ch)
		f.bytesReceived.Add(n)
		if tc, ok := local.(*net.TCPConn); ok {
			tc.CloseWrite()
		} else {
			local.Close()
		}
	}()
	wg.Wait()
}
