// Package fakenet provides scriptable network ports that record what was
// dialed or bound.
package fakenet

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// ErrNotConfigured is what a Dialer returns before it is scripted.
var ErrNotConfigured = errors.New("fakenet: dialer not configured")

// Call is one recorded dial or listen.
type Call struct {
	Network string
	Address string
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(network, address string) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{network, address})
	r.mu.Unlock()
}

// Calls returns the recorded calls in order.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Dialer delegates to DialFunc, which tests may replace before use.
type Dialer struct {
	recorder
	DialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a dialer that fails with ErrNotConfigured.
func NewDialer() *Dialer {
	return &Dialer{DialFunc: func(context.Context, string, string) (net.Conn, error) {
		return nil, ErrNotConfigured
	}}
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.record(network, address)
	d.mu.Lock()
	fn := d.DialFunc
	d.mu.Unlock()
	return fn(ctx, network, address)
}

// SetError makes every dial fail with err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialFunc = func(context.Context, string, string) (net.Conn, error) { return nil, err }
}

// FailFirst fails the next n dials with err and dials the real network
// after that, for exercising connect retries.
func (d *Dialer) FailFirst(n int, err error) {
	var mu sync.Mutex
	left := n
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
		mu.Lock()
		fail := left > 0
		left--
		mu.Unlock()
		if fail {
			return nil, err
		}
		var nd net.Dialer
		return nd.DialContext(ctx, network, address)
	}
}

// Freezable routes dials through an in-memory pipe relayed to the real
// address. After freeze is called the relay stops reading from the
// client, so client writes block the way they do against a peer whose
// receive buffers are full. Replies still flow back.
func (d *Dialer) Freezable() (freeze func()) {
	frozen := make(chan struct{})
	var once sync.Once
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
		var nd net.Dialer
		upstream, err := nd.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		local, remote := net.Pipe()
		go func() {
			buf := make([]byte, 16<<10)
			for {
				select {
				case <-frozen:
					return
				default:
				}
				n, err := remote.Read(buf)
				if err != nil {
					upstream.Close()
					return
				}
				if _, err := upstream.Write(buf[:n]); err != nil {
					remote.Close()
					return
				}
			}
		}()
		go func() {
			io.Copy(remote, upstream)
			remote.Close()
		}()
		return local, nil
	}
	return func() { once.Do(func() { close(frozen) }) }
}

// Listener records the requested address and binds a real loopback port
// instead, so forwards can be tested without touching fixed ports.
// Setting Err makes Listen fail.
type Listener struct {
	recorder
	Err error
}

// NewListener returns a loopback-binding listener.
func NewListener() *Listener { return &Listener{} }

func (l *Listener) Listen(network, address string) (net.Listener, error) {
	l.record(network, address)
	l.mu.Lock()
	err := l.Err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return net.Listen(network, "127.0.0.1:0")
}
