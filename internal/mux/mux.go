// Package mux multiplexes SSH channels (RFC 4254) over one transport
// connection. A single reader goroutine dispatches incoming messages;
// writers enforce the peer's flow-control window.
package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultWindowSize is the initial receive window of a channel.
	DefaultWindowSize = 64 * DefaultMaxPacket
	// DefaultMaxPacket is the largest data payload we accept per message.
	DefaultMaxPacket = 1 << 15
)

// PacketConn is the transport carrying the multiplexed channels.
type PacketConn interface {
	ReadPacket() ([]byte, error)
	WritePacket(payload []byte) error
	Close() error
}

// Mux owns the channel table of one connection.
type Mux struct {
	conn PacketConn

	mu      sync.Mutex
	chans   map[uint32]*Channel
	closing bool
	err     error
	done    chan struct{}

	// Global request replies arrive in request order.
	globalMu      sync.Mutex
	globalWaiters []chan globalReply
}

type globalReply struct {
	ok   bool
	data []byte
}

// New starts the reader goroutine on conn.
func New(conn PacketConn) *Mux {
	m := &Mux{
		conn:  conn,
		chans: make(map[uint32]*Channel),
		done:  make(chan struct{}),
	}
	go m.loop()
	return m
}

// Done is closed when the connection ends.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the error that ended the connection, or nil while it is up.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close closes the transport. Every channel and pending request fails
// with ErrMuxClosed. It is idempotent.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closing || m.err != nil {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	err := m.conn.Close()
	<-m.done
	return err
}

// OpenOptions tunes a new channel. Zero values select the defaults.
type OpenOptions struct {
	WindowSize uint32
	MaxPacket  uint32
	// OnRequest handles channel requests from the server. It runs on the
	// reader goroutine and must not block. The return value is the reply
	// when one is wanted.
	OnRequest func(req *Request) bool
}

// OpenChannel opens a channel of chanType with type-specific extra data.
// A refusal is returned as *OpenChannelError.
func (m *Mux) OpenChannel(ctx context.Context, chanType string, extra []byte, opts OpenOptions) (*Channel, error) {
	if opts.WindowSize == 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.MaxPacket == 0 {
		opts.MaxPacket = DefaultMaxPacket
	}

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	c := newChannel(m, m.allocateIDLocked(), chanType, opts)
	m.chans[c.localID] = c
	m.mu.Unlock()

	err := m.conn.WritePacket(ssh.Marshal(&channelOpenMsg{
		ChanType:      chanType,
		PeersID:       c.localID,
		PeersWindow:   opts.WindowSize,
		MaxPacketSize: opts.MaxPacket,
		Extra:         extra,
	}))
	if err != nil {
		m.release(c.localID)
		return nil, err
	}

	select {
	case err := <-c.opened:
		if err != nil {
			return nil, err
		}
		slog.Debug("ssh channel opened",
			slog.String("type", chanType),
			slog.Int("local_id", int(c.localID)),
			slog.Int("remote_id", int(c.remoteID)),
		)
		return c, nil
	case <-ctx.Done():
		c.abandon()
		return nil, cancelled(ctx.Err())
	}
}

// allocateIDLocked returns the lowest id not in the table. m.mu must be
// held.
func (m *Mux) allocateIDLocked() uint32 {
	for id := uint32(0); ; id++ {
		if _, used := m.chans[id]; !used {
			return id
		}
	}
}

// release frees a channel id for reuse.
func (m *Mux) release(id uint32) {
	m.mu.Lock()
	delete(m.chans, id)
	m.mu.Unlock()
}

func (m *Mux) channel(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chans[id]
}

// SendRequest sends a global request. With wantReply it waits for the
// server's answer; replies are matched in request order.
func (m *Mux) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error) {
	var wait chan globalReply
	m.globalMu.Lock()
	if wantReply {
		wait = make(chan globalReply, 1)
		m.globalWaiters = append(m.globalWaiters, wait)
	}
	err := m.conn.WritePacket(ssh.Marshal(&globalRequestMsg{Type: name, WantReply: wantReply, Data: payload}))
	if err != nil && wantReply {
		m.globalWaiters = m.globalWaiters[:len(m.globalWaiters)-1]
	}
	m.globalMu.Unlock()
	if err != nil || !wantReply {
		return false, nil, err
	}

	select {
	case r := <-wait:
		return r.ok, r.data, nil
	case <-m.done:
		return false, nil, m.Err()
	case <-ctx.Done():
		return false, nil, cancelled(ctx.Err())
	}
}

func (m *Mux) globalReply(r globalReply) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	if len(m.globalWaiters) == 0 {
		return
	}
	wait := m.globalWaiters[0]
	m.globalWaiters = m.globalWaiters[1:]
	wait <- r
}

func (m *Mux) loop() {
	var err error
	for {
		p, rerr := m.conn.ReadPacket()
		if rerr != nil {
			err = rerr
			break
		}
		if derr := m.dispatch(p); derr != nil {
			err = derr
			break
		}
	}
	m.shutdown(err)
}

func (m *Mux) shutdown(cause error) {
	m.mu.Lock()
	closing := m.closing
	var err error
	if closing {
		err = ErrMuxClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	m.err = err
	chans := make([]*Channel, 0, len(m.chans))
	for _, c := range m.chans {
		chans = append(chans, c)
	}
	clear(m.chans)
	m.mu.Unlock()

	for _, c := range chans {
		c.fail(err)
	}
	m.conn.Close()
	close(m.done)

	if !closing {
		slog.Warn("ssh connection lost", slog.String("error", cause.Error()))
	}
}

func (m *Mux) dispatch(p []byte) error {
	switch p[0] {
	case msgGlobalRequest:
		var req globalRequestMsg
		if err := ssh.Unmarshal(p, &req); err != nil {
			return err
		}
		slog.Debug("ssh global request refused", slog.String("type", req.Type))
		if req.WantReply {
			return m.conn.WritePacket([]byte{msgRequestFailure})
		}
		return nil
	case msgRequestSuccess:
		var msg globalRequestSuccessMsg
		if err := ssh.Unmarshal(p, &msg); err != nil {
			return err
		}
		m.globalReply(globalReply{ok: true, data: msg.Data})
		return nil
	case msgRequestFailure:
		m.globalReply(globalReply{})
		return nil
	case msgChannelOpen:
		var req channelOpenMsg
		if err := ssh.Unmarshal(p, &req); err != nil {
			return err
		}
		slog.Debug("ssh channel open refused", slog.String("type", req.ChanType))
		return m.conn.WritePacket(ssh.Marshal(&channelOpenFailureMsg{
			PeersID: req.PeersID,
			Reason:  Prohibited,
			Message: "channel opens from the server are not accepted",
		}))
	}

	if p[0] < msgChannelOpenConfirm || p[0] > msgChannelFailure {
		slog.Debug("ssh message ignored", slog.Int("type", int(p[0])))
		return nil
	}
	id, err := channelID(p)
	if err != nil {
		return err
	}
	c := m.channel(id)
	if c == nil {
		return fmt.Errorf("mux: message %d for unknown channel %d", p[0], id)
	}
	return c.handle(p)
}
