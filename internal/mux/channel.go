package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Request is a channel request received from the server.
type Request struct {
	Type      string
	WantReply bool
	Payload   []byte
}

// Channel is one logical stream of a connection. Reads and Chunks consume
// the data stream; Stderr consumes extended data. Each stream supports one
// consumer at a time.
type Channel struct {
	mux      *Mux
	localID  uint32
	chanType string

	opened chan error

	stdout *buffer
	stderr *buffer

	writeMu sync.Mutex
	reqMu   sync.Mutex

	mu            sync.Mutex
	remoteID      uint32
	remoteMax     uint32
	remoteWin     uint32
	windowSignal  chan struct{}
	windowSize    uint32
	myWindow      uint32
	maxPacket     uint32
	pendingAdjust uint32
	onRequest     func(*Request) bool
	replyWaiters  []chan bool
	extra         []byte
	confirmed     bool
	abandoned     bool
	sentEOF       bool
	sentClose     bool
	gotClose      bool
	err           error

	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(m *Mux, id uint32, chanType string, opts OpenOptions) *Channel {
	c := &Channel{
		mux:          m,
		localID:      id,
		chanType:     chanType,
		opened:       make(chan error, 1),
		windowSignal: make(chan struct{}, 1),
		windowSize:   opts.WindowSize,
		myWindow:     opts.WindowSize,
		maxPacket:    opts.MaxPacket,
		onRequest:    opts.OnRequest,
		done:         make(chan struct{}),
	}
	c.stdout = newBuffer(c.consume)
	c.stderr = newBuffer(c.consume)
	return c
}

// Type returns the channel type given to OpenChannel.
func (c *Channel) Type() string { return c.chanType }

// LocalID returns our channel number.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the server's channel number.
func (c *Channel) RemoteID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Extra returns the type-specific data of the open confirmation.
func (c *Channel) Extra() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extra
}

// Done is closed once the channel is closed or failed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the error that failed the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnRequest replaces the handler for requests from the server.
func (c *Channel) OnRequest(fn func(req *Request) bool) {
	c.mu.Lock()
	c.onRequest = fn
	c.mu.Unlock()
}

// Read reads from the data stream. It returns io.EOF once the server has
// sent EOF or closed the channel and all data has been read.
func (c *Channel) Read(p []byte) (int, error) { return c.stdout.Read(p) }

// Stderr returns a reader for extended data of type stderr.
func (c *Channel) Stderr() io.Reader { return c.stderr }

// Chunks yields data messages in arrival order until EOF. A failure is
// yielded once as the final element.
func (c *Channel) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return chunks(ctx, c.stdout)
}

// StderrChunks is Chunks for the stderr stream.
func (c *Channel) StderrChunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return chunks(ctx, c.stderr)
}

func chunks(ctx context.Context, b *buffer) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			chunk, err := b.next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Write sends data, blocking while the server's window is exhausted.
func (c *Channel) Write(data []byte) (int, error) {
	return c.WriteContext(context.Background(), data)
}

// WriteContext sends data split into messages no larger than the server's
// maximum packet size. It blocks while the window is exhausted until a
// WINDOW_ADJUST arrives, ctx ends or the channel closes. Data is never
// dropped: on error the count of bytes sent is returned.
func (c *Channel) WriteContext(ctx context.Context, data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(data) > 0 {
		n, err := c.reserve(ctx, len(data))
		if err != nil {
			return written, err
		}
		if err := c.mux.conn.WritePacket(dataPacket(c.RemoteID(), data[:n])); err != nil {
			return written, err
		}
		written += n
		data = data[n:]
	}
	return written, nil
}

// reserve takes up to want bytes of the remote window, bounded by the
// remote maximum packet size.
func (c *Channel) reserve(ctx context.Context, want int) (int, error) {
	for {
		c.mu.Lock()
		switch {
		case c.err != nil:
			err := c.err
			c.mu.Unlock()
			return 0, err
		case c.sentEOF || c.sentClose || c.gotClose:
			c.mu.Unlock()
			return 0, ErrChannelClosed
		case c.remoteWin > 0:
			n := int(min(c.remoteWin, c.remoteMax))
			if want < n {
				n = want
			}
			c.remoteWin -= uint32(n)
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		select {
		case <-c.windowSignal:
		case <-c.done:
		case <-ctx.Done():
			return 0, cancelled(ctx.Err())
		}
	}
}

// consume returns drained bytes to the server's view of our window once
// at least half of it has been read.
func (c *Channel) consume(n int) {
	c.mu.Lock()
	c.pendingAdjust += uint32(n)
	if c.pendingAdjust < c.windowSize/2 || c.sentClose || c.gotClose || c.err != nil {
		c.mu.Unlock()
		return
	}
	adjust := c.pendingAdjust
	c.pendingAdjust = 0
	c.myWindow += adjust
	remote := c.remoteID
	c.mu.Unlock()

	c.mux.conn.WritePacket(ssh.Marshal(&windowAdjustMsg{PeersID: remote, AdditionalBytes: adjust}))
}

// SendRequest sends a channel request. With wantReply it waits for the
// server's answer; requests are sent one at a time and replies are
// matched in order.
func (c *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	c.reqMu.Lock()
	c.mu.Lock()
	if err := c.closedErrLocked(); err != nil {
		c.mu.Unlock()
		c.reqMu.Unlock()
		return false, err
	}
	var wait chan bool
	if wantReply {
		wait = make(chan bool, 1)
		c.replyWaiters = append(c.replyWaiters, wait)
	}
	remote := c.remoteID
	c.mu.Unlock()

	err := c.mux.conn.WritePacket(ssh.Marshal(&channelRequestMsg{
		PeersID:   remote,
		Request:   name,
		WantReply: wantReply,
		Payload:   payload,
	}))
	if err != nil && wantReply {
		c.mu.Lock()
		c.replyWaiters = c.replyWaiters[:len(c.replyWaiters)-1]
		c.mu.Unlock()
	}
	c.reqMu.Unlock()
	if err != nil || !wantReply {
		return false, err
	}

	select {
	case ok := <-wait:
		return ok, nil
	case <-c.done:
		select {
		case ok := <-wait:
			return ok, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return false, c.err
		}
		return false, ErrChannelClosed
	case <-ctx.Done():
		return false, cancelled(ctx.Err())
	}
}

func (c *Channel) closedErrLocked() error {
	if c.err != nil {
		return c.err
	}
	if c.sentClose || c.gotClose {
		return ErrChannelClosed
	}
	return nil
}

// CloseWrite sends EOF. Further writes fail with ErrChannelClosed.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.sentEOF || c.sentClose || c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	remote := c.remoteID
	c.mu.Unlock()
	c.notifyWindow()
	return c.mux.conn.WritePacket(idPacket(msgChannelEOF, remote))
}

// Close sends CLOSE and ends both streams. The id is reused only after the
// server's CLOSE arrives. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.sentClose {
		c.mu.Unlock()
		return nil
	}
	c.sentClose = true
	got := c.gotClose
	failed := c.err != nil
	remote := c.remoteID
	c.mu.Unlock()

	var err error
	if !failed {
		err = c.mux.conn.WritePacket(idPacket(msgChannelClose, remote))
	}
	c.finish(io.EOF)
	if got {
		c.mux.release(c.localID)
	}
	if err != nil && c.mux.Err() != nil {
		return nil
	}
	return err
}

// abandon handles a confirmation that arrives after OpenChannel gave up.
func (c *Channel) abandon() {
	c.mu.Lock()
	confirmed := c.confirmed
	c.abandoned = true
	c.mu.Unlock()
	if confirmed {
		c.Close()
	}
}

// fail ends the channel with err. The id stays reserved until the server
// closes its side.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.resolveOpen(err)
	c.finish(err)
}

func (c *Channel) finish(err error) {
	c.stdout.close(err)
	c.stderr.close(err)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) notifyWindow() {
	select {
	case c.windowSignal <- struct{}{}:
	default:
	}
}

// handle processes one message addressed to this channel on the reader
// goroutine. A returned error is fatal to the connection.
func (c *Channel) handle(p []byte) error {
	c.mu.Lock()
	confirmed := c.confirmed
	c.mu.Unlock()
	if !confirmed && p[0] != msgChannelOpenConfirm && p[0] != msgChannelOpenFailure {
		return fmt.Errorf("mux: message %d on unconfirmed channel %d", p[0], c.localID)
	}

	switch p[0] {
	case msgChannelOpenConfirm:
		return c.handleConfirm(p)
	case msgChannelOpenFailure:
		var msg channelOpenFailureMsg
		if err := ssh.Unmarshal(p, &msg); err != nil {
			return err
		}
		c.mux.release(c.localID)
		c.resolveOpen(&OpenChannelError{Reason: msg.Reason, Message: msg.Message})
		return nil
	case msgChannelWindowAdjust:
		var msg windowAdjustMsg
		if err := ssh.Unmarshal(p, &msg); err != nil {
			return err
		}
		c.mu.Lock()
		overflow := uint64(c.remoteWin)+uint64(msg.AdditionalBytes) > math.MaxUint32
		if !overflow {
			c.remoteWin += msg.AdditionalBytes
		}
		c.mu.Unlock()
		if overflow {
			return fmt.Errorf("mux: window overflow on channel %d", c.localID)
		}
		c.notifyWindow()
		return nil
	case msgChannelData, msgChannelExtendedData:
		return c.handleData(p)
	case msgChannelEOF:
		c.stdout.close(io.EOF)
		c.stderr.close(io.EOF)
		return nil
	case msgChannelClose:
		return c.handleClose()
	case msgChannelRequest:
		return c.handleRequest(p)
	case msgChannelSuccess, msgChannelFailure:
		c.mu.Lock()
		var wait chan bool
		if len(c.replyWaiters) > 0 {
			wait = c.replyWaiters[0]
			c.replyWaiters = c.replyWaiters[1:]
		}
		c.mu.Unlock()
		if wait != nil {
			wait <- p[0] == msgChannelSuccess
		}
		return nil
	}
	return nil
}

func (c *Channel) handleConfirm(p []byte) error {
	var msg channelOpenConfirmMsg
	if err := ssh.Unmarshal(p, &msg); err != nil {
		return err
	}
	if msg.MaxPacketSize == 0 {
		return fmt.Errorf("mux: channel %d confirmed with zero max packet", c.localID)
	}

	c.mu.Lock()
	if c.confirmed {
		c.mu.Unlock()
		return fmt.Errorf("mux: duplicate confirmation for channel %d", c.localID)
	}
	c.confirmed = true
	c.remoteID = msg.MyID
	c.remoteWin = msg.MyWindow
	c.remoteMax = msg.MaxPacketSize
	c.extra = msg.Extra
	abandoned := c.abandoned
	c.mu.Unlock()

	if abandoned {
		return c.closeQuietly()
	}
	c.resolveOpen(nil)
	return nil
}

// resolveOpen delivers the single open result.
func (c *Channel) resolveOpen(err error) {
	select {
	case c.opened <- err:
	default:
	}
}

// closeQuietly closes a channel nobody holds.
func (c *Channel) closeQuietly() error {
	c.mu.Lock()
	if c.sentClose {
		c.mu.Unlock()
		return nil
	}
	c.sentClose = true
	remote := c.remoteID
	c.mu.Unlock()
	c.finish(io.EOF)
	return c.mux.conn.WritePacket(idPacket(msgChannelClose, remote))
}

func (c *Channel) handleData(p []byte) error {
	dataType, data, err := parseData(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.err != nil || c.sentClose {
		c.mu.Unlock()
		return nil
	}
	if uint32(len(data)) > c.myWindow || uint32(len(data)) > c.maxPacket {
		c.mu.Unlock()
		c.fail(ErrWindowViolation)
		return c.closeAfterFailure()
	}
	c.myWindow -= uint32(len(data))
	c.mu.Unlock()

	switch {
	case p[0] == msgChannelData:
		c.stdout.write(data)
	case dataType == extendedDataStderr:
		c.stderr.write(data)
	default:
		c.consume(len(data))
	}
	return nil
}

// closeAfterFailure sends CLOSE for a channel failed by a local check.
func (c *Channel) closeAfterFailure() error {
	c.mu.Lock()
	if c.sentClose {
		c.mu.Unlock()
		return nil
	}
	c.sentClose = true
	got := c.gotClose
	remote := c.remoteID
	c.mu.Unlock()
	if got {
		c.mux.release(c.localID)
	}
	return c.mux.conn.WritePacket(idPacket(msgChannelClose, remote))
}

func (c *Channel) handleClose() error {
	c.mu.Lock()
	c.gotClose = true
	needSend := !c.sentClose
	c.sentClose = true
	remote := c.remoteID
	c.mu.Unlock()

	var err error
	if needSend {
		err = c.mux.conn.WritePacket(idPacket(msgChannelClose, remote))
	}
	c.finish(io.EOF)
	c.mux.release(c.localID)
	return err
}

func (c *Channel) handleRequest(p []byte) error {
	var msg channelRequestMsg
	if err := ssh.Unmarshal(p, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	handler := c.onRequest
	remote := c.remoteID
	closed := c.sentClose
	c.mu.Unlock()

	ok := false
	if handler != nil {
		ok = handler(&Request{Type: msg.Request, WantReply: msg.WantReply, Payload: msg.Payload})
	}
	if !msg.WantReply || closed {
		return nil
	}
	reply := byte(msgChannelFailure)
	if ok {
		reply = msgChannelSuccess
	}
	return c.mux.conn.WritePacket(idPacket(reply, remote))
}
