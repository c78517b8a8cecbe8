// Package sftp implements an SFTP version 3 client over a session channel.
// One reader goroutine matches responses to requests by id, so requests
// from many goroutines may be in flight at once.
package sftp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/mux"
	"github.com/acolita/sshkit/internal/ports"
)

// Transfer defaults.
const (
	DefaultChunkSize        = 32 * 1024
	DefaultMaxInflight      = 64
	DefaultProgressInterval = 250 * time.Millisecond
)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	ChunkSize        int
	MaxInflight      int
	ProgressInterval time.Duration
	// FS is the local filesystem used by Upload and Download.
	FS    ports.FileSystem
	Clock ports.Clock
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	// Leave room for the packet header within maxPacket.
	o.ChunkSize = min(o.ChunkSize, maxPacket-1024)
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.FS == nil {
		o.FS = realfs.New()
	}
	if o.Clock == nil {
		o.Clock = realclock.New()
	}
}

// Opener opens channels. *mux.Mux implements it.
type Opener interface {
	OpenChannel(ctx context.Context, chanType string, extra []byte, opts mux.OpenOptions) (*mux.Channel, error)
}

type response struct {
	typ  byte
	body []byte
	err  error
}

// Client is an SFTP session.
type Client struct {
	rw   io.ReadWriteCloser
	opts Options

	version    uint32
	extensions map[string]string

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan response
	files   map[*File]struct{}
	closing bool
	err     error
	done    chan struct{}
}

type subsystemMsg struct {
	Name string
}

// Open starts the sftp subsystem on a new session channel.
func Open(ctx context.Context, o Opener, opts Options) (*Client, error) {
	ch, err := o.OpenChannel(ctx, "session", nil, mux.OpenOptions{})
	if err != nil {
		return nil, err
	}
	ok, err := ch.SendRequest(ctx, "subsystem", true, ssh.Marshal(&subsystemMsg{Name: "sftp"}))
	if err == nil && !ok {
		err = ErrSubsystemRefused
	}
	if err != nil {
		ch.Close()
		return nil, err
	}
	go drainStderr(ch)
	c, err := NewClient(ctx, ch, opts)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return c, nil
}

// drainStderr discards the server's log output until the channel ends.
func drainStderr(ch *mux.Channel) {
	for chunk, err := range ch.StderrChunks(context.Background()) {
		if err != nil {
			return
		}
		slog.Debug("sftp server stderr", slog.Int("bytes", len(chunk)))
	}
}

// NewClient runs the version exchange on rw and starts the reader. rw is
// closed by Close.
func NewClient(ctx context.Context, rw io.ReadWriteCloser, opts Options) (*Client, error) {
	opts.setDefaults()
	c := &Client{
		rw:         rw,
		opts:       opts,
		extensions: make(map[string]string),
		pending:    make(map[uint32]chan response),
		files:      make(map[*File]struct{}),
		done:       make(chan struct{}),
	}

	if err := c.init(ctx); err != nil {
		return nil, err
	}
	go c.loop()
	slog.Debug("sftp session started", slog.Int("version", int(c.version)))
	return c, nil
}

func (c *Client) init(ctx context.Context) error {
	if err := c.writePacket(fxpInit, encoder(nil).uint32(ProtocolVersion)); err != nil {
		return err
	}

	type result struct {
		typ  byte
		body []byte
		err  error
	}
	res := make(chan result, 1)
	go func() {
		typ, body, err := readPacket(c.rw)
		res <- result{typ, body, err}
	}()

	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		c.rw.Close()
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("sftp: version exchange: %w", r.err)
	}
	if r.typ != fxpVersion {
		return fmt.Errorf("%w: expected VERSION, got packet %d", ErrBadMessage, r.typ)
	}

	d := decoder{b: r.body}
	version := d.uint32()
	for d.err == nil && len(d.b) > 0 {
		name, data := d.string(), d.string()
		c.extensions[name] = data
	}
	if d.err != nil {
		return d.err
	}
	if version < ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	c.version = min(version, ProtocolVersion)
	return nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() int { return int(c.version) }

// HasExtension reports whether the server announced an extension.
func (c *Client) HasExtension(name string) bool {
	_, ok := c.extensions[name]
	return ok
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the session, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes open files, ends the session and fails pending requests
// with ErrCancelled. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing || c.err != nil {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	files := make([]*File, 0, len(c.files))
	for f := range c.files {
		files = append(files, f)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range files {
		f.close(ctx)
	}

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	err := c.rw.Close()
	<-c.done
	return err
}

func readPacket(r io.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxPacket {
		return 0, nil, fmt.Errorf("%w: packet length %d", ErrBadMessage, n)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return 0, nil, err
	}
	return p[0], p[1:], nil
}

func (c *Client) writePacket(typ byte, body encoder) error {
	p := make([]byte, 5, 5+len(body))
	binary.BigEndian.PutUint32(p, uint32(1+len(body)))
	p[4] = typ
	p = append(p, body...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rw.Write(p)
	return err
}

func (c *Client) loop() {
	var err error
	for {
		typ, body, rerr := readPacket(c.rw)
		if rerr != nil {
			err = rerr
			break
		}
		if len(body) < 4 {
			err = fmt.Errorf("%w: packet %d without id", ErrBadMessage, typ)
			break
		}
		id := binary.BigEndian.Uint32(body)

		c.mu.Lock()
		wait, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			// Response to a request whose caller gave up.
			slog.Debug("sftp response dropped", slog.Int("id", int(id)))
			continue
		}
		wait <- response{typ: typ, body: body[4:]}
	}
	c.teardown(err)
}

// teardown fails every pending request and invalidates every handle.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	closing := c.closing
	if closing {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	err := c.err
	pending := c.pending
	c.pending = make(map[uint32]chan response)
	files := c.files
	c.files = make(map[*File]struct{})
	c.mu.Unlock()

	for _, wait := range pending {
		wait <- response{err: fmt.Errorf("%w: %w", ErrCancelled, err)}
	}
	for f := range files {
		f.invalidate()
	}
	c.rw.Close()
	close(c.done)

	if !closing && !errors.Is(cause, io.EOF) {
		slog.Warn("sftp session lost", slog.String("error", cause.Error()))
	}
}

// request sends one request and waits for its response.
func (c *Client) request(ctx context.Context, typ byte, body encoder) (response, error) {
	if err := ctx.Err(); err != nil {
		return response{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	wait := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return response{}, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = wait
	c.mu.Unlock()

	if err := c.writePacket(typ, encoder(nil).uint32(id).append(body)); err != nil {
		c.forget(id)
		return response{}, err
	}

	select {
	case r := <-wait:
		return r, r.err
	case <-ctx.Done():
		c.forget(id)
		return response{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (e encoder) append(b encoder) encoder { return append(e, b...) }

// status turns a STATUS response into nil or a *StatusError.
func status(r response, op, path string) error {
	if r.typ != fxpStatus {
		return unexpected(r, op)
	}
	d := decoder{b: r.body}
	code := StatusCode(d.uint32())
	msg := d.optionalString()
	if d.err != nil {
		return d.err
	}
	if code == StatusOK {
		return nil
	}
	return &StatusError{Op: op, Path: path, Code: code, Message: msg}
}

func unexpected(r response, op string) error {
	if r.typ == fxpStatus {
		return status(r, op, "")
	}
	return fmt.Errorf("%w: %s: unexpected packet %d", ErrBadMessage, op, r.typ)
}

// call runs a request that answers with a bare status.
func (c *Client) call(ctx context.Context, typ byte, op, path string, body encoder) error {
	r, err := c.request(ctx, typ, body)
	if err != nil {
		return err
	}
	return status(r, op, path)
}

func (c *Client) handleRequest(ctx context.Context, typ byte, op, path string, body encoder) (string, error) {
	r, err := c.request(ctx, typ, body)
	if err != nil {
		return "", err
	}
	if r.typ != fxpHandle {
		return "", withPath(unexpected(r, op), path)
	}
	d := decoder{b: r.body}
	handle := d.string()
	return handle, d.err
}

func (c *Client) attrsRequest(ctx context.Context, typ byte, op, path string, body encoder) (attrs, error) {
	r, err := c.request(ctx, typ, body)
	if err != nil {
		return attrs{}, err
	}
	if r.typ != fxpAttrs {
		return attrs{}, withPath(unexpected(r, op), path)
	}
	d := decoder{b: r.body}
	a := d.attrs()
	return a, d.err
}

func withPath(err error, path string) error {
	var se *StatusError
	if errors.As(err, &se) && se.Path == "" {
		se.Path = path
	}
	return err
}

// track registers an open file so teardown can invalidate it.
func (c *Client) track(f *File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.files[f] = struct{}{}
	return nil
}

func (c *Client) untrack(f *File) {
	c.mu.Lock()
	delete(c.files, f)
	c.mu.Unlock()
}
