package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// File is an open remote file handle. Read and Write use and advance the
// file offset; ReadAt and WriteAt do not. A File is invalidated when the
// session ends and then fails with ErrHandleClosed.
type File struct {
	c     *Client
	path  string
	flags int

	mu     sync.Mutex
	handle string
	offset int64
	closed bool
}

// OpenFile opens name with OpenRead, OpenWrite and related flags.
func (c *Client) OpenFile(ctx context.Context, name string, flags int) (*File, error) {
	body := encoder(nil).string(name).uint32(uint32(flags))
	body = attrs{}.encode(body)
	handle, err := c.handleRequest(ctx, fxpOpen, "open", name, body)
	if err != nil {
		return nil, err
	}
	f := &File{c: c, path: name, flags: flags, handle: handle}
	if err := c.track(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Open opens name for reading.
func (c *Client) Open(ctx context.Context, name string) (*File, error) {
	return c.OpenFile(ctx, name, OpenRead)
}

// Create creates or truncates name for writing.
func (c *Client) Create(ctx context.Context, name string) (*File, error) {
	return c.OpenFile(ctx, name, OpenWrite|OpenCreate|OpenTrunc)
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

// Flags returns the open flags.
func (f *File) Flags() int { return f.flags }

func (f *File) currentHandle() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrHandleClosed
	}
	return f.handle, nil
}

// readChunk reads at most n bytes at off. It returns io.EOF at end of file.
func (f *File) readChunk(ctx context.Context, off int64, n int) ([]byte, error) {
	handle, err := f.currentHandle()
	if err != nil {
		return nil, err
	}
	r, err := f.c.request(ctx, fxpRead, encoder(nil).string(handle).uint64(uint64(off)).uint32(uint32(n)))
	if err != nil {
		return nil, err
	}
	if r.typ != fxpData {
		err := withPath(unexpected(r, "read"), f.path)
		if errors.Is(err, ErrEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	d := decoder{b: r.body}
	data := d.bytes()
	if d.err != nil {
		return nil, d.err
	}
	if len(data) > n {
		return nil, fmt.Errorf("%w: read returned %d bytes, asked for %d", ErrBadMessage, len(data), n)
	}
	return data, nil
}

func (f *File) writeChunk(ctx context.Context, off int64, data []byte) error {
	handle, err := f.currentHandle()
	if err != nil {
		return err
	}
	return f.c.call(ctx, fxpWrite, "write", f.path, encoder(nil).string(handle).uint64(uint64(off)).bytes(data))
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	read := 0
	for read < len(p) {
		n := min(len(p)-read, f.c.opts.ChunkSize)
		data, err := f.readChunk(context.Background(), off+int64(read), n)
		if err != nil {
			return read, err
		}
		if len(data) == 0 {
			return read, io.ErrUnexpectedEOF
		}
		read += copy(p[read:], data)
	}
	return read, nil
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	data, err := f.readChunk(context.Background(), off, min(len(p), f.c.opts.ChunkSize))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	f.mu.Lock()
	f.offset += int64(n)
	f.mu.Unlock()
	return n, nil
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	written := 0
	for written < len(p) {
		n := min(len(p)-written, f.c.opts.ChunkSize)
		if err := f.writeChunk(context.Background(), off+int64(written), p[written:written+n]); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	n, err := f.WriteAt(p, off)
	f.mu.Lock()
	f.offset += int64(n)
	f.mu.Unlock()
	return n, err
}

// Seek sets the offset for the next Read or Write. io.SeekEnd is not
// supported.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	default:
		return f.offset, fmt.Errorf("sftp: seek whence %d not supported", whence)
	}
	if offset < 0 {
		return f.offset, fmt.Errorf("sftp: negative offset %d", offset)
	}
	f.offset = offset
	return offset, nil
}

// Stat returns the attributes of the open file.
func (f *File) Stat(ctx context.Context) (FileInfo, error) {
	a, err := f.stat(ctx)
	if err != nil {
		return FileInfo{}, err
	}
	return a.fileInfo(baseName(f.path), ""), nil
}

func (f *File) stat(ctx context.Context) (attrs, error) {
	handle, err := f.currentHandle()
	if err != nil {
		return attrs{}, err
	}
	return f.c.attrsRequest(ctx, fxpFstat, "fstat", f.path, encoder(nil).string(handle))
}

// Close releases the handle. It is idempotent.
func (f *File) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return f.close(ctx)
}

func (f *File) close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handle := f.handle
	f.mu.Unlock()

	f.c.untrack(f)
	err := f.c.call(ctx, fxpClose, "close", f.path, encoder(nil).string(handle))
	if err != nil && f.c.Err() != nil {
		// The session is gone and the handle with it.
		return nil
	}
	return err
}

// invalidate marks the handle unusable without contacting the server.
func (f *File) invalidate() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
