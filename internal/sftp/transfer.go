package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/acolita/sshkit/internal/ports"
)

// Progress reports a running transfer. Total is -1 when unknown.
type Progress struct {
	Transferred int64
	Total       int64
}

// Percent returns the completed share in [0, 100], or -1 if Total is
// unknown.
func (p Progress) Percent() float64 {
	if p.Total < 0 {
		return -1
	}
	if p.Total == 0 {
		return 100
	}
	return float64(p.Transferred) * 100 / float64(p.Total)
}

// ProgressFunc receives throttled progress updates. Calls are serialized.
type ProgressFunc func(Progress)

type progressReporter struct {
	fn       ProgressFunc
	clock    ports.Clock
	interval time.Duration
	total    int64
	done     atomic.Int64

	mu   sync.Mutex
	last time.Time
}

func newProgressReporter(fn ProgressFunc, clock ports.Clock, interval time.Duration, total int64) *progressReporter {
	return &progressReporter{fn: fn, clock: clock, interval: interval, total: total, last: clock.Now()}
}

func (p *progressReporter) add(n int) {
	v := p.done.Add(int64(n))
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	if now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	p.fn(Progress{Transferred: v, Total: p.total})
}

// finish always reports the final count.
func (p *progressReporter) finish() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn(Progress{Transferred: p.done.Load(), Total: p.total})
}

func cancelledErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return err
}

// Upload copies localPath to remotePath with up to MaxInflight WRITE
// requests outstanding. It returns the number of bytes written.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, progress ProgressFunc) (int64, error) {
	src, err := c.opts.FS.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	total := int64(-1)
	if info, err := src.Stat(); err == nil {
		if info.IsDir() {
			return 0, fmt.Errorf("upload %s: is a directory", localPath)
		}
		total = info.Size()
	}

	dst, err := c.Create(ctx, remotePath)
	if err != nil {
		return 0, err
	}

	rep := newProgressReporter(progress, c.opts.Clock, c.opts.ProgressInterval, total)
	sem := semaphore.NewWeighted(int64(c.opts.MaxInflight))
	g, gctx := errgroup.WithContext(ctx)

	var readErr error
	var off int64
	for {
		buf := make([]byte, c.opts.ChunkSize)
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			data, at := buf[:n], off
			g.Go(func() error {
				defer sem.Release(1)
				if err := dst.writeChunk(gctx, at, data); err != nil {
					return err
				}
				rep.add(len(data))
				return nil
			})
			off += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			readErr = fmt.Errorf("read local file: %w", rerr)
			break
		}
	}

	werr := g.Wait()
	cerr := dst.Close()
	switch {
	case readErr != nil:
		return rep.done.Load(), readErr
	case werr != nil:
		return rep.done.Load(), cancelledErr(ctx, werr)
	case ctx.Err() != nil:
		return rep.done.Load(), cancelledErr(ctx, ctx.Err())
	case cerr != nil:
		return rep.done.Load(), cerr
	}
	rep.finish()
	slog.Debug("sftp upload finished",
		slog.String("local", localPath),
		slog.String("remote", remotePath),
		slog.Int64("bytes", off),
	)
	return off, nil
}

type pendingRead struct {
	off  int64
	n    int
	data []byte
	err  error
	done chan struct{}
}

var errShortFile = errors.New("sftp: file shorter than its size")

// partSuffix names the staging file a download writes before it is
// renamed into place.
const partSuffix = ".part"

// Download copies remotePath to localPath with up to MaxInflight READ
// requests outstanding. Data is written in order to localPath+".part",
// which is renamed over localPath once complete, so an existing file is
// never left half-written. A failed download removes the staging file.
// The remote modification time is copied to the local file.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, progress ProgressFunc) (int64, error) {
	src, err := c.Open(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	total := int64(-1)
	a, err := src.stat(ctx)
	if err == nil && a.flags&attrSize != 0 {
		total = int64(a.size)
	}

	part := localPath + partSuffix
	dst, err := c.opts.FS.Create(part, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create local file: %w", err)
	}

	rep := newProgressReporter(progress, c.opts.Clock, c.opts.ProgressInterval, total)
	written, err := c.download(ctx, src, dst, total, rep)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close local file: %w", cerr)
	}
	if err == nil {
		if rerr := c.opts.FS.Rename(part, localPath); rerr != nil {
			err = fmt.Errorf("rename local file: %w", rerr)
		}
	}
	if err != nil {
		c.opts.FS.Remove(part)
		return written, cancelledErr(ctx, err)
	}
	if a.flags&attrACModTime != 0 {
		mtime := time.Unix(int64(a.mtime), 0)
		if err := c.opts.FS.Chtimes(localPath, time.Unix(int64(a.atime), 0), mtime); err != nil {
			slog.Debug("sftp download: keep mtime", slog.String("local", localPath), slog.String("error", err.Error()))
		}
	}
	rep.finish()
	slog.Debug("sftp download finished",
		slog.String("remote", remotePath),
		slog.String("local", localPath),
		slog.Int64("bytes", written),
	)
	return written, nil
}

func (c *Client) download(ctx context.Context, src *File, dst io.Writer, total int64, rep *progressReporter) (int64, error) {
	chunk := c.opts.ChunkSize
	queue := make(chan *pendingRead, c.opts.MaxInflight)
	g, gctx := errgroup.WithContext(ctx)

	// Issue reads for the known size; the consumer below drains them in
	// order.
	g.Go(func() error {
		defer close(queue)
		for off := int64(0); off < total; off += int64(chunk) {
			pr := &pendingRead{off: off, n: int(min(int64(chunk), total-off)), done: make(chan struct{})}
			select {
			case queue <- pr:
			case <-gctx.Done():
				return nil
			}
			g.Go(func() error {
				pr.data, pr.err = src.readChunk(gctx, pr.off, pr.n)
				close(pr.done)
				return nil
			})
		}
		return nil
	})

	var written int64
	write := func(data []byte) error {
		if _, err := dst.Write(data); err != nil {
			return fmt.Errorf("write local file: %w", err)
		}
		written += int64(len(data))
		rep.add(len(data))
		return nil
	}

	g.Go(func() error {
		for pr := range queue {
			select {
			case <-pr.done:
			case <-gctx.Done():
				return gctx.Err()
			}
			if errors.Is(pr.err, io.EOF) {
				return errShortFile
			}
			if pr.err != nil {
				return pr.err
			}
			if err := write(pr.data); err != nil {
				return err
			}
			// A short read leaves a gap; fill it before moving on.
			for got := len(pr.data); got < pr.n; {
				data, err := src.readChunk(gctx, pr.off+int64(got), pr.n-got)
				if errors.Is(err, io.EOF) {
					return errShortFile
				}
				if err != nil {
					return err
				}
				if err := write(data); err != nil {
					return err
				}
				got += len(data)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShortFile) {
		return written, err
	}

	// Read whatever lies past the reported size.
	for {
		data, err := src.readChunk(ctx, written, chunk)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if len(data) == 0 {
			return written, io.ErrUnexpectedEOF
		}
		if err := write(data); err != nil {
			return written, err
		}
	}
}
