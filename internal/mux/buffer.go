package mux

import (
	"context"
	"io"
	"sync"
)

// buffer queues received data for one stream of a channel. It has a single
// consumer; the reader goroutine is the only producer.
type buffer struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	signal chan struct{}

	// consumed is called with the number of bytes handed to the consumer.
	consumed func(n int)
}

func newBuffer(consumed func(int)) *buffer {
	return &buffer{signal: make(chan struct{}, 1), consumed: consumed}
}

func (b *buffer) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// write appends a copy of p.
func (b *buffer) write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if b.err == nil {
		b.chunks = append(b.chunks, append([]byte(nil), p...))
	}
	b.mu.Unlock()
	b.notify()
}

// close ends the stream. Buffered data stays readable; err is returned
// after it. Only the first error sticks.
func (b *buffer) close(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.notify()
}

// next blocks until a chunk is available and returns it whole.
func (b *buffer) next(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			chunk := b.chunks[0]
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.mu.Unlock()
			b.consumed(len(chunk))
			return chunk, nil
		}
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-b.signal:
		case <-ctx.Done():
			return nil, cancelled(ctx.Err())
		}
	}
}

// Read implements io.Reader over the queued chunks.
func (b *buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			n := copy(p, b.chunks[0])
			if n == len(b.chunks[0]) {
				b.chunks[0] = nil
				b.chunks = b.chunks[1:]
			} else {
				b.chunks[0] = b.chunks[0][n:]
			}
			b.mu.Unlock()
			b.consumed(n)
			return n, nil
		}
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}
		<-b.signal
	}
}

var _ io.Reader = (*buffer)(nil)
