// Package events routes facade events to subscribers by session key and
// keeps a bounded log of recent events per key for polling consumers.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/ports"
)

// Kind names an event channel.
type Kind string

const (
	ShellData        Kind = "shell-data"
	UploadProgress   Kind = "upload-progress"
	DownloadProgress Kind = "download-progress"
	Connected        Kind = "connected"
	Disconnected     Kind = "disconnected"
	Banner           Kind = "banner"
)

// Event is one delivery. Seq increases per key.
type Event struct {
	Seq  uint64    `json:"seq"`
	Key  string    `json:"session"`
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	// Text carries shell output, banners and disconnect reasons.
	Text string `json:"text,omitempty"`

	// Path, Transferred and Total describe transfer progress. Total is -1
	// when the size is unknown.
	Path        string  `json:"path,omitempty"`
	Transferred int64   `json:"transferred,omitempty"`
	Total       int64   `json:"total,omitempty"`
	Fraction    float64 `json:"fraction,omitempty"`
}

// Handler receives events. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Event)

// DefaultLogSize is the number of events kept per key.
const DefaultLogSize = 512

type subscriber struct {
	id   uint64
	kind Kind
	fn   Handler
}

type stream struct {
	seq  uint64
	subs []subscriber
	log  []Event
	head int
	full bool
}

// Registry maps session keys to subscriber sets and event logs.
type Registry struct {
	epoch   string
	counter atomic.Uint64
	logSize int
	clock   ports.Clock

	mu      sync.Mutex
	nextSub uint64
	streams map[string]*stream
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogSize sets how many events are kept per key. Zero disables the log.
func WithLogSize(n int) Option {
	return func(r *Registry) { r.logSize = n }
}

// WithClock sets the clock used to stamp events.
func WithClock(c ports.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry returns an empty registry with a fresh epoch.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		epoch:   uuid.NewString(),
		logSize: DefaultLogSize,
		clock:   realclock.New(),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewKey returns a session key unique for the life of the process: the
// registry epoch plus a monotonic counter.
func (r *Registry) NewKey() string {
	return fmt.Sprintf("%s-%d", r.epoch, r.counter.Add(1))
}

func (r *Registry) streamLocked(key string) *stream {
	s, ok := r.streams[key]
	if !ok {
		s = &stream{}
		r.streams[key] = s
	}
	return s
}

// Subscribe registers fn for events of kind on key. An empty kind
// receives every kind. The returned function removes the subscription
// and is safe to call more than once.
func (r *Registry) Subscribe(key string, kind Kind, fn Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	s := r.streamLocked(key)
	s.subs = append(s.subs, subscriber{id: id, kind: kind, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(key, id) })
	}
}

func (r *Registry) unsubscribe(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	if !ok {
		return
	}
	for i, sub := range s.subs {
		if sub.id == id {
			// Copy so in-flight publishes keep their snapshot.
			subs := make([]subscriber, 0, len(s.subs)-1)
			subs = append(subs, s.subs[:i]...)
			s.subs = append(subs, s.subs[i+1:]...)
			return
		}
	}
}

// Publish stamps ev with the key's next sequence number and the current
// time, appends it to the log and calls matching subscribers in
// subscription order. It returns the stamped event.
func (r *Registry) Publish(key string, ev Event) Event {
	r.mu.Lock()
	s := r.streamLocked(key)
	s.seq++
	ev.Seq = s.seq
	ev.Key = key
	ev.Time = r.clock.Now()
	if r.logSize > 0 {
		if s.log == nil {
			s.log = make([]Event, r.logSize)
		}
		s.log[s.head] = ev
		s.head = (s.head + 1) % r.logSize
		if s.head == 0 {
			s.full = true
		}
	}
	subs := s.subs
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.kind == "" || sub.kind == ev.Kind {
			sub.fn(ev)
		}
	}
	return ev
}

// Since returns logged events on key with Seq greater than after, oldest
// first. Events that fell out of the log are gone.
func (r *Registry) Since(key string, after uint64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	if !ok || s.log == nil {
		return nil
	}

	start, n := 0, s.head
	if s.full {
		start, n = s.head, len(s.log)
	}
	var out []Event
	for i := range n {
		ev := s.log[(start+i)%len(s.log)]
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// Drop forgets key, its subscribers and its log.
func (r *Registry) Drop(key string) {
	r.mu.Lock()
	delete(r.streams, key)
	r.mu.Unlock()
}

// Keys returns the number of keys with subscribers or logged events.
func (r *Registry) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
