// Package recording writes shell sessions as asciicast v2 files.
// See https://docs.asciinema.org/manual/asciicast/v2/
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// Header is the asciicast v2 header line.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event line [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Recorder appends shell traffic to one cast file. It implements
// session.Recorder.
type Recorder struct {
	path   string
	input  bool
	clock  ports.Clock
	start  time.Time
	onDone func()

	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
	err    error
}

func newRecorder(w io.WriteCloser, path string, h Header, input bool, clock ports.Clock) (*Recorder, error) {
	r := &Recorder{
		path:  path,
		input: input,
		clock: clock,
		start: clock.Now(),
		w:     w,
	}
	h.Version = 2
	h.Timestamp = r.start.Unix()
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Path returns the cast file path.
func (r *Recorder) Path() string { return r.path }

// RecordOutput records data received from the shell.
func (r *Recorder) RecordOutput(data string) error {
	return r.record("o", data)
}

// RecordInput records data sent to the shell. Input is dropped unless
// the recorder was created with input recording on, since typed input
// may contain passwords.
func (r *Recorder) RecordInput(data string) error {
	if !r.input {
		return nil
	}
	return r.record("i", data)
}

// Resize records a terminal size change.
func (r *Recorder) Resize(cols, rows int) error {
	return r.record("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) record(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return r.err
	}

	line, err := json.Marshal(Event{
		Time: r.clock.Now().Sub(r.start).Seconds(),
		Type: typ,
		Data: data,
	})
	if err != nil {
		return err
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		// Stop after the first failure rather than writing a torn file.
		r.err = fmt.Errorf("write event: %w", err)
		return r.err
	}
	return nil
}

// Close closes the cast file. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.w.Close()
	onDone := r.onDone
	r.mu.Unlock()

	if onDone != nil {
		onDone()
	}
	return err
}
