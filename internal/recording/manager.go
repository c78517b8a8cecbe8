package recording

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/session"
)

// Options configures a Manager.
type Options struct {
	// Dir receives one cast file per shell.
	Dir string
	// Input also records what is typed into the shell.
	Input bool
	FS    ports.FileSystem
	Clock ports.Clock
}

// Manager creates recorders for shells and tracks the open ones. It
// implements client.RecorderFactory.
type Manager struct {
	opts Options

	mu     sync.Mutex
	active map[string]*Recorder // by session key
}

// NewManager returns a manager writing under opts.Dir.
func NewManager(opts Options) *Manager {
	if opts.FS == nil {
		opts.FS = realfs.New()
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	return &Manager{opts: opts, active: make(map[string]*Recorder)}
}

// NewRecorder starts a cast file for the shell of session key. A shell
// that replaces an earlier one of the same session gets a new file.
func (m *Manager) NewRecorder(key string, cols, rows int, term string) (session.Recorder, error) {
	if err := m.opts.FS.MkdirAll(m.opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	now := m.opts.Clock.Now()
	name := fmt.Sprintf("%s_%s.cast", sanitizeName(key), now.Format("20060102_150405.000"))
	path := filepath.Join(m.opts.Dir, name)
	w, err := m.opts.FS.Create(path, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r, err := newRecorder(w, path, Header{
		Width:  cols,
		Height: rows,
		Title:  key,
		Env:    map[string]string{"TERM": term},
	}, m.opts.Input, m.opts.Clock)
	if err != nil {
		w.Close()
		return nil, err
	}

	r.onDone = func() {
		m.mu.Lock()
		if m.active[key] == r {
			delete(m.active, key)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	prev := m.active[key]
	m.active[key] = r
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	slog.Info("shell recording started", slog.String("session", key), slog.String("path", path))
	return r, nil
}

// Path returns the cast file of the open recording for key.
func (m *Manager) Path(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[key]
	if !ok {
		return "", false
	}
	return r.Path(), true
}

// Active returns the keys with an open recording, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes every open recording.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	recs := make([]*Recorder, 0, len(m.active))
	for _, r := range m.active {
		recs = append(recs, r)
	}
	m.mu.Unlock()
	for _, r := range recs {
		r.Close()
	}
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
