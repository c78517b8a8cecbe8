package config

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/acolita/sshkit/internal/ports"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Watcher keeps the host profiles and defaults current while the MCP
// server runs. Edits land after reloadDelay of quiet. Saves that leave
// the bytes unchanged, or that fail to parse or validate, keep the
// current config.
type Watcher struct {
	path     string
	fsys     ports.FileSystem
	onChange func(old, cur *Config)

	mu   sync.RWMutex
	cur  *Config
	raw  []byte
	stop chan struct{}

	events *fsnotify.Watcher
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWatcher loads path and starts watching its directory, which also
// catches editors that replace the file. onChange runs on the watcher
// goroutine.
func NewWatcher(path string, onChange func(old, cur *Config), fsys ...ports.FileSystem) (*Watcher, error) {
	store := fileSystem(fsys)
	cfg, err := Load(path, store)
	if err != nil {
		return nil, err
	}
	raw, _ := store.ReadFile(path)

	events, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := events.Add(filepath.Dir(path)); err != nil {
		events.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fsys:     store,
		onChange: onChange,
		cur:      cfg,
		raw:      raw,
		stop:     make(chan struct{}),
		events:   events,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Config returns the config in effect.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	name := filepath.Base(w.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.events.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}
		case <-timer.C:
			w.reload()
		case err, ok := <-w.events.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch", slog.String("path", w.path), slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	raw, err := w.fsys.ReadFile(w.path)
	if err != nil {
		// Mid-replace; the Create that follows schedules another reload.
		slog.Debug("config reload skipped", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.mu.RLock()
	same := bytes.Equal(raw, w.raw)
	w.mu.RUnlock()
	if same {
		return
	}

	cfg, err := Load(w.path, w.fsys)
	if err != nil {
		slog.Error("config reload rejected", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	old := w.cur
	w.cur, w.raw = cfg, raw
	w.mu.Unlock()

	slog.Info("config reloaded", slog.String("path", w.path), slog.Int("hosts", len(cfg.Hosts)))
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// Close stops the watcher. Calling it again is a no-op.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.events.Close()
		w.wg.Wait()
	})
	return err
}
