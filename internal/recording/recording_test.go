package recording

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/sshkit/internal/testing/fakes/fakeclock"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"output event", Event{Time: 1.5, Type: "o", Data: "hello"}, `[1.5,"o","hello"]`},
		{"input event", Event{Time: 0, Type: "i", Data: "ls\r\n"}, `[0,"i","ls\r\n"]`},
		{"resize event", Event{Time: 2, Type: "r", Data: "100x40"}, `[2,"r","100x40"]`},
		{"unicode data", Event{Time: 0.5, Type: "o", Data: "Hello, 世界"}, `[0.5,"o","Hello, 世界"]`},
		{"json special chars", Event{Time: 1, Type: "o", Data: `"q" \b`}, `[1,"o","\"q\" \\b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("MarshalJSON() = %s, want %s", got, tt.expected)
			}
		})
	}
}

type castFile struct {
	header Header
	events [][]any
}

func readCast(t *testing.T, fs *fakefs.FS, path string) castFile {
	t.Helper()
	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	var cf castFile
	if err := json.Unmarshal([]byte(lines[0]), &cf.header); err != nil {
		t.Fatalf("header %q: %v", lines[0], err)
	}
	for _, line := range lines[1:] {
		var ev []any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		cf.events = append(cf.events, ev)
	}
	return cf
}

func newTestManager(input bool) (*Manager, *fakefs.FS, *fakeclock.Clock) {
	fs := fakefs.New()
	clock := fakeclock.New(epoch)
	return NewManager(Options{Dir: "/rec/casts", Input: input, FS: fs, Clock: clock}), fs, clock
}

func TestManager_NewRecorder(t *testing.T) {
	m, fs, clock := newTestManager(false)

	rec, err := m.NewRecorder("abc-1", 120, 24, "xterm")
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	path, ok := m.Path("abc-1")
	if !ok {
		t.Fatal("Path() found no open recording")
	}
	if dir := filepath.Dir(path); dir != "/rec/casts" {
		t.Errorf("recording written to %s, want /rec/casts", dir)
	}
	if !strings.HasPrefix(filepath.Base(path), "abc-1_20260301_120000") {
		t.Errorf("file name = %s", filepath.Base(path))
	}

	rec.RecordOutput("$ ")
	clock.Advance(1500 * time.Millisecond)
	rec.RecordInput("ls\n")
	rec.RecordOutput("file\n")
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	cf := readCast(t, fs, path)
	if cf.header.Version != 2 || cf.header.Width != 120 || cf.header.Height != 24 {
		t.Errorf("header = %+v", cf.header)
	}
	if cf.header.Timestamp != epoch.Unix() || cf.header.Env["TERM"] != "xterm" || cf.header.Title != "abc-1" {
		t.Errorf("header = %+v", cf.header)
	}
	if len(cf.events) != 2 {
		t.Fatalf("events = %v, want two output events (input not recorded)", cf.events)
	}
	if cf.events[0][0] != 0.0 || cf.events[0][1] != "o" || cf.events[0][2] != "$ " {
		t.Errorf("events[0] = %v", cf.events[0])
	}
	if cf.events[1][0] != 1.5 || cf.events[1][2] != "file\n" {
		t.Errorf("events[1] = %v", cf.events[1])
	}

	if _, ok := m.Path("abc-1"); ok {
		t.Error("Path() still reports a closed recording")
	}
}

func TestRecorder_InputAndResize(t *testing.T) {
	m, fs, _ := newTestManager(true)
	rec, err := m.NewRecorder("k", 80, 24, "vt100")
	if err != nil {
		t.Fatal(err)
	}
	r := rec.(*Recorder)
	r.RecordInput("whoami\n")
	r.Resize(100, 40)
	r.Close()

	cf := readCast(t, fs, r.Path())
	if len(cf.events) != 2 {
		t.Fatalf("events = %v", cf.events)
	}
	if cf.events[0][1] != "i" || cf.events[0][2] != "whoami\n" {
		t.Errorf("events[0] = %v", cf.events[0])
	}
	if cf.events[1][1] != "r" || cf.events[1][2] != "100x40" {
		t.Errorf("events[1] = %v", cf.events[1])
	}
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(false)
	rec, err := m.NewRecorder("k", 80, 24, "dumb")
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := rec.RecordOutput("late"); err != nil {
		t.Errorf("RecordOutput() after Close = %v, want nil", err)
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func (w *failingWriter) Close() error { return nil }

func TestRecorder_StopsAfterWriteFailure(t *testing.T) {
	w := &failingWriter{}
	r, err := newRecorder(w, "/x.cast", Header{Width: 1, Height: 1}, false, fakeclock.New(epoch))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RecordOutput("a"); err == nil {
		t.Fatal("RecordOutput() = nil, want the write error")
	}
	if err := r.RecordOutput("b"); err == nil {
		t.Error("RecordOutput() after a failure = nil, want the first error")
	}
	if w.writes != 2 {
		t.Errorf("writes = %d, want 2", w.writes)
	}
}

func TestManager_ReplacesRecordingOfSameSession(t *testing.T) {
	m, fs, clock := newTestManager(false)

	first, err := m.NewRecorder("k", 80, 24, "dumb")
	if err != nil {
		t.Fatal(err)
	}
	firstPath := first.(*Recorder).Path()
	clock.Advance(time.Second)
	second, err := m.NewRecorder("k", 80, 24, "dumb")
	if err != nil {
		t.Fatal(err)
	}

	if path, _ := m.Path("k"); path != second.(*Recorder).Path() || path == firstPath {
		t.Errorf("Path() = %s, want the second recording", path)
	}
	// The first file was closed and flushed when replaced.
	readCast(t, fs, firstPath)

	first.Close()
	if _, ok := m.Path("k"); !ok {
		t.Error("closing the replaced recorder dropped the current one")
	}
}

func TestManager_ActiveAndCloseAll(t *testing.T) {
	m, _, _ := newTestManager(false)
	for _, key := range []string{"b", "a", "c"} {
		if _, err := m.NewRecorder(key, 80, 24, "dumb"); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Active(); strings.Join(got, ",") != "a,b,c" {
		t.Errorf("Active() = %v", got)
	}
	m.CloseAll()
	if got := m.Active(); len(got) != 0 {
		t.Errorf("Active() after CloseAll = %v", got)
	}
}

func TestRecorder_ConcurrentRecording(t *testing.T) {
	m, fs, _ := newTestManager(true)
	rec, err := m.NewRecorder("k", 80, 24, "dumb")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				rec.RecordOutput("out")
			} else {
				rec.RecordInput("in")
			}
		}()
	}
	wg.Wait()
	rec.Close()

	if cf := readCast(t, fs, rec.(*Recorder).Path()); len(cf.events) != 20 {
		t.Errorf("recorded %d events, want 20", len(cf.events))
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"3f2a-7":   "3f2a-7",
		"a/b":      "a_b",
		"../x":     "___x",
		"with spc": "with_spc",
	}
	for in, want := range tests {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
