package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/mux"
)

// State is the lifecycle state of a Shell.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PtyType is the terminal type requested for a shell.
type PtyType string

const (
	PtyVanilla PtyType = "vanilla"
	PtyVT100   PtyType = "vt100"
	PtyVT102   PtyType = "vt102"
	PtyVT220   PtyType = "vt220"
	PtyANSI    PtyType = "ansi"
	PtyXterm   PtyType = "xterm"
)

// ParsePtyType validates a terminal type name. The empty string selects
// PtyVanilla.
func ParsePtyType(name string) (PtyType, error) {
	switch p := PtyType(name); p {
	case "":
		return PtyVanilla, nil
	case PtyVanilla, PtyVT100, PtyVT102, PtyVT220, PtyANSI, PtyXterm:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPtyType, name)
}

// Term returns the TERM value sent in pty-req.
func (p PtyType) Term() string {
	if p == PtyVanilla || p == "" {
		return "dumb"
	}
	return string(p)
}

// Size is a terminal size in character cells.
type Size struct {
	Cols uint32
	Rows uint32
}

// DefaultSize is used when ShellOptions.Size is zero.
var DefaultSize = Size{Cols: 120, Rows: 24}

// Recorder receives a copy of shell traffic.
type Recorder interface {
	RecordOutput(data string) error
	RecordInput(data string) error
	Close() error
}

// ShellOptions configures a Shell.
type ShellOptions struct {
	Pty  PtyType
	Size Size
	// Env is sent as env requests before the shell starts. Servers
	// usually accept only a few variables; refusals are ignored.
	Env map[string]string
	// OnData receives stdout and stderr chunks, one call at a time. Each
	// stream keeps its own order.
	OnData func(data []byte)
	// OnExit is called once when the shell ends. err is nil for a clean
	// exit, an *ExitError for a non-zero exit, or the channel failure.
	OnExit func(err error)
	// Recorder, if set, is closed when the shell ends.
	Recorder Recorder
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type envMsg struct {
	Name  string
	Value string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type signalMsg struct {
	Signal string
}

// terminalModes encodes the pty-req mode list: echo on, 14400 baud.
func terminalModes() string {
	modes := []struct {
		op  byte
		val uint32
	}{
		{ssh.ECHO, 1},
		{ssh.TTY_OP_ISPEED, 14400},
		{ssh.TTY_OP_OSPEED, 14400},
	}
	var b []byte
	for _, m := range modes {
		b = append(b, m.op)
		b = binary.BigEndian.AppendUint32(b, m.val)
	}
	return string(append(b, 0))
}

// Shell is an interactive PTY shell on one session channel. It moves
// through Idle, Opening, Active, Closing and Closed exactly once.
type Shell struct {
	opener Opener
	opts   ShellOptions

	mu    sync.Mutex
	state State
	ch    *mux.Channel
	size  Size
	exit  exitInfo

	done     chan struct{}
	doneOnce sync.Once
}

// NewShell returns an idle shell.
func NewShell(o Opener, opts ShellOptions) *Shell {
	if opts.Pty == "" {
		opts.Pty = PtyVanilla
	}
	if opts.Size.Cols == 0 || opts.Size.Rows == 0 {
		opts.Size = DefaultSize
	}
	return &Shell{
		opener: o,
		opts:   opts,
		size:   opts.Size,
		done:   make(chan struct{}),
	}
}

// State returns the current state.
func (s *Shell) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the last size sent to the server.
func (s *Shell) Size() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Done is closed once the shell reaches Closed.
func (s *Shell) Done() <-chan struct{} { return s.done }

// ExitErr returns how the shell exited. It is meaningful after Done.
func (s *Shell) ExitErr() error {
	if xerr := s.exit.err(); xerr != nil {
		return xerr
	}
	return nil
}

// Start opens the channel, requests a PTY and starts the login shell.
// A failure leaves the shell Closed and wraps ErrShellOpenFailed.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, state)
	}
	s.state = StateOpening
	s.mu.Unlock()

	ch, err := s.open(ctx)
	if err != nil {
		s.finish()
		return fmt.Errorf("%w: %w", ErrShellOpenFailed, err)
	}

	s.mu.Lock()
	if s.state != StateOpening {
		// Closed while opening.
		s.mu.Unlock()
		ch.Close()
		s.finish()
		return fmt.Errorf("%w: closed while opening", ErrShellOpenFailed)
	}
	s.state = StateActive
	s.ch = ch
	s.mu.Unlock()

	slog.Info("ssh shell started",
		slog.String("term", s.opts.Pty.Term()),
		slog.Int("cols", int(s.opts.Size.Cols)),
		slog.Int("rows", int(s.opts.Size.Rows)),
	)
	go s.pump(ch)
	return nil
}

func (s *Shell) open(ctx context.Context) (*mux.Channel, error) {
	ch, err := s.opener.OpenChannel(ctx, "session", nil, mux.OpenOptions{OnRequest: s.exit.handle})
	if err != nil {
		return nil, err
	}

	err = sendRequest(ctx, ch, "pty-req", ssh.Marshal(&ptyRequestMsg{
		Term:     s.opts.Pty.Term(),
		Columns:  s.opts.Size.Cols,
		Rows:     s.opts.Size.Rows,
		Modelist: terminalModes(),
	}))
	if err == nil {
		for name, value := range s.opts.Env {
			if _, err = ch.SendRequest(ctx, "env", false, ssh.Marshal(&envMsg{Name: name, Value: value})); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = sendRequest(ctx, ch, "shell", nil)
	}
	if err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// pump delivers output until the channel ends, then moves to Closed.
// Extended data is delivered like stdout so it cannot fill the window.
func (s *Shell) pump(ch *mux.Channel) {
	var deliverMu sync.Mutex
	deliver := func(chunk []byte) {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		if s.opts.Recorder != nil {
			s.opts.Recorder.RecordOutput(string(chunk))
		}
		if s.opts.OnData != nil {
			s.opts.OnData(chunk)
		}
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		for chunk, err := range ch.StderrChunks(context.Background()) {
			if err != nil {
				return
			}
			deliver(chunk)
		}
	}()

	var streamErr error
	for chunk, err := range ch.Chunks(context.Background()) {
		if err != nil {
			streamErr = err
			break
		}
		deliver(chunk)
	}

	// Exit status arrives between EOF and CLOSE. Close ends the wait by
	// closing the channel locally.
	if streamErr == nil {
		<-ch.Done()
	}
	ch.Close()
	<-stderrDone

	exitErr := streamErr
	if exitErr == nil {
		exitErr = s.ExitErr()
	}
	if streamErr != nil {
		slog.Warn("ssh shell failed", slog.String("error", streamErr.Error()))
	} else {
		slog.Info("ssh shell ended")
	}
	s.finish()
	if s.opts.OnExit != nil {
		s.opts.OnExit(exitErr)
	}
}

func (s *Shell) finish() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.doneOnce.Do(func() {
		if s.opts.Recorder != nil {
			s.opts.Recorder.Close()
		}
		close(s.done)
	})
}

func (s *Shell) active(op string) (*mux.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, s.state)
	}
	return s.ch, nil
}

// Write sends input to the shell. It is valid only while Active.
func (s *Shell) Write(p []byte) (int, error) {
	ch, err := s.active("write")
	if err != nil {
		return 0, err
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordInput(string(p))
	}
	return ch.Write(p)
}

// Resize sends a window-change request.
func (s *Shell) Resize(cols, rows uint32) error {
	ch, err := s.active("resize")
	if err != nil {
		return err
	}
	_, err = ch.SendRequest(context.Background(), "window-change", false, ssh.Marshal(&windowChangeMsg{Columns: cols, Rows: rows}))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.size = Size{Cols: cols, Rows: rows}
	s.mu.Unlock()
	if r, ok := s.opts.Recorder.(interface{ Resize(cols, rows int) error }); ok {
		r.Resize(int(cols), int(rows))
	}
	return nil
}

// Signal delivers a signal such as "INT" or "SIGTERM" to the remote
// process. Many servers ignore signal requests.
func (s *Shell) Signal(name string) error {
	ch, err := s.active("signal")
	if err != nil {
		return err
	}
	_, err = ch.SendRequest(context.Background(), "signal", false, ssh.Marshal(&signalMsg{Signal: signalName(name)}))
	return err
}

// Interrupt writes Ctrl+C.
func (s *Shell) Interrupt() error {
	_, err := s.Write([]byte{0x03})
	return err
}

// Close closes the channel and waits for the shell to reach Closed. It is
// idempotent.
func (s *Shell) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		s.finish()
		return nil
	case StateOpening:
		// Start notices the state change and tears down.
		s.state = StateClosing
		s.mu.Unlock()
		<-s.done
		return nil
	case StateActive:
		s.state = StateClosing
		ch := s.ch
		s.mu.Unlock()
		err := ch.Close()
		<-s.done
		return err
	}
	s.mu.Unlock()
	<-s.done
	return nil
}
