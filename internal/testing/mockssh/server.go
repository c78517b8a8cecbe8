// Package mockssh provides an in-process SSH server for testing. It speaks
// real SSH (golang.org/x/crypto/ssh), runs commands and PTY shells through
// creack/pty, serves the sftp subsystem with pkg/sftp and forwards
// direct-tcpip channels.
package mockssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecHandler serves an exec request in place of running a real command.
// It returns the exit status.
type ExecHandler func(command string, stdout, stderr io.Writer) int

// Server is a mock SSH server for testing.
type Server struct {
	listener    net.Listener
	config      *ssh.ServerConfig
	addr        string
	listenAddr  string
	hostKey     ssh.Signer
	shell       string
	root        string
	banner      string
	execHandler  ExecHandler
	shellHandler ExecHandler
	sftpLog      int
	configure    []func(*ssh.ServerConfig)
	silent       bool

	mu          sync.RWMutex
	users       map[string]string
	keys        map[string][]ssh.PublicKey
	interactive map[string][]string
	partial     map[string]bool

	done chan struct{}
	wg   sync.WaitGroup

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	sessions []*session
	accepted int
}

type session struct {
	channel ssh.Channel

	mu  sync.Mutex
	pty *os.File
	cmd *exec.Cmd
}

func (sess *session) set(ptmx *os.File, cmd *exec.Cmd) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.pty = ptmx
	sess.cmd = cmd
}

func (sess *session) get() (*os.File, *exec.Cmd) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.pty, sess.cmd
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell sets the shell used for shell and exec requests.
func WithShell(shell string) Option {
	return func(s *Server) {
		s.shell = shell
	}
}

// WithUser adds a user/password pair for authentication.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithPublicKey authorizes key for username.
func WithPublicKey(username string, key ssh.PublicKey) Option {
	return func(s *Server) {
		s.keys[username] = append(s.keys[username], key)
	}
}

// WithKeyboardInteractive enables keyboard-interactive auth for username.
// Each answer is expected for the prompt "Answer <n>: ".
func WithKeyboardInteractive(username string, answers ...string) Option {
	return func(s *Server) {
		s.interactive[username] = answers
	}
}

// WithPartialAuth makes username authenticate with a public key first and a
// password second.
func WithPartialAuth(username string) Option {
	return func(s *Server) {
		s.partial[username] = true
	}
}

// WithBanner sends text as a userauth banner.
func WithBanner(text string) Option {
	return func(s *Server) {
		s.banner = text
	}
}

// WithRoot sets the working directory of the sftp subsystem and commands.
func WithRoot(dir string) Option {
	return func(s *Server) {
		s.root = dir
	}
}

// WithAddr sets the listen address. The default is 127.0.0.1:0.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithHostKey replaces the generated ed25519 host key.
func WithHostKey(signer ssh.Signer) Option {
	return func(s *Server) {
		s.hostKey = signer
	}
}

// WithExecHandler serves exec requests with h instead of the shell.
func WithExecHandler(h ExecHandler) Option {
	return func(s *Server) {
		s.execHandler = h
	}
}

// WithConfig lets a test adjust the server config, e.g. to restrict
// ciphers.
func WithConfig(fn func(*ssh.ServerConfig)) Option {
	return func(s *Server) {
		s.configure = append(s.configure, fn)
	}
}

// WithShellHandler serves shell requests with h instead of a real shell,
// with or without a pty. The command argument is empty.
func WithShellHandler(h ExecHandler) Option {
	return func(s *Server) {
		s.shellHandler = h
	}
}

// WithSFTPLog makes the SFTP subsystem write n bytes of log lines to the
// channel's stderr before serving, the way sftp-server -e does.
func WithSFTPLog(n int) Option {
	return func(s *Server) {
		s.sftpLog = n
	}
}

// WithSilentGlobalRequests makes the server read global requests such as
// keepalives without ever replying, like a peer that stopped responding.
func WithSilentGlobalRequests() Option {
	return func(s *Server) {
		s.silent = true
	}
}

// New creates and starts a mock SSH server, by default on a free
// loopback port.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		shell: "/bin/sh",
		users: map[string]string{
			"test": "test",
		},
		keys:        make(map[string][]ssh.PublicKey),
		interactive: make(map[string][]string),
		partial:     make(map[string]bool),
		done:        make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
		listenAddr:  "127.0.0.1:0",
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.hostKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
		signer, err := ssh.NewSignerFromKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
		s.hostKey = signer
	}

	s.config = s.buildConfig()

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock SSH server started", slog.String("addr", s.addr))
	return s, nil
}

func (s *Server) buildConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		PasswordCallback:  s.checkPassword,
		PublicKeyCallback: s.checkPublicKey,
	}
	if len(s.interactive) > 0 {
		config.KeyboardInteractiveCallback = s.checkInteractive
	}
	if s.banner != "" {
		banner := s.banner
		config.BannerCallback = func(ssh.ConnMetadata) string { return banner }
	}
	config.AddHostKey(s.hostKey)
	for _, fn := range s.configure {
		fn(config)
	}
	return config
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.RLock()
	expected, ok := s.users[c.User()]
	s.mu.RUnlock()

	if ok && string(password) == expected {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.RLock()
	keys := s.keys[c.User()]
	partial := s.partial[c.User()]
	s.mu.RUnlock()

	for _, k := range keys {
		if string(k.Marshal()) == string(key.Marshal()) {
			if partial {
				return nil, &ssh.PartialSuccessError{
					Next: ssh.ServerAuthCallbacks{PasswordCallback: s.checkPassword},
				}
			}
			return nil, nil
		}
	}
	return nil, fmt.Errorf("public key rejected for %q", c.User())
}

func (s *Server) checkInteractive(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	s.mu.RLock()
	answers, ok := s.interactive[c.User()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keyboard-interactive not enabled for %q", c.User())
	}

	questions := make([]string, len(answers))
	echos := make([]bool, len(answers))
	for i := range answers {
		questions[i] = "Answer " + strconv.Itoa(i+1) + ": "
	}
	got, err := challenge(c.User(), "mock challenge", questions, echos)
	if err != nil {
		return nil, err
	}
	if len(got) != len(answers) {
		return nil, errors.New("wrong number of answers")
	}
	for i := range answers {
		if got[i] != answers[i] {
			return nil, errors.New("wrong answer")
		}
	}
	return nil, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.accepted
}

// DropConnections closes every client connection without a DISCONNECT
// message, simulating a network failure.
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close shuts down the mock SSH server.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.connsMu.Lock()
	for _, sess := range s.sessions {
		ptmx, cmd := sess.get()
		if ptmx != nil {
			ptmx.Close()
		}
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		sess.channel.Close()
	}
	s.sessions = nil
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer func() {
		netConn.Close()
		s.connsMu.Lock()
		delete(s.conns, netConn)
		s.connsMu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("SSH handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	if s.silent {
		go func() {
			for range reqs {
			}
		}()
	} else {
		go ssh.DiscardRequests(reqs)
	}

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				slog.Debug("channel accept failed", slog.String("error", err.Error()))
				continue
			}
			s.wg.Add(1)
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			s.wg.Add(1)
			go s.handleDirectTCPIP(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) track(sess *session) {
	s.connsMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.connsMu.Unlock()
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	sess := &session{channel: channel}
	s.track(sess)

	var ptyReq *ptyRequestMsg

	for req := range requests {
		ok := true
		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				ok = false
				break
			}
			ptyReq = &msg

		case "env":

		case "shell":
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if s.shellHandler != nil {
					code := s.shellHandler("", channel, channel.Stderr())
					sendExitStatus(channel, code)
					return
				}
				s.runCommand(sess, ptyReq, s.shell)
			}()

		case "exec":
			var msg execMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				ok = false
				break
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if s.execHandler != nil && ptyReq == nil {
					code := s.execHandler(msg.Command, channel, channel.Stderr())
					sendExitStatus(channel, code)
					return
				}
				s.runCommand(sess, ptyReq, s.shell, "-c", msg.Command)
			}()

		case "subsystem":
			var msg subsystemMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				ok = false
				break
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveSFTP(channel)
			}()

		case "window-change":
			var msg windowChangeMsg
			if ptmx, _ := sess.get(); ptmx != nil && ssh.Unmarshal(req.Payload, &msg) == nil {
				pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(msg.Rows), Cols: uint16(msg.Columns)})
			}

		case "signal":
			var msg signalMsg
			_, cmd := sess.get()
			if cmd != nil && cmd.Process != nil && ssh.Unmarshal(req.Payload, &msg) == nil {
				if sig, known := signals[msg.Signal]; known {
					cmd.Process.Signal(sig)
				}
			}

		default:
			ok = false
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

var signals = map[string]syscall.Signal{
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
	"KILL": syscall.SIGKILL,
	"HUP":  syscall.SIGHUP,
}

func (s *Server) serveSFTP(channel ssh.Channel) {
	var opts []sftp.ServerOption
	if s.root != "" {
		opts = append(opts, sftp.WithServerWorkingDirectory(s.root))
	}
	if s.sftpLog > 0 {
		line := []byte("sftp-server[1]: debug3: request 1: stat\n")
		for written := 0; written < s.sftpLog; written += len(line) {
			if _, err := channel.Stderr().Write(line); err != nil {
				return
			}
		}
	}
	server, err := sftp.NewServer(channel, opts...)
	if err != nil {
		slog.Debug("sftp server init failed", slog.String("error", err.Error()))
		channel.Close()
		return
	}
	if err := server.Serve(); err != nil && err != io.EOF {
		slog.Debug("sftp server stopped", slog.String("error", err.Error()))
	}
	server.Close()
	sendExitStatus(channel, 0)
}

func (s *Server) runCommand(sess *session, ptyReq *ptyRequestMsg, name string, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	if s.root != "" {
		cmd.Dir = s.root
	}

	if ptyReq != nil {
		cmd.Env = append(cmd.Env, "TERM="+ptyReq.Term)
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(ptyReq.Rows), Cols: uint16(ptyReq.Columns)})
		if err != nil {
			slog.Debug("pty start failed", slog.String("error", err.Error()))
			sendExitStatus(sess.channel, 1)
			return
		}
		sess.set(ptmx, cmd)

		done := make(chan struct{})
		go func() {
			io.Copy(sess.channel, ptmx)
			close(done)
		}()
		go func() {
			io.Copy(ptmx, sess.channel)
		}()

		code := exitCode(cmd.Wait())
		ptmx.Close()
		<-done

		sendExitStatus(sess.channel, code)
		return
	}

	cmd.Stdout = sess.channel
	cmd.Stderr = sess.channel.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(sess.channel, 1)
		return
	}
	go func() {
		io.Copy(stdin, sess.channel)
		stdin.Close()
	}()
	if err := cmd.Start(); err != nil {
		sendExitStatus(sess.channel, 127)
		return
	}
	sess.set(nil, cmd)
	sendExitStatus(sess.channel, exitCode(cmd.Wait()))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func sendExitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()
	channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(code)}))
	channel.Close()
}

func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	defer s.wg.Done()

	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newChannel.ExtraData(), &msg); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(msg.Host, strconv.Itoa(int(msg.Port))))
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer target.Close()

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(requests)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(target, channel)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(channel, target)
		channel.CloseWrite()
		done <- struct{}{}
	}()
	<-done
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Name string
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

type exitStatusMsg struct {
	Status uint32
}

type directTCPIPMsg struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}
