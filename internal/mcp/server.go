// Package mcp exposes the SSH client facade as MCP tools over stdio.
package mcp

import (
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realdialog"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/client"
	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/logging"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/prompt"
	"github.com/acolita/sshkit/internal/recording"
	"github.com/acolita/sshkit/internal/security"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// Server wraps the MCP server implementation.
type Server struct {
	mcpServer *server.MCPServer
	manager   *client.Manager

	level           *slog.LevelVar
	prompter        ports.Prompter
	hostKeyCallback ssh.HostKeyCallback
	fs              ports.FileSystem
	clock           ports.Clock
	prompts         *prompt.Detector

	mu         sync.RWMutex
	config     *config.Config
	configPath string
	recordings *recording.Manager
	policy     *security.CommandPolicy
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFileSystem sets the filesystem used for local transfer paths and
// profile secrets.
func WithFileSystem(fs ports.FileSystem) ServerOption {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithClock sets the clock used by clients and recordings.
func WithClock(clock ports.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithPrompter sets how missing credentials and unknown host keys are
// confirmed. The default opens a dialog in a separate terminal window,
// since stdin and stdout carry the MCP protocol.
func WithPrompter(p ports.Prompter) ServerOption {
	return func(s *Server) {
		s.prompter = p
	}
}

// WithLogLevel lets config reloads change the log level at runtime.
func WithLogLevel(level *slog.LevelVar) ServerOption {
	return func(s *Server) {
		s.level = level
	}
}

// WithConfigPath enables ssh_host_add, which saves profiles to path.
func WithConfigPath(path string) ServerOption {
	return func(s *Server) {
		s.configPath = path
	}
}

// WithHostKeyCallback overrides known_hosts verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) ServerOption {
	return func(s *Server) {
		s.hostKeyCallback = cb
	}
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg *config.Config, opts ...ServerOption) *Server {
	s := &Server{
		config:  cfg,
		fs:      realfs.New(),
		clock:   realclock.New(),
		prompts: prompt.NewDetector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prompter == nil {
		s.prompter = realdialog.NewWindow()
	}

	s.mcpServer = server.NewMCPServer(
		cfg.Server.Name,
		Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	s.recordings = s.newRecordings(cfg)
	s.policy = commandPolicy(cfg)
	s.manager = client.NewManager(s.clientOptions(cfg), cfg.Server.MaxSessions)

	s.registerTools()
	return s
}

func (s *Server) newRecordings(cfg *config.Config) *recording.Manager {
	if !cfg.Recording.Enabled {
		return nil
	}
	return recording.NewManager(recording.Options{
		Dir:   cfg.Recording.Path,
		FS:    s.fs,
		Clock: s.clock,
	})
}

// commandPolicy falls back to the built-in blocklist if the configured
// patterns do not compile. Load rejects such configs, so this only
// happens for configs built in code.
func commandPolicy(cfg *config.Config) *security.CommandPolicy {
	p, err := cfg.CommandPolicy()
	if err != nil {
		slog.Warn("invalid command policy, using the default blocklist", slog.Any("error", err))
		p, _ = security.NewCommandPolicy(security.DefaultBlockedCommands(), nil)
	}
	return p
}

// checkCommand applies the command policy in effect.
func (s *Server) checkCommand(command string) error {
	s.mu.RLock()
	p := s.policy
	s.mu.RUnlock()
	return p.Check(command)
}

// checkShellInput applies the command policy to each line of text.
func (s *Server) checkShellInput(text string) error {
	s.mu.RLock()
	p := s.policy
	s.mu.RUnlock()
	return p.CheckInput(text)
}

func (s *Server) clientOptions(cfg *config.Config) client.Options {
	opts := cfg.ClientOptions()
	opts.HostKeyCallback = s.hostKeyCallback
	opts.Prompter = s.prompter
	opts.FS = s.fs
	opts.Clock = s.clock
	// A nil *recording.Manager must not become a non-nil interface.
	if s.recordings != nil {
		opts.Recorders = s.recordings
	}
	return opts
}

// Run starts the MCP server on stdio transport.
func (s *Server) Run() error {
	slog.Info("starting MCP server on stdio transport",
		slog.String("name", s.Config().Server.Name),
		slog.Int("max_sessions", s.Config().Server.MaxSessions),
	)
	return server.ServeStdio(s.mcpServer)
}

// Config returns the configuration in effect.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfig applies a reloaded configuration. The log level changes
// immediately; connection and transfer settings apply to sessions
// connected afterwards. The session cap and server name need a restart.
func (s *Server) UpdateConfig(old, cur *config.Config) {
	slog.Debug("applying config update")

	if s.level != nil && old.Log.Level != cur.Log.Level {
		s.level.Set(logging.ParseLevel(cur.Log.Level))
		slog.Info("log level changed", slog.String("level", cur.Log.Level))
	}

	s.mu.Lock()
	s.config = cur
	s.policy = commandPolicy(cur)
	if old.Recording != cur.Recording {
		// Open recordings finish in their old files.
		s.recordings = s.newRecordings(cur)
	}
	opts := s.clientOptions(cur)
	s.mu.Unlock()

	s.manager.SetOptions(opts)

	if old.Server != cur.Server {
		slog.Warn("server settings changed; restart to apply",
			slog.String("name", cur.Server.Name),
			slog.Int("max_sessions", cur.Server.MaxSessions),
		)
	}
}

// Close disconnects every session and finishes open recordings.
func (s *Server) Close() {
	s.manager.CloseAll()
	s.mu.RLock()
	rec := s.recordings
	s.mu.RUnlock()
	if rec != nil {
		rec.CloseAll()
	}
}
