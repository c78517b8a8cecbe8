package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/sshkit/internal/client"
	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/logging"
	"github.com/acolita/sshkit/internal/recovery"
	"github.com/acolita/sshkit/internal/session"
)

var analyzer = recovery.NewAnalyzer()

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(sshConnectTool(), s.handleSSHConnect)
	s.mcpServer.AddTool(sshDisconnectTool(), s.handleSSHDisconnect)
	s.mcpServer.AddTool(sshSessionsTool(), s.handleSSHSessions)
	s.mcpServer.AddTool(sshExecTool(), s.handleSSHExec)
	s.mcpServer.AddTool(sshEventsTool(), s.handleSSHEvents)

	s.registerShellTools()
	s.registerFileTransferTools()
	s.registerTunnelTools()
	s.registerConfigTools()
}

// Tool definitions

func sshConnectTool() mcp.Tool {
	return mcp.NewTool("ssh_connect",
		mcp.WithDescription(`Open an SSH session and return its session_id.

Either name a saved profile or give host and user. Passwords are never
passed as parameters: with password_prompt the user types it into a
separate terminal window, and keyboard-interactive challenges are answered
the same way.`),
		mcp.WithString("profile",
			mcp.Description("Name of a host saved in the config file"),
		),
		mcp.WithString("host",
			mcp.Description("SSH hostname or IP address"),
		),
		mcp.WithNumber("port",
			mcp.Description("SSH port (default: 22)"),
		),
		mcp.WithString("user",
			mcp.Description("SSH username"),
		),
		mcp.WithString("key_path",
			mcp.Description("Path to a private key file"),
		),
		mcp.WithBoolean("use_agent",
			mcp.Description("Authenticate with keys from SSH_AUTH_SOCK (default: false)"),
		),
		mcp.WithBoolean("password_prompt",
			mcp.Description("Ask the user for a password before connecting (default: false)"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Connect and authentication timeout in milliseconds"),
		),
	)
}

func sshDisconnectTool() mcp.Tool {
	return mcp.NewTool("ssh_disconnect",
		mcp.WithDescription("Close an SSH session, its shell, SFTP session and forwards"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func sshSessionsTool() mcp.Tool {
	return mcp.NewTool("ssh_sessions",
		mcp.WithDescription("List open SSH sessions with their shell and SFTP state"),
	)
}

func sshExecTool() mcp.Tool {
	return mcp.NewTool("ssh_exec",
		mcp.WithDescription(`Run a command on a fresh exec channel and return its output.

Stdout and stderr are returned separately with the exit status. A non-zero
exit is reported in the result, not as a tool error. For interactive
programs use ssh_shell_start instead.`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Command timeout in milliseconds (default: 30000)"),
		),
	)
}

func sshEventsTool() mcp.Tool {
	return mcp.NewTool("ssh_events",
		mcp.WithDescription(`Return recent events of a session: shell-data, upload-progress,
download-progress, connected, disconnected and banner.

Pass the returned next_seq as after to poll for newer events.`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithNumber("after",
			mcp.Description("Only return events with a sequence number above this (default: 0)"),
		),
		mcp.WithString("kind",
			mcp.Description("Only return events of this kind"),
			mcp.Enum(
				string(events.ShellData),
				string(events.UploadProgress),
				string(events.DownloadProgress),
				string(events.Connected),
				string(events.Disconnected),
				string(events.Banner),
			),
		),
	)
}

// Handlers

func (s *Server) handleSSHConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := s.connectOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	slog.Info("connecting",
		slog.String("host", opts.Host),
		slog.Int("port", opts.Port),
		slog.String("user", opts.User),
	)

	c, err := s.manager.Connect(ctx, opts)
	if err != nil {
		slog.Warn("connect failed",
			slog.String("host", opts.Host),
			slog.String("error", err.Error()),
		)
		return errorResult(err), nil
	}

	target, _ := c.Target()
	return jsonResult(map[string]any{
		"session_id":     c.Key(),
		"host":           target.Host,
		"port":           target.Port,
		"user":           target.User,
		"server_version": c.ServerVersion(),
	})
}

// connectOptions resolves either a profile or explicit parameters.
// Explicit parameters override profile fields.
func (s *Server) connectOptions(req mcp.CallToolRequest) (client.ConnectOptions, error) {
	cfg := s.Config()
	timeout := time.Duration(mcp.ParseInt(req, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = cfg.SSH.ConnectTimeout
	}

	var opts client.ConnectOptions
	if name := mcp.ParseString(req, "profile", ""); name != "" {
		host, ok := cfg.Host(name)
		if !ok {
			return opts, fmt.Errorf("no saved host named %q", name)
		}
		opts = host.ConnectOptions(timeout, s.fs)
	} else {
		opts.Timeout = timeout
	}

	if host := mcp.ParseString(req, "host", ""); host != "" {
		opts.Host = host
	}
	if port := mcp.ParseInt(req, "port", 0); port != 0 {
		opts.Port = port
	}
	if user := mcp.ParseString(req, "user", ""); user != "" {
		opts.User = user
	}
	if keyPath := mcp.ParseString(req, "key_path", ""); keyPath != "" {
		opts.Credential.KeyPath = keyPath
	}
	if mcp.ParseBoolean(req, "use_agent", false) {
		opts.Credential.UseAgent = true
	}

	if opts.Host == "" {
		return opts, errors.New("host is required (or name a profile)")
	}
	if opts.User == "" {
		return opts, errors.New("user is required")
	}

	if mcp.ParseBoolean(req, "password_prompt", false) && len(opts.Credential.Password) == 0 {
		password, err := s.prompter.Secret(
			fmt.Sprintf("Password for %s@%s", opts.User, opts.Host),
			"The password is sent to the SSH server only.",
		)
		if err != nil {
			return opts, fmt.Errorf("password prompt: %w", err)
		}
		opts.Credential.Password = []byte(password)
	}
	return opts, nil
}

func (s *Server) handleSSHDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	if err := s.manager.Close(sessionID); err != nil {
		return errorResult(err), nil
	}
	slog.Info("session closed", slog.String("session", sessionID))
	return jsonResult(map[string]any{
		"status":     "closed",
		"session_id": sessionID,
	})
}

type sessionInfo struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	User      string `json:"user,omitempty"`
	Connected bool   `json:"connected"`
	Shell     string `json:"shell"`
	SFTP      string `json:"sftp"`
	Forwards  int    `json:"forwards"`
}

func (s *Server) handleSSHSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := s.manager.List()
	sessions := make([]sessionInfo, 0, len(keys))
	for _, key := range keys {
		c, err := s.manager.Get(key)
		if err != nil {
			continue
		}
		info := sessionInfo{
			SessionID: key,
			Connected: c.Connected(),
			Shell:     c.ShellState().String(),
			SFTP:      c.SFTPState().String(),
			Forwards:  len(c.Forwards()),
		}
		if target, ok := c.Target(); ok {
			info.Host, info.Port, info.User = target.Host, target.Port, target.User
		}
		sessions = append(sessions, info)
	}
	return jsonResult(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleSSHExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	command := mcp.ParseString(req, "command", "")
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	if err := s.checkCommand(command); err != nil {
		slog.Warn("command refused", slog.String("session", c.Key()), slog.Any("error", err))
		return errorResult(err), nil
	}
	timeout := time.Duration(mcp.ParseInt(req, "timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	slog.Debug("exec",
		slog.String("session", c.Key()),
		slog.String("command", logging.Truncate(command, 80)),
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := c.Exec(ctx, command)

	var exitErr *session.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		if ctx.Err() == context.DeadlineExceeded {
			return mcp.NewToolResultError(fmt.Sprintf("command timed out after %v", timeout)), nil
		}
		return errorResult(err), nil
	}

	result := map[string]any{
		"stdout":      string(res.Stdout),
		"stderr":      string(res.Stderr),
		"exit_status": res.ExitStatus,
	}
	if res.ExitSignal != "" {
		result["exit_signal"] = res.ExitSignal
	}
	if hints := analyzer.AnalyzeOutput(res.Text(), res.ExitStatus); len(hints) > 0 {
		result["suggestions"] = hints
	}
	return jsonResult(result)
}

func (s *Server) handleSSHEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	after := uint64(max(mcp.ParseInt(req, "after", 0), 0))
	kind := events.Kind(mcp.ParseString(req, "kind", ""))

	all := c.Events(after)
	next := after
	out := make([]events.Event, 0, len(all))
	for _, ev := range all {
		next = ev.Seq
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return jsonResult(map[string]any{
		"events":    out,
		"next_seq":  next,
		"truncated": dropped(all, after),
	})
}

// dropped reports whether the bounded event log lost events after seq.
func dropped(evs []events.Event, after uint64) bool {
	return len(evs) > 0 && evs[0].Seq > after+1
}

// session resolves the session_id parameter.
func (s *Server) session(req mcp.CallToolRequest) (*client.Client, *mcp.CallToolResult) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return nil, mcp.NewToolResultError(errSessionIDRequired)
	}
	c, err := s.manager.Get(sessionID)
	if err != nil {
		return nil, errorResult(err)
	}
	return c, nil
}

// errorResult reports a facade error. Its text carries the operation and
// kind, so callers can tell authentication failures from lost connections.
// errorResult reports err, followed by recovery hints when any rule
// matches.
func errorResult(err error) *mcp.CallToolResult {
	var b strings.Builder
	b.WriteString(err.Error())
	for _, s := range analyzer.AnalyzeError(err) {
		fmt.Fprintf(&b, "\nhint: %s", s.Explanation)
		for _, cmd := range s.Commands {
			fmt.Fprintf(&b, "\n  $ %s", cmd)
		}
	}
	return mcp.NewToolResultError(b.String())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
