package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/sshkit/internal/events"
)

func (s *Server) registerShellTools() {
	s.mcpServer.AddTool(shellStartTool(), s.handleShellStart)
	s.mcpServer.AddTool(shellWriteTool(), s.handleShellWrite)
	s.mcpServer.AddTool(shellReadTool(), s.handleShellRead)
	s.mcpServer.AddTool(shellResizeTool(), s.handleShellResize)
	s.mcpServer.AddTool(shellInterruptTool(), s.handleShellInterrupt)
	s.mcpServer.AddTool(shellCloseTool(), s.handleShellClose)
}

func shellStartTool() mcp.Tool {
	return mcp.NewTool("ssh_shell_start",
		mcp.WithDescription(`Open an interactive PTY shell on the session.

Output is collected as shell-data events; read it with ssh_shell_read.
Starting a shell while one is open does nothing.`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("pty",
			mcp.Description("Terminal type"),
			mcp.Enum("vanilla", "vt100", "vt102", "vt220", "ansi", "xterm"),
			mcp.DefaultString(defaultPtyType),
		),
		mcp.WithNumber("cols",
			mcp.Description("Terminal width in columns"),
		),
		mcp.WithNumber("rows",
			mcp.Description("Terminal height in rows"),
		),
	)
}

func shellWriteTool() mcp.Tool {
	return mcp.NewTool("ssh_shell_write",
		mcp.WithDescription("Send text to the shell. Include a trailing newline to run a command."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The text to type"),
		),
	)
}

func shellReadTool() mcp.Tool {
	return mcp.NewTool("ssh_shell_read",
		mcp.WithDescription(`Return shell output produced after the given sequence number.

Pass the returned next_seq as after on the next call. With wait_ms the call
blocks until output arrives or the wait ends. When the output ends in a
password request, a yes/no question or a pager, awaiting_input describes it.`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithNumber("after",
			mcp.Description("Sequence number returned by the previous read (default: 0)"),
		),
		mcp.WithNumber("wait_ms",
			mcp.Description("Wait up to this long for output, at most 10000 (default: 0)"),
		),
	)
}

func shellResizeTool() mcp.Tool {
	return mcp.NewTool("ssh_shell_resize",
		mcp.WithDescription("Change the shell's terminal size"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithNumber("cols",
			mcp.Required(),
			mcp.Description("Terminal width in columns"),
		),
		mcp.WithNumber("rows",
			mcp.Required(),
			mcp.Description("Terminal height in rows"),
		),
	)
}

func shellInterruptTool() mcp.Tool {
	return mcp.NewTool("ssh_shell_interrupt",
		mcp.WithDescription("Send Ctrl+C to the shell to interrupt a running command"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func shellCloseTool() mcp.Tool {
	return mcp.NewTool("ssh_shell_close",
		mcp.WithDescription("Close the shell. The SSH session stays open."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func (s *Server) handleShellStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	pty := mcp.ParseString(req, "pty", defaultPtyType)
	if err := c.StartShell(ctx, pty); err != nil {
		return errorResult(err), nil
	}

	cols := mcp.ParseInt(req, "cols", 0)
	rows := mcp.ParseInt(req, "rows", 0)
	if cols > 0 && rows > 0 {
		if err := c.ResizeShell(cols, rows); err != nil {
			return errorResult(err), nil
		}
	}
	return jsonResult(map[string]any{
		"status":     c.ShellState().String(),
		"session_id": c.Key(),
	})
}

func (s *Server) handleShellWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	text := mcp.ParseString(req, "text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	if err := s.checkShellInput(text); err != nil {
		slog.Warn("shell input refused", slog.String("session", c.Key()), slog.Any("error", err))
		return errorResult(err), nil
	}
	if err := c.WriteToShell(text); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"status": "sent",
		"bytes":  len(text),
	})
}

func (s *Server) handleShellRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	after := uint64(max(mcp.ParseInt(req, "after", 0), 0))
	wait := min(time.Duration(mcp.ParseInt(req, "wait_ms", 0))*time.Millisecond, maxShellReadWait)

	// Subscribe before reading the log so output arriving in between
	// still wakes the wait.
	notify := make(chan struct{}, 1)
	unsubscribe := c.On(events.ShellData, func(events.Event) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		all := c.Events(after)
		var out strings.Builder
		next := after
		for _, ev := range all {
			next = ev.Seq
			if ev.Kind == events.ShellData {
				out.WriteString(ev.Text)
			}
		}
		if out.Len() > 0 || deadline == nil {
			result := map[string]any{
				"output":    out.String(),
				"next_seq":  next,
				"state":     c.ShellState().String(),
				"truncated": dropped(all, after),
			}
			if det := s.prompts.Detect(out.String()); det != nil {
				result["awaiting_input"] = det
			}
			return jsonResult(result)
		}
		after = next

		select {
		case <-notify:
		case <-deadline:
			deadline = nil
		case <-ctx.Done():
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
	}
}

func (s *Server) handleShellResize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	cols := mcp.ParseInt(req, "cols", 0)
	rows := mcp.ParseInt(req, "rows", 0)
	if cols <= 0 || rows <= 0 {
		return mcp.NewToolResultError("cols and rows must be positive"), nil
	}
	if err := c.ResizeShell(cols, rows); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"status": "resized",
		"cols":   cols,
		"rows":   rows,
	})
}

func (s *Server) handleShellInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := c.InterruptShell(); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"status": "interrupted"})
}

func (s *Server) handleShellClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := c.CloseShell(); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"status":     c.ShellState().String(),
		"session_id": c.Key(),
	})
}
