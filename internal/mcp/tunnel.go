package mcp

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/sshkit/internal/client"
)

func (s *Server) registerTunnelTools() {
	s.mcpServer.AddTool(forwardCreateTool(), s.handleForwardCreate)
	s.mcpServer.AddTool(forwardListTool(), s.handleForwardList)
	s.mcpServer.AddTool(forwardCloseTool(), s.handleForwardClose)
}

func forwardCreateTool() mcp.Tool {
	return mcp.NewTool("ssh_forward_create",
		mcp.WithDescription(`Create a local port forward through the SSH session.

Connections to local_host:local_port on this machine are carried to
remote_host:remote_port as seen from the SSH server. A local_port of 0
picks a free port; the result reports the chosen address.

Example: forward local port 5432 to a database on the remote network:
  local_port=5432, remote_host=db.internal, remote_port=5432`),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("local_host",
			mcp.Description("Local bind address (default: 127.0.0.1)"),
			mcp.DefaultString("127.0.0.1"),
		),
		mcp.WithNumber("local_port",
			mcp.Description("Local port to listen on (default: 0, any free port)"),
		),
		mcp.WithString("remote_host",
			mcp.Description("Destination host as seen from the SSH server (default: localhost)"),
			mcp.DefaultString("localhost"),
		),
		mcp.WithNumber("remote_port",
			mcp.Required(),
			mcp.Description("Destination port"),
		),
	)
}

func forwardListTool() mcp.Tool {
	return mcp.NewTool("ssh_forward_list",
		mcp.WithDescription("List the session's port forwards with connection and byte counters"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func forwardCloseTool() mcp.Tool {
	return mcp.NewTool("ssh_forward_close",
		mcp.WithDescription("Close a port forward and its open connections"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("forward_id",
			mcp.Required(),
			mcp.Description("The forward ID returned by ssh_forward_create"),
		),
	)
}

func (s *Server) handleForwardCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	localHost := mcp.ParseString(req, "local_host", "127.0.0.1")
	localPort := mcp.ParseInt(req, "local_port", 0)
	remoteHost := mcp.ParseString(req, "remote_host", "localhost")
	remotePort := mcp.ParseInt(req, "remote_port", 0)

	if localPort < 0 || localPort > 65535 {
		return mcp.NewToolResultError("local_port must be between 0 and 65535"), nil
	}
	if remotePort <= 0 || remotePort > 65535 {
		return mcp.NewToolResultError("remote_port must be between 1 and 65535"), nil
	}

	f, err := c.ForwardLocal(ctx, net.JoinHostPort(localHost, strconv.Itoa(localPort)), remoteHost, remotePort)
	if err != nil {
		return errorResult(err), nil
	}

	slog.Info("forward created",
		slog.String("session", c.Key()),
		slog.String("forward_id", f.ID),
		slog.String("local", f.LocalAddr),
		slog.String("remote_host", remoteHost),
		slog.Int("remote_port", remotePort),
	)
	return jsonResult(map[string]any{
		"status":  "created",
		"forward": f.Stats(),
	})
}

func (s *Server) handleForwardList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	forwards := c.Forwards()
	stats := make([]client.ForwardStats, len(forwards))
	for i, f := range forwards {
		stats[i] = f.Stats()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].LocalAddr < stats[j].LocalAddr })
	return jsonResult(map[string]any{
		"forwards": stats,
		"count":    len(stats),
	})
}

func (s *Server) handleForwardClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	id := mcp.ParseString(req, "forward_id", "")
	if id == "" {
		return mcp.NewToolResultError("forward_id is required"), nil
	}
	if err := c.CloseForward(id); err != nil {
		return errorResult(err), nil
	}
	slog.Info("forward closed", slog.String("session", c.Key()), slog.String("forward_id", id))
	return jsonResult(map[string]any{
		"status":     "closed",
		"forward_id": id,
	})
}
