package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/sshkit/internal/config"
)

func (s *Server) registerConfigTools() {
	s.mcpServer.AddTool(hostAddTool(), s.handleHostAdd)
	s.mcpServer.AddTool(hostListTool(), s.handleHostList)
}

func hostAddTool() mcp.Tool {
	return mcp.NewTool("ssh_host_add",
		mcp.WithDescription(`Save a connection profile to the config file.

Secrets are never stored: name the environment variables that hold the
password or key passphrase instead. The profile can then be used with
ssh_connect's profile parameter.

Requires a config file path (--config flag at startup).`),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Short name for the host (e.g., 'production', 's1')"),
		),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("SSH hostname or IP address"),
		),
		mcp.WithNumber("port",
			mcp.Description("SSH port (default: 22)"),
		),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("SSH username"),
		),
		mcp.WithString("key_path",
			mcp.Description("Path to a private key file"),
		),
		mcp.WithBoolean("use_agent",
			mcp.Description("Authenticate with the SSH agent (default: false)"),
		),
		mcp.WithString("password_env",
			mcp.Description("Environment variable containing the password"),
		),
		mcp.WithString("passphrase_env",
			mcp.Description("Environment variable containing the key passphrase"),
		),
	)
}

func hostListTool() mcp.Tool {
	return mcp.NewTool("ssh_host_list",
		mcp.WithDescription("List the connection profiles saved in the config file"),
	)
}

func (s *Server) handleHostAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.configPath == "" {
		return mcp.NewToolResultError(
			"No config file path set. Start the server with --config flag to enable config management.",
		), nil
	}

	host := config.HostConfig{
		Name:          mcp.ParseString(req, "name", ""),
		Host:          mcp.ParseString(req, "host", ""),
		Port:          mcp.ParseInt(req, "port", 22),
		User:          mcp.ParseString(req, "user", ""),
		KeyPath:       mcp.ParseString(req, "key_path", ""),
		UseAgent:      mcp.ParseBoolean(req, "use_agent", false),
		PasswordEnv:   mcp.ParseString(req, "password_env", ""),
		PassphraseEnv: mcp.ParseString(req, "passphrase_env", ""),
	}
	switch {
	case host.Name == "":
		return mcp.NewToolResultError("name is required"), nil
	case host.Host == "":
		return mcp.NewToolResultError("host is required"), nil
	case host.User == "":
		return mcp.NewToolResultError("user is required"), nil
	}

	s.mu.Lock()
	updated := *s.config
	updated.Hosts = append([]config.HostConfig(nil), s.config.Hosts...)
	if err := updated.AddHost(host); err != nil {
		s.mu.Unlock()
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := config.Save(&updated, s.configPath, s.fs); err != nil {
		s.mu.Unlock()
		return mcp.NewToolResultError(fmt.Sprintf("save config: %v", err)), nil
	}
	s.config = &updated
	s.mu.Unlock()

	slog.Info("host profile saved",
		slog.String("name", host.Name),
		slog.String("host", host.Host),
		slog.String("config_path", s.configPath),
	)

	return jsonResult(map[string]any{
		"status":      "saved",
		"name":        host.Name,
		"host":        host.Host,
		"port":        host.Port,
		"user":        host.User,
		"config_path": s.configPath,
		"message":     "Host added. Connect with ssh_connect profile=" + host.Name,
	})
}

func (s *Server) handleHostList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := s.Config()
	hosts := make([]map[string]any, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts = append(hosts, map[string]any{
			"name":      h.Name,
			"host":      h.Host,
			"port":      h.Port,
			"user":      h.User,
			"key_path":  h.KeyPath,
			"use_agent": h.UseAgent,
		})
	}
	return jsonResult(map[string]any{
		"hosts": hosts,
		"count": len(hosts),
	})
}
