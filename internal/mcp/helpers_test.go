package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/testing/fakes/fakedialog"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
	"github.com/acolita/sshkit/internal/testing/mockssh"
)

// --- Test helpers ---

const mockPasswordEnv = "MOCK_SSH_PASSWORD"

type testEnv struct {
	srv      *Server
	ssh      *mockssh.Server
	fs       *fakefs.FS
	prompter *fakedialog.Prompter
	cfg      *config.Config
}

func startSSH(t *testing.T, opts ...mockssh.Option) *mockssh.Server {
	t.Helper()
	server, err := mockssh.New(opts...)
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

// newTestEnv starts a mock SSH server and an MCP server whose config holds
// a "mock" profile pointing at it.
func newTestEnv(t *testing.T, sshOpts ...mockssh.Option) *testEnv {
	t.Helper()
	sshServer := startSSH(t, sshOpts...)

	fs := fakefs.New()
	fs.SetEnv(mockPasswordEnv, "test")

	cfg := config.DefaultConfig()
	cfg.SSH.KeepaliveInterval = -1
	cfg.Hosts = []config.HostConfig{{
		Name:        "mock",
		Host:        sshServer.Host(),
		Port:        sshServer.Port(),
		User:        "test",
		PasswordEnv: mockPasswordEnv,
	}}

	prompter := fakedialog.New()
	srv := NewServer(cfg,
		WithFileSystem(fs),
		WithPrompter(prompter),
		WithHostKeyCallback(ssh.FixedHostKey(sshServer.HostKey())),
	)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, ssh: sshServer, fs: fs, prompter: prompter, cfg: cfg}
}

func makeRequest(args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(result *mcpgo.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	tc, ok := mcpgo.AsTextContent(result.Content[0])
	if !ok {
		return ""
	}
	return tc.Text
}

func resultJSON(t *testing.T, result *mcpgo.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool returned error: %s", resultText(result))
	}
	text := resultText(result)
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		t.Fatalf("failed to parse result JSON: %v (text: %s)", err, text)
	}
	return m
}

type handler func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)

func call(t *testing.T, h handler, args map[string]any) *mcpgo.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeRequest(args))
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	return result
}

func (e *testEnv) connect(t *testing.T) string {
	t.Helper()
	m := resultJSON(t, call(t, e.srv.handleSSHConnect, map[string]any{"profile": "mock"}))
	id, _ := m["session_id"].(string)
	if id == "" {
		t.Fatalf("ssh_connect returned no session_id: %v", m)
	}
	return id
}
