package mcp

import (
	"strings"
	"testing"

	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/testing/fakes/fakedialog"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
)

func TestHandleHostAdd_NoConfigPath(t *testing.T) {
	srv := NewServer(config.DefaultConfig(), WithFileSystem(fakefs.New()), WithPrompter(fakedialog.New()))
	t.Cleanup(srv.Close)

	result := call(t, srv.handleHostAdd, map[string]any{"name": "s1", "host": "h", "user": "u"})
	if !result.IsError || !strings.Contains(resultText(result), "--config") {
		t.Errorf("result = %s, want config path error", resultText(result))
	}
}

func TestHandleHostAdd(t *testing.T) {
	fs := fakefs.New()
	cfg := config.DefaultConfig()
	srv := NewServer(cfg,
		WithFileSystem(fs),
		WithPrompter(fakedialog.New()),
		WithConfigPath("/home/u/.config/sshkit/config.yaml"),
	)
	t.Cleanup(srv.Close)

	m := resultJSON(t, call(t, srv.handleHostAdd, map[string]any{
		"name":         "prod",
		"host":         "prod.example.com",
		"port":         float64(2222),
		"user":         "deploy",
		"key_path":     "~/.ssh/prod",
		"password_env": "PROD_PW",
	}))
	if m["status"] != "saved" || m["port"] != 2222.0 {
		t.Errorf("result = %v", m)
	}

	saved, err := config.Load("/home/u/.config/sshkit/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	host, ok := saved.Host("prod")
	if !ok {
		t.Fatal("saved config has no prod host")
	}
	if host.Host != "prod.example.com" || host.Port != 2222 || host.User != "deploy" || host.KeyPath != "~/.ssh/prod" || host.PasswordEnv != "PROD_PW" {
		t.Errorf("saved host = %+v", host)
	}
	if len(cfg.Hosts) != 0 {
		t.Errorf("original config mutated: %v", cfg.Hosts)
	}

	dup := call(t, srv.handleHostAdd, map[string]any{"name": "prod", "host": "other", "user": "u"})
	if !dup.IsError || !strings.Contains(resultText(dup), "already exists") {
		t.Errorf("duplicate add = %s", resultText(dup))
	}

	list := resultJSON(t, call(t, srv.handleHostList, nil))
	if list["count"] != 1.0 {
		t.Fatalf("list = %v", list)
	}
	entry := list["hosts"].([]any)[0].(map[string]any)
	if entry["name"] != "prod" || entry["user"] != "deploy" {
		t.Errorf("listed host = %v", entry)
	}
	if _, ok := entry["password_env"]; ok {
		t.Error("host list exposes the password variable name")
	}
}

func TestHandleHostAdd_Validation(t *testing.T) {
	srv := NewServer(config.DefaultConfig(),
		WithFileSystem(fakefs.New()),
		WithPrompter(fakedialog.New()),
		WithConfigPath("/cfg.yaml"),
	)
	t.Cleanup(srv.Close)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"no name", map[string]any{"host": "h", "user": "u"}, "name is required"},
		{"no host", map[string]any{"name": "n", "user": "u"}, "host is required"},
		{"no user", map[string]any{"name": "n", "host": "h"}, "user is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, srv.handleHostAdd, tt.args)
			if !result.IsError || !strings.Contains(resultText(result), tt.wantErr) {
				t.Errorf("result = %q, want error containing %q", resultText(result), tt.wantErr)
			}
		})
	}
}
