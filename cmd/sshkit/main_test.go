package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/testing/fakes/fakedialog"
	"github.com/acolita/sshkit/internal/testing/mockssh"
)

const passwordEnv = "SSHKIT_TEST_PASSWORD"

// startProfile starts a mock server and writes a config file with a
// "mock" profile pointing at it.
func startProfile(t *testing.T, opts ...mockssh.Option) (configPath string) {
	t.Helper()
	srv, err := mockssh.New(opts...)
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	t.Setenv(passwordEnv, "test")

	cfg := config.DefaultConfig()
	cfg.SSH.KeepaliveInterval = -1
	cfg.Hosts = []config.HostConfig{{
		Name:        "mock",
		Host:        srv.Host(),
		Port:        srv.Port(),
		User:        "test",
		PasswordEnv: passwordEnv,
	}}
	configPath = filepath.Join(t.TempDir(), "config.yaml")
	if err := config.Save(cfg, configPath); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(fakedialog.New())
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestExecCommand(t *testing.T) {
	cfg := startProfile(t)

	tests := []struct {
		name       string
		command    string
		wantStdout string
		wantStderr string
		wantStatus int
	}{
		{"stdout", "echo hello", "hello\n", "", 0},
		{"stderr", "echo oops >&2", "", "oops\n", 0},
		{"exit status", "echo partial; exit 3", "partial\n", "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := run(t, "--config", cfg, "--host", "mock", "--insecure", "exec", "--", tt.command)
			if stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
			if stderr != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
			var status exitStatus
			switch {
			case tt.wantStatus == 0 && err != nil:
				t.Errorf("exec error = %v", err)
			case tt.wantStatus != 0 && (!errors.As(err, &status) || int(status) != tt.wantStatus):
				t.Errorf("exec error = %v, want exit status %d", err, tt.wantStatus)
			}
		})
	}
}

func TestFileCommands(t *testing.T) {
	root := t.TempDir()
	cfg := startProfile(t, mockssh.WithRoot(root))
	common := []string{"--config", cfg, "--host", "mock", "--insecure"}
	cli := func(args ...string) (string, error) {
		stdout, _, err := run(t, append(append([]string{}, common...), args...)...)
		return stdout, err
	}

	local := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(local, []byte("remember the milk\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(root, "notes.txt")

	if _, err := cli("put", "-q", local, remote); err != nil {
		t.Fatalf("put error = %v", err)
	}
	if got, err := os.ReadFile(remote); err != nil || string(got) != "remember the milk\n" {
		t.Fatalf("remote file = %q, %v", got, err)
	}

	out, err := cli("ls", root)
	if err != nil || out != "notes.txt\n" {
		t.Errorf("ls = %q, %v", out, err)
	}
	out, err = cli("ls", "-l", root)
	if err != nil || !strings.Contains(out, "-rw-r--r--") || !strings.Contains(out, "18") {
		t.Errorf("ls -l = %q, %v", out, err)
	}

	out, err = cli("stat", remote)
	if err != nil || !strings.Contains(out, "Size: 18") {
		t.Errorf("stat = %q, %v", out, err)
	}
	out, err = cli("stat", "--json", remote)
	if err != nil || !strings.Contains(out, `"fileSize": 18`) {
		t.Errorf("stat --json = %q, %v", out, err)
	}

	back := filepath.Join(t.TempDir(), "back.txt")
	if _, err := cli("get", "-q", remote, back); err != nil {
		t.Fatalf("get error = %v", err)
	}
	if got, err := os.ReadFile(back); err != nil || string(got) != "remember the milk\n" {
		t.Errorf("downloaded file = %q, %v", got, err)
	}

	if _, err := cli("stat", filepath.Join(root, "missing")); err == nil || !strings.Contains(err.Error(), "sftp error") {
		t.Errorf("stat of missing file error = %v", err)
	}
}

func TestRecursiveTransfer(t *testing.T) {
	root := t.TempDir()
	cfg := startProfile(t, mockssh.WithRoot(root))

	src := t.TempDir()
	for name, body := range map[string]string{
		"main.go":            "package main",
		"pkg/util.go":        "package pkg",
		"README.md":          "readme",
		".git/HEAD":          "ref: refs/heads/main",
		"node_modules/x.js":  "js",
		"pkg/deep/nested.go": "package deep",
	} {
		path := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	dst := filepath.Join(root, "dst")
	out, _, err := run(t, "--config", cfg, "--host", "mock", "--insecure", "put", "-r", "-q", src, dst)
	if err != nil {
		t.Fatalf("put -r error = %v", err)
	}
	if !strings.HasPrefix(out, "4 files") {
		t.Errorf("summary = %q, want 4 files", out)
	}
	if _, err := os.Stat(filepath.Join(dst, ".git")); !os.IsNotExist(err) {
		t.Errorf(".git uploaded: %v", err)
	}

	back := t.TempDir()
	out, _, err = run(t, "--config", cfg, "--host", "mock", "--insecure", "get", "-r", "-q", "--pattern", "**/*.go", dst, back)
	if err != nil {
		t.Fatalf("get -r error = %v", err)
	}
	if !strings.HasPrefix(out, "3 files") {
		t.Errorf("summary = %q, want 3 files", out)
	}
	if _, err := os.Stat(filepath.Join(back, "README.md")); !os.IsNotExist(err) {
		t.Errorf("README.md downloaded despite pattern: %v", err)
	}
}

func TestShellCommand(t *testing.T) {
	cfg := startProfile(t)

	var out bytes.Buffer
	cmd := newRootCmd(fakedialog.New())
	cmd.SetArgs([]string{"--config", cfg, "--host", "mock", "--insecure", "shell"})
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("echo shell-$((6*7))\nexit\n"))
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("shell error = %v", err)
	}
	if !strings.Contains(out.String(), "shell-42") {
		t.Errorf("shell output = %q, want shell-42", out.String())
	}
}

func TestTarget(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Hosts = []config.HostConfig{{Name: "prod", Host: "prod.example.com", Port: 2222, User: "deploy", KeyPath: "~/.ssh/prod"}}

	tests := []struct {
		name     string
		g        globalFlags
		wantHost string
		wantPort int
		wantUser string
		wantKey  string
		wantErr  string
	}{
		{name: "plain host", g: globalFlags{host: "h", user: "u"}, wantHost: "h", wantUser: "u"},
		{name: "user at host", g: globalFlags{host: "alice@h", port: 2200}, wantHost: "h", wantPort: 2200, wantUser: "alice"},
		{name: "profile", g: globalFlags{host: "prod"}, wantHost: "prod.example.com", wantPort: 2222, wantUser: "deploy", wantKey: "~/.ssh/prod"},
		{name: "profile override", g: globalFlags{host: "prod", user: "root", identity: "/k"}, wantHost: "prod.example.com", wantPort: 2222, wantUser: "root", wantKey: "/k"},
		{name: "no host", g: globalFlags{user: "u"}, wantErr: "--host is required"},
		{name: "no user", g: globalFlags{host: "h"}, wantErr: "--user is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.g.target(cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("target() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("target() error = %v", err)
			}
			if got.Host != tt.wantHost || got.Port != tt.wantPort || got.User != tt.wantUser || got.Credential.KeyPath != tt.wantKey {
				t.Errorf("target() = %s@%s:%d key %q, want %s@%s:%d key %q",
					got.User, got.Host, got.Port, got.Credential.KeyPath,
					tt.wantUser, tt.wantHost, tt.wantPort, tt.wantKey)
			}
		})
	}
}

func TestTarget_PasswordPrompt(t *testing.T) {
	prompter := fakedialog.New()
	prompter.Secrets = []string{"s3cret"}
	g := globalFlags{host: "h", user: "u", passwordPrompt: true, prompter: prompter}

	got, err := g.target(config.DefaultConfig())
	if err != nil {
		t.Fatalf("target() error = %v", err)
	}
	if string(got.Credential.Password) != "s3cret" {
		t.Errorf("password = %q", got.Credential.Password)
	}
	if titles := prompter.SecretTitles(); len(titles) != 1 || titles[0] != "Password for u@h" {
		t.Errorf("prompt titles = %v", titles)
	}

	g.prompter = fakedialog.New()
	if _, err := g.target(config.DefaultConfig()); err == nil || !strings.Contains(err.Error(), "password prompt") {
		t.Errorf("target() with no answer error = %v", err)
	}
}
