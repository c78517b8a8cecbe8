package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"testing"

	"github.com/acolita/sshkit/internal/testing/fakes/fakedialog"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
	"github.com/acolita/sshkit/internal/testing/fakes/fakenet"
	"github.com/acolita/sshkit/internal/testing/mockssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func keyPEM(t *testing.T, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(block), sshPub
}

func methodNames(methods []Method) []string {
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = m.Name()
	}
	return names
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newHomeFS() *fakefs.FS {
	fsys := fakefs.New()
	fsys.SetHomeDir("/home/user")
	return fsys
}

func TestBuildMethods(t *testing.T) {
	plain, _ := keyPEM(t, "")

	tests := []struct {
		name  string
		setup func(*fakefs.FS)
		creds Credentials
		want  []string
	}{
		{
			name:  "key file",
			setup: func(fsys *fakefs.FS) { fsys.AddFile("/keys/id", plain, 0o600) },
			creds: Credentials{KeyPath: "/keys/id"},
			want:  []string{"publickey"},
		},
		{
			name:  "key file with tilde",
			setup: func(fsys *fakefs.FS) { fsys.AddFile("/home/user/work/id", plain, 0o600) },
			creds: Credentials{KeyPath: "~/work/id"},
			want:  []string{"publickey"},
		},
		{
			name:  "password",
			creds: Credentials{Password: []byte("pw")},
			want:  []string{"password", "keyboard-interactive"},
		},
		{
			name:  "inline key and password",
			creds: Credentials{KeyPEM: plain, Password: []byte("pw")},
			want:  []string{"publickey", "password", "keyboard-interactive"},
		},
		{
			name:  "default key",
			setup: func(fsys *fakefs.FS) { fsys.AddFile("/home/user/.ssh/id_ecdsa", plain, 0o600) },
			want:  []string{"publickey"},
		},
		{
			name: "ssh config identity",
			setup: func(fsys *fakefs.FS) {
				fsys.AddFile("/home/user/.ssh/config", []byte("Host *.internal\n  IdentityFile ~/.ssh/internal_key\n"), 0o600)
				fsys.AddFile("/home/user/.ssh/internal_key", plain, 0o600)
			},
			creds: Credentials{Host: "db.internal", Password: []byte("pw")},
			want:  []string{"publickey", "password", "keyboard-interactive"},
		},
		{
			name: "agent first",
			setup: func(fsys *fakefs.FS) {
				fsys.SetEnv("SSH_AUTH_SOCK", "/tmp/agent.sock")
				fsys.AddFile("/keys/id", plain, 0o600)
			},
			creds: Credentials{UseAgent: true, KeyPath: "/keys/id"},
			want:  []string{"publickey", "publickey"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newHomeFS()
			if tt.setup != nil {
				tt.setup(fsys)
			}
			tt.creds.FS = fsys
			methods, err := BuildMethods(tt.creds)
			if err != nil {
				t.Fatalf("BuildMethods() error = %v", err)
			}
			if got := methodNames(methods); !equalNames(got, tt.want) {
				t.Errorf("BuildMethods() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildMethods_NothingAvailable(t *testing.T) {
	if _, err := BuildMethods(Credentials{FS: newHomeFS()}); err == nil {
		t.Error("BuildMethods() should fail without any credential")
	}
}

func TestBuildMethods_MissingKeyFile(t *testing.T) {
	if _, err := BuildMethods(Credentials{FS: newHomeFS(), KeyPath: "/nope"}); err == nil {
		t.Error("BuildMethods() should fail for a missing key file")
	}
}

func TestBuildMethods_EncryptedKey(t *testing.T) {
	encrypted, _ := keyPEM(t, "opensesame")

	t.Run("passphrase given", func(t *testing.T) {
		_, err := BuildMethods(Credentials{FS: newHomeFS(), KeyPEM: encrypted, Passphrase: []byte("opensesame")})
		if err != nil {
			t.Errorf("BuildMethods() error = %v", err)
		}
	})

	t.Run("prompted", func(t *testing.T) {
		prompter := fakedialog.New()
		prompter.Secrets = []string{"opensesame"}
		_, err := BuildMethods(Credentials{FS: newHomeFS(), KeyPEM: encrypted, Prompter: prompter})
		if err != nil {
			t.Fatalf("BuildMethods() error = %v", err)
		}
		if titles := prompter.SecretTitles(); len(titles) != 1 || titles[0] != "Key passphrase" {
			t.Errorf("SecretTitles() = %v, want [Key passphrase]", titles)
		}
	})

	t.Run("no prompter", func(t *testing.T) {
		if _, err := BuildMethods(Credentials{FS: newHomeFS(), KeyPEM: encrypted}); err == nil {
			t.Error("BuildMethods() should fail for an encrypted key without passphrase")
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		if _, err := BuildMethods(Credentials{FS: newHomeFS(), KeyPEM: encrypted, Passphrase: []byte("nope")}); err == nil {
			t.Error("BuildMethods() should fail for a wrong passphrase")
		}
	})
}

func TestAgent_Authenticates(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: priv}); err != nil {
		t.Fatal(err)
	}
	signers, err := keyring.Signers()
	if err != nil {
		t.Fatal(err)
	}

	dialer := fakenet.NewDialer()
	dialer.DialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			agent.ServeAgent(keyring, server)
		}()
		return client, nil
	}

	server := startServer(t, mockssh.WithPublicKey("agent-user", signers[0].PublicKey()))
	conn := dial(t, server)

	if err := Authenticate(authContext(t), conn, "agent-user", Agent("/tmp/agent.sock", dialer)); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	calls := dialer.Calls()
	if len(calls) != 1 || calls[0].Network != "unix" || calls[0].Address != "/tmp/agent.sock" {
		t.Errorf("dial calls = %v, want one unix dial", calls)
	}
}

func TestMatchHostPatterns(t *testing.T) {
	tests := []struct {
		host     string
		patterns string
		want     bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "*", true},
		{"db.internal", "*.internal", true},
		{"db.internal", "web.internal", false},
		{"web1", "web?", true},
		{"web10", "web?", false},
		{"a.b.c", "a*c", true},
		{"prod.internal", "*.internal !prod.internal", false},
		{"dev.internal", "*.internal !prod.internal", true},
		{"other", "one two other", true},
		{"", "*", true},
		{"x", "", false},
	}
	for _, tt := range tests {
		if got := matchHostPatterns(tt.host, tt.patterns); got != tt.want {
			t.Errorf("matchHostPatterns(%q, %q) = %v, want %v", tt.host, tt.patterns, got, tt.want)
		}
	}
}

func TestIdentityFileFor(t *testing.T) {
	fsys := newHomeFS()
	fsys.AddFile("/home/user/.ssh/config", []byte(`# comment
Host bastion
  User jump
  IdentityFile ~/.ssh/bastion

Host *.prod
  IdentityFile /etc/keys/prod
`), 0o600)

	tests := []struct {
		host string
		want string
	}{
		{"bastion", "/home/user/.ssh/bastion"},
		{"api.prod", "/etc/keys/prod"},
		{"elsewhere", ""},
	}
	for _, tt := range tests {
		if got := identityFileFor(fsys, tt.host); got != tt.want {
			t.Errorf("identityFileFor(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}
