package sftp_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/mux"
	"github.com/acolita/sshkit/internal/sftp"
	"github.com/acolita/sshkit/internal/testing/mockssh"
	"github.com/acolita/sshkit/internal/transport"
)

func dialMux(t *testing.T, server *mockssh.Server) *mux.Mux {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, server.Addr(), transport.Config{
		HostKeyCallback: ssh.FixedHostKey(server.HostKey()),
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := auth.Authenticate(ctx, conn, "test", auth.Password([]byte("test"))); err != nil {
		conn.Close()
		t.Fatalf("Authenticate() error = %v", err)
	}
	m := mux.New(conn)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOpen_OverSSH(t *testing.T) {
	root := t.TempDir()
	server, err := mockssh.New(mockssh.WithRoot(root))
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	defer server.Close()
	m := dialMux(t, server)

	ctx := context.Background()
	c, err := sftp.Open(ctx, m, sftp.Options{ChunkSize: 8192, MaxInflight: 16})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	data := bytes.Repeat([]byte("0123456789abcdef"), 40_000)
	local := filepath.Join(t.TempDir(), "up")
	os.WriteFile(local, data, 0o644)

	remote := filepath.Join(root, "up")
	if _, err := c.Upload(ctx, local, remote, nil); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("remote file has %d bytes, %v, want %d", len(got), err, len(data))
	}

	entries, err := c.ReadDir(ctx, root)
	if err != nil || len(entries) != 1 || entries[0].Name != "up" {
		t.Errorf("ReadDir() = %v, %v", entries, err)
	}
}

func TestOpen_SessionEndsWithConnection(t *testing.T) {
	root := t.TempDir()
	server, err := mockssh.New(mockssh.WithRoot(root))
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	defer server.Close()
	m := dialMux(t, server)

	c, err := sftp.Open(context.Background(), m, sftp.Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	server.DropConnections()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sftp session did not end after the connection dropped")
	}
	if _, err := c.Stat(context.Background(), root); !errors.Is(err, sftp.ErrConnectionLost) {
		t.Errorf("Stat() = %v, want ErrConnectionLost", err)
	}
}
