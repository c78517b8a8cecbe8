package mux_test

import (
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/mux"
	"github.com/acolita/sshkit/internal/testing/mockssh"
	"github.com/acolita/sshkit/internal/transport"
)

func connect(t *testing.T, server *mockssh.Server) *mux.Mux {
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

func TestMux_ExecAgainstServer(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	defer server.Close()
	m := connect(t, server)

	var status atomic.Int32
	status.Store(-1)
	ctx := context.Background()
	c, err := m.OpenChannel(ctx, "session", nil, mux.OpenOptions{
		OnRequest: func(req *mux.Request) bool {
			if req.Type == "exit-status" && len(req.Payload) == 4 {
				status.Store(int32(binary.BigEndian.Uint32(req.Payload)))
			}
			return false
		},
	})
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	defer c.Close()

	cmd := ssh.Marshal(struct{ Command string }{"echo out; echo err >&2; exit 3"})
	ok, err := c.SendRequest(ctx, "exec", true, cmd)
	if err != nil || !ok {
		t.Fatalf("SendRequest(exec) = %v, %v", ok, err)
	}

	stdout, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	stderr, err := io.ReadAll(c.Stderr())
	if err != nil {
		t.Fatalf("reading stderr: %v", err)
	}
	<-c.Done()

	if string(stdout) != "out\n" {
		t.Errorf("stdout = %q, want %q", stdout, "out\n")
	}
	if string(stderr) != "err\n" {
		t.Errorf("stderr = %q, want %q", stderr, "err\n")
	}
	if got := status.Load(); got != 3 {
		t.Errorf("exit status = %d, want 3", got)
	}
}

func TestMux_LargeTransferAcrossWindows(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	defer server.Close()
	m := connect(t, server)

	ctx := context.Background()
	c, err := m.OpenChannel(ctx, "session", nil, mux.OpenOptions{WindowSize: 1 << 15, MaxPacket: 1 << 14})
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	defer c.Close()

	// cat echoes stdin, so the data crosses both windows several times.
	if ok, err := c.SendRequest(ctx, "exec", true, ssh.Marshal(struct{ Command string }{"cat"})); err != nil || !ok {
		t.Fatalf("SendRequest(exec) = %v, %v", ok, err)
	}

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	go func() {
		c.Write(payload)
		c.CloseWrite()
	}()

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("echoed %d bytes, want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], payload[i])
		}
	}
}
