package mcp

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/acolita/sshkit/internal/testing/mockssh"
)

func TestHandleSFTPUpload_File(t *testing.T) {
	root := t.TempDir()
	env := newTestEnv(t, mockssh.WithRoot(root))
	id := env.connect(t)

	data := bytes.Repeat([]byte("sshkit"), 50000)
	env.fs.AddFile("/local/data.bin", data, 0o644)
	remote := filepath.Join(root, "data.bin")

	m := resultJSON(t, call(t, env.srv.handleSFTPUpload, map[string]any{
		"session_id":  id,
		"source":      "/local/data.bin",
		"destination": remote,
	}))
	if m["status"] != "uploaded" || m["bytes"] != float64(len(data)) {
		t.Errorf("upload result = %v", m)
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("remote file has %d bytes, want %d", len(got), len(data))
	}

	evs := resultJSON(t, call(t, env.srv.handleSSHEvents, map[string]any{
		"session_id": id,
		"kind":       "upload-progress",
	}))["events"].([]any)
	if len(evs) == 0 {
		t.Fatal("no upload-progress events")
	}
	last := evs[len(evs)-1].(map[string]any)
	if last["fraction"] != 1.0 || last["path"] != remote {
		t.Errorf("last progress = %v", last)
	}
}

func TestHandleSFTPDownload_File(t *testing.T) {
	root := t.TempDir()
	env := newTestEnv(t, mockssh.WithRoot(root))
	id := env.connect(t)

	if err := os.WriteFile(filepath.Join(root, "report.txt"), []byte("quarterly\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := resultJSON(t, call(t, env.srv.handleSFTPDownload, map[string]any{
		"session_id":  id,
		"source":      filepath.Join(root, "report.txt"),
		"destination": "/local/report.txt",
	}))
	if m["status"] != "downloaded" || m["bytes"] != 10.0 {
		t.Errorf("download result = %v", m)
	}
	got, err := env.fs.ReadFile("/local/report.txt")
	if err != nil || string(got) != "quarterly\n" {
		t.Errorf("local file = %q, %v", got, err)
	}
}

func TestHandleSFTPTransfer_Recursive(t *testing.T) {
	root := t.TempDir()
	env := newTestEnv(t, mockssh.WithRoot(root))
	id := env.connect(t)

	env.fs.AddFile("/src/main.go", []byte("package main"), 0o644)
	env.fs.AddFile("/src/pkg/util.go", []byte("package pkg"), 0o644)
	env.fs.AddFile("/src/README.md", []byte("readme"), 0o644)
	env.fs.AddFile("/src/node_modules/x/index.js", []byte("js"), 0o644)

	remote := filepath.Join(root, "dst")
	m := resultJSON(t, call(t, env.srv.handleSFTPUpload, map[string]any{
		"session_id":  id,
		"source":      "/src",
		"destination": remote,
		"recursive":   true,
	}))
	if m["status"] != "completed" {
		t.Errorf("upload status = %v", m["status"])
	}
	res := m["result"].(map[string]any)
	if res["files"] != 3.0 {
		t.Errorf("uploaded files = %v, want 3 (node_modules excluded)", res["files"])
	}
	if _, err := os.Stat(filepath.Join(remote, "pkg", "util.go")); err != nil {
		t.Errorf("nested file not uploaded: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "node_modules")); !os.IsNotExist(err) {
		t.Errorf("node_modules uploaded: %v", err)
	}

	m = resultJSON(t, call(t, env.srv.handleSFTPDownload, map[string]any{
		"session_id":  id,
		"source":      remote,
		"destination": "/back",
		"recursive":   true,
		"pattern":     "**/*.go",
	}))
	if res := m["result"].(map[string]any); res["files"] != 2.0 {
		t.Errorf("downloaded files = %v, want 2", res["files"])
	}
	if _, err := env.fs.ReadFile("/back/README.md"); err == nil {
		t.Error("README.md downloaded despite pattern")
	}
	if got, err := env.fs.ReadFile("/back/pkg/util.go"); err != nil || string(got) != "package pkg" {
		t.Errorf("util.go = %q, %v", got, err)
	}

	// An explicit empty exclusion list copies everything.
	env.fs.AddFile("/src/.env", []byte("SECRET=1"), 0o600)
	m = resultJSON(t, call(t, env.srv.handleSFTPUpload, map[string]any{
		"session_id":  id,
		"source":      "/src",
		"destination": filepath.Join(root, "all"),
		"recursive":   true,
		"exclude":     []any{},
	}))
	if res := m["result"].(map[string]any); res["files"] != 5.0 {
		t.Errorf("uploaded files without exclusions = %v, want 5", res["files"])
	}
}

func TestHandleSFTPRemoteOps(t *testing.T) {
	root := t.TempDir()
	env := newTestEnv(t, mockssh.WithRoot(root))
	id := env.connect(t)
	dir := filepath.Join(root, "a", "b")

	if r := call(t, env.srv.handleSFTPMkdir, map[string]any{"session_id": id, "path": dir}); !r.IsError {
		t.Error("mkdir without parents of a missing parent succeeded")
	}
	resultJSON(t, call(t, env.srv.handleSFTPMkdir, map[string]any{"session_id": id, "path": dir, "parents": true}))
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	list := resultJSON(t, call(t, env.srv.handleSFTPList, map[string]any{"session_id": id, "path": dir}))
	entries := list["entries"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["filename"] != "f.txt" {
		t.Errorf("entries = %v", entries)
	}

	resultJSON(t, call(t, env.srv.handleSFTPChmod, map[string]any{
		"session_id": id, "path": filepath.Join(dir, "f.txt"), "mode": "0600",
	}))
	stat := resultJSON(t, call(t, env.srv.handleSFTPStat, map[string]any{
		"session_id": id, "path": filepath.Join(dir, "f.txt"),
	}))
	info := stat["info"].(map[string]any)
	if info["fileSize"] != 5.0 || info["isDirectory"] != false || info["permissions"] != float64(0o600) {
		t.Errorf("stat info = %v", info)
	}
	if stat["mode"] != "-rw-------" {
		t.Errorf("mode = %v", stat["mode"])
	}

	resultJSON(t, call(t, env.srv.handleSFTPRename, map[string]any{
		"session_id": id, "from": filepath.Join(dir, "f.txt"), "to": filepath.Join(dir, "g.txt"),
	}))
	resultJSON(t, call(t, env.srv.handleSFTPRemove, map[string]any{"session_id": id, "path": filepath.Join(dir, "g.txt")}))
	resultJSON(t, call(t, env.srv.handleSFTPRemove, map[string]any{"session_id": id, "path": dir}))
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("directory still exists: %v", err)
	}

	missing := call(t, env.srv.handleSFTPStat, map[string]any{"session_id": id, "path": dir})
	if !missing.IsError || !strings.Contains(resultText(missing), "sftp error") {
		t.Errorf("stat of removed path = %s, want sftp error", resultText(missing))
	}
}

func TestHandleSFTP_Validation(t *testing.T) {
	env := newTestEnv(t)
	id := env.connect(t)

	tests := []struct {
		name    string
		h       handler
		args    map[string]any
		wantErr string
	}{
		{"upload without destination", env.srv.handleSFTPUpload, map[string]any{"session_id": id, "source": "/x"}, "source and destination are required"},
		{"download without source", env.srv.handleSFTPDownload, map[string]any{"session_id": id, "destination": "/x"}, "source and destination are required"},
		{"list without path", env.srv.handleSFTPList, map[string]any{"session_id": id}, errPathRequired},
		{"stat unknown session", env.srv.handleSFTPStat, map[string]any{"session_id": "nope", "path": "/"}, "session not found"},
		{"rename without to", env.srv.handleSFTPRename, map[string]any{"session_id": id, "from": "/a"}, "from and to are required"},
		{"chmod bad mode", env.srv.handleSFTPChmod, map[string]any{"session_id": id, "path": "/a", "mode": "rwx"}, "octal"},
		{"chmod mode too large", env.srv.handleSFTPChmod, map[string]any{"session_id": id, "path": "/a", "mode": "17777"}, "octal"},
		{"cancel bad direction", env.srv.handleSFTPCancel, map[string]any{"session_id": id, "direction": "sideways"}, "direction"},
		{"upload missing local file", env.srv.handleSFTPUpload, map[string]any{"session_id": id, "source": "/nope", "destination": "/tmp/x"}, "upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, tt.h, tt.args)
			if !result.IsError || !strings.Contains(resultText(result), tt.wantErr) {
				t.Errorf("result = %q, want error containing %q", resultText(result), tt.wantErr)
			}
		})
	}
}

func TestHandleSFTPCancel_Idle(t *testing.T) {
	env := newTestEnv(t)
	id := env.connect(t)

	m := resultJSON(t, call(t, env.srv.handleSFTPCancel, map[string]any{"session_id": id}))
	if m["uploads"] != false || m["downloads"] != false {
		t.Errorf("cancel with nothing running = %v", m)
	}
	m = resultJSON(t, call(t, env.srv.handleSFTPCancel, map[string]any{"session_id": id, "direction": "upload"}))
	if _, ok := m["downloads"]; ok {
		t.Errorf("upload-only cancel reported downloads: %v", m)
	}
}
