package fakefs

import (
	"errors"
	"io"
	"io/fs"
	"slices"
	"testing"
	"time"
)

func TestWriteFile_CreatesParents(t *testing.T) {
	f := New()
	if err := f.WriteFile("/a/b/c.txt", []byte("data"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	for _, dir := range []string{"/a", "/a/b"} {
		if info, err := f.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("Stat(%s) = %v, %v, want a directory", dir, info, err)
		}
	}
	got, err := f.ReadFile("a/b/../b/c.txt")
	if err != nil || string(got) != "data" {
		t.Errorf("ReadFile() = %q, %v", got, err)
	}
}

func TestReadFile_ReturnsCopy(t *testing.T) {
	f := New()
	f.AddFile("/k", []byte("key"), 0o600)
	got, _ := f.ReadFile("/k")
	got[0] = 'X'
	if again, _ := f.ReadFile("/k"); string(again) != "key" {
		t.Errorf("ReadFile() = %q after caller mutation", again)
	}
}

func TestCreate(t *testing.T) {
	f := New()
	if _, err := f.Create("/missing/x", 0o644); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Create() under a missing dir = %v, want ErrNotExist", err)
	}

	f.MkdirAll("/out", 0o755)
	w, err := f.Create("/out/x", 0o640)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	io.WriteString(w, "hello ")
	io.WriteString(w, "world")
	if got, _ := f.ReadFile("/out/x"); len(got) != 0 {
		t.Errorf("contents visible before Close: %q", got)
	}
	w.Close()
	got, _ := f.ReadFile("/out/x")
	info, _ := f.Stat("/out/x")
	if string(got) != "hello world" || info.Mode() != 0o640 || info.Size() != 11 {
		t.Errorf("after Close: %q mode %v size %d", got, info.Mode(), info.Size())
	}
}

func TestOpen(t *testing.T) {
	f := New()
	f.AddFile("/src/data.bin", []byte("abc"), 0o644)
	r, err := f.Open("/src/data.bin")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	info, _ := r.Stat()
	if string(got) != "abc" || info.Name() != "data.bin" {
		t.Errorf("Open() read %q, name %q", got, info.Name())
	}
	if _, err := f.Open("/src"); err == nil {
		t.Error("Open() of a directory should fail")
	}
	if _, err := f.Open("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open() of a missing file = %v", err)
	}
}

func TestReadDir(t *testing.T) {
	f := New()
	f.AddFile("/tree/b.txt", nil, 0o644)
	f.AddFile("/tree/a.txt", nil, 0o644)
	f.AddFile("/tree/sub/deep.txt", nil, 0o644)

	entries, err := f.ReadDir("/tree")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if want := []string{"a.txt", "b.txt", "sub"}; !slices.Equal(names, want) {
		t.Errorf("ReadDir() = %v, want %v", names, want)
	}
	if !entries[2].IsDir() {
		t.Error("sub should be a directory")
	}
	if _, err := f.ReadDir("/none"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadDir() of a missing dir = %v", err)
	}
}

func TestRemove(t *testing.T) {
	f := New()
	f.AddFile("/d/file", nil, 0o644)
	if err := f.Remove("/d"); err == nil {
		t.Error("Remove() of a non-empty directory should fail")
	}
	if err := f.Remove("/d/file"); err != nil {
		t.Errorf("Remove(file) error = %v", err)
	}
	if err := f.Remove("/d"); err != nil {
		t.Errorf("Remove(empty dir) error = %v", err)
	}
	if err := f.Remove("/d"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second Remove() = %v, want ErrNotExist", err)
	}
}

func TestRenameAndChtimes(t *testing.T) {
	f := New()
	f.AddFile("/dl/file.part", []byte("new"), 0o644)
	f.AddFile("/dl/file", []byte("old"), 0o644)

	if err := f.Rename("/dl/file.part", "/dl/file"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if got := f.Files(); !slices.Equal(got, []string{"/dl/file"}) {
		t.Errorf("Files() = %v", got)
	}
	if got, _ := f.ReadFile("/dl/file"); string(got) != "new" {
		t.Errorf("ReadFile() = %q, want the renamed contents", got)
	}
	if err := f.Rename("/dl/file", "/elsewhere/file"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Rename() into a missing dir = %v", err)
	}

	mtime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := f.Chtimes("/dl/file", mtime, mtime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if info, _ := f.Stat("/dl/file"); !info.ModTime().Equal(mtime) {
		t.Errorf("ModTime() = %v, want %v", info.ModTime(), mtime)
	}
}

func TestEnvAndHome(t *testing.T) {
	f := New()
	if home, _ := f.UserHomeDir(); home != "/home/test" {
		t.Errorf("UserHomeDir() = %q", home)
	}
	f.SetHomeDir("/home/ops")
	if home, _ := f.UserHomeDir(); home != "/home/ops" {
		t.Errorf("UserHomeDir() = %q after SetHomeDir", home)
	}
	if v := f.Getenv("SSHKIT_PASSWORD"); v != "" {
		t.Errorf("Getenv() = %q before SetEnv", v)
	}
	f.SetEnv("SSHKIT_PASSWORD", "s3cret")
	if v := f.Getenv("SSHKIT_PASSWORD"); v != "s3cret" {
		t.Errorf("Getenv() = %q", v)
	}
}
