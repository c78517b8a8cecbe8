package sftp

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	pkgsftp "github.com/pkg/sftp"

	"github.com/acolita/sshkit/internal/testing/fakes/fakeclock"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
)

// pipeEnd is one side of an in-memory duplex stream.
type pipeEnd struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeEnd) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

func duplex() (client, server pipeEnd) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	return pipeEnd{cr, cw}, pipeEnd{sr, sw}
}

// newTestClient connects a Client to a pkg/sftp server rooted at a
// temporary directory.
func newTestClient(t *testing.T, opts Options) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	clientEnd, serverEnd := duplex()

	server, err := pkgsftp.NewServer(serverEnd, pkgsftp.WithServerWorkingDirectory(dir))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := NewClient(ctx, clientEnd, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestClient_Version(t *testing.T) {
	c, _ := newTestClient(t, Options{})
	if c.Version() != 3 {
		t.Errorf("Version() = %d, want 3", c.Version())
	}
}

func TestClient_WriteReadFile(t *testing.T) {
	c, dir := newTestClient(t, Options{ChunkSize: 1000})
	ctx := context.Background()
	data := randomBytes(t, 4500)
	name := filepath.Join(dir, "data.bin")

	if err := c.WriteFile(ctx, name, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := c.ReadFile(ctx, name)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadFile() returned %d bytes, want the %d written", len(got), len(data))
	}

	fi, err := c.Stat(ctx, name)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fi.Name != "data.bin" || fi.Size != 4500 || fi.IsDir || fi.Permissions.Perm() != 0o600 {
		t.Errorf("Stat() = %+v", fi)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	c, dir := newTestClient(t, Options{})
	ctx := context.Background()
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name string
		op   string
		call func() error
	}{
		{"stat", "stat", func() error { _, err := c.Stat(ctx, missing); return err }},
		{"lstat", "lstat", func() error { _, err := c.Lstat(ctx, missing); return err }},
		{"open", "open", func() error { _, err := c.Open(ctx, missing); return err }},
		{"opendir", "opendir", func() error { _, err := c.ReadDir(ctx, missing); return err }},
		{"remove", "remove", func() error { return c.Remove(ctx, missing) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, ErrNoSuchFile) {
				t.Fatalf("error = %v, want ErrNoSuchFile", err)
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error = %T, want *StatusError", err)
			}
			if se.Op != tt.op || se.Path != missing || se.Code != StatusNoSuchFile {
				t.Errorf("StatusError = %+v", se)
			}
			if errors.Is(err, ErrPermissionDenied) {
				t.Error("ErrNoSuchFile status also matched ErrPermissionDenied")
			}
		})
	}
}

func TestClient_ReadDirIsSetEqual(t *testing.T) {
	c, dir := newTestClient(t, Options{})
	ctx := context.Background()

	want := []string{"a.txt", "b.txt", "sub"}
	for i := range 100 {
		want = append(want, "many-"+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	for _, name := range want {
		if name == "sub" {
			os.Mkdir(filepath.Join(dir, name), 0o755)
			continue
		}
		os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644)
	}

	entries, err := c.ReadDir(ctx, dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name)
		if e.Name == "sub" && !e.IsDir {
			t.Error("sub should be a directory")
		}
		if e.LongName == "" {
			t.Errorf("%s has no long name", e.Name)
		}
	}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("ReadDir() names = %v, want %v", got, want)
	}
}

func TestClient_ReadDirEmpty(t *testing.T) {
	c, dir := newTestClient(t, Options{})
	entries, err := c.ReadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ReadDir() = %v, want empty", entries)
	}
}

func TestClient_PathOperations(t *testing.T) {
	c, dir := newTestClient(t, Options{})
	ctx := context.Background()

	nested := filepath.Join(dir, "x", "y", "z")
	if err := c.MkdirAll(ctx, nested); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := c.MkdirAll(ctx, nested); err != nil {
		t.Errorf("second MkdirAll() error = %v", err)
	}
	if fi, err := os.Stat(nested); err != nil || !fi.IsDir() {
		t.Fatalf("nested dir missing: %v", err)
	}

	file := filepath.Join(dir, "x", "f")
	if err := c.WriteFile(ctx, file, []byte("hi"), 0); err != nil {
		t.Fatal(err)
	}
	if err := c.MkdirAll(ctx, file); err == nil {
		t.Error("MkdirAll() over a file should fail")
	}

	if err := c.Chmod(ctx, file, 0o640); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	if fi, _ := os.Stat(file); fi.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", fi.Mode().Perm())
	}

	renamed := filepath.Join(dir, "x", "g")
	if err := c.Rename(ctx, file, renamed); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := os.Stat(renamed); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
	if err := c.Remove(ctx, renamed); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if err := c.RemoveDirectory(ctx, filepath.Join(dir, "x")); err == nil {
		t.Error("RemoveDirectory() of a non-empty directory should fail")
	}
	if err := c.RemoveDirectory(ctx, nested); err != nil {
		t.Errorf("RemoveDirectory() error = %v", err)
	}

	real, err := c.RealPath(ctx, filepath.Join(dir, "x", "y", ".."))
	if err != nil {
		t.Fatalf("RealPath() error = %v", err)
	}
	if want := filepath.Join(dir, "x"); real != want {
		t.Errorf("RealPath() = %q, want %q", real, want)
	}
}

func TestFile_ReadWriteSeek(t *testing.T) {
	c, dir := newTestClient(t, Options{ChunkSize: 4})
	ctx := context.Background()
	name := filepath.Join(dir, "f")

	f, err := c.Create(ctx, name)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := io.WriteString(f, "hello world"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := f.WriteAt([]byte("W"), 6); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	f.Close()

	f, err = c.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil || string(got) != "hello World" {
		t.Errorf("ReadAll() = %q, %v, want hello World", got, err)
	}
	if _, err := f.Seek(6, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(f, buf); err != nil || string(buf) != "World" {
		t.Errorf("read after Seek = %q, %v", buf, err)
	}
	if _, err := f.ReadAt(buf[:3], 0); err != nil || string(buf[:3]) != "hel" {
		t.Errorf("ReadAt() = %q, %v", buf[:3], err)
	}
	if _, err := f.ReadAt(buf, 9); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt() past end = %v, want io.EOF", err)
	}

	fi, err := f.Stat(ctx)
	if err != nil || fi.Size != 11 {
		t.Errorf("Stat() = %+v, %v", fi, err)
	}

	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := f.Read(buf); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Read() after Close = %v, want ErrHandleClosed", err)
	}
}

func TestClient_UploadDownloadRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		chunkSize   int
		maxInflight int
	}{
		{"empty", 0, 1024, 4},
		{"smaller than a chunk", 100, 1024, 4},
		{"exact chunks", 8192, 1024, 4},
		{"odd size", 1<<20 + 17, 4096, 8},
		{"defaults", 300_000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dir := newTestClient(t, Options{ChunkSize: tt.chunkSize, MaxInflight: tt.maxInflight})
			local := t.TempDir()
			ctx := context.Background()

			data := randomBytes(t, tt.size)
			src := filepath.Join(local, "src")
			if err := os.WriteFile(src, data, 0o644); err != nil {
				t.Fatal(err)
			}

			var last Progress
			n, err := c.Upload(ctx, src, filepath.Join(dir, "remote"), func(p Progress) { last = p })
			if err != nil {
				t.Fatalf("Upload() error = %v", err)
			}
			if n != int64(tt.size) {
				t.Errorf("Upload() = %d bytes, want %d", n, tt.size)
			}
			if last.Transferred != int64(tt.size) || last.Total != int64(tt.size) {
				t.Errorf("final upload progress = %+v, want %d/%d", last, tt.size, tt.size)
			}

			dst := filepath.Join(local, "dst")
			n, err = c.Download(ctx, filepath.Join(dir, "remote"), dst, func(p Progress) { last = p })
			if err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			if n != int64(tt.size) || last.Transferred != int64(tt.size) {
				t.Errorf("Download() = %d bytes, progress %+v, want %d", n, last, tt.size)
			}

			got, err := os.ReadFile(dst)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip changed the data: %d bytes in, %d out", len(data), len(got))
			}
		})
	}
}

func TestClient_TransfersUseLocalFileSystem(t *testing.T) {
	fs := fakefs.New()
	c, dir := newTestClient(t, Options{FS: fs, ChunkSize: 512})
	ctx := context.Background()

	data := bytes.Repeat([]byte("sshkit"), 1000)
	fs.AddFile("/local/in.txt", data, 0o644)

	if _, err := c.Upload(ctx, "/local/in.txt", filepath.Join(dir, "in.txt"), nil); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if _, err := c.Download(ctx, filepath.Join(dir, "in.txt"), "/local/out.txt", nil); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	got, err := fs.ReadFile("/local/out.txt")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("downloaded %d bytes, %v, want %d", len(got), err, len(data))
	}

	if _, err := c.Upload(ctx, "/local/missing", filepath.Join(dir, "x"), nil); err == nil {
		t.Error("Upload() of a missing local file should fail")
	}
	if _, err := c.Download(ctx, filepath.Join(dir, "missing"), "/local/x", nil); !errors.Is(err, ErrNoSuchFile) {
		t.Errorf("Download() of a missing remote file = %v, want ErrNoSuchFile", err)
	}
}

func TestClient_DownloadKeepsMtimeAndStagesPart(t *testing.T) {
	fs := fakefs.New()
	c, dir := newTestClient(t, Options{FS: fs})
	ctx := context.Background()

	remote := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(remote, []byte("yesterday"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := os.Chtimes(remote, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	fs.AddFile("/local/old.txt", []byte("stale"), 0o644)
	if _, err := c.Download(ctx, remote, "/local/old.txt", nil); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	info, err := fs.Stat("/local/old.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("ModTime() = %v, want %v", info.ModTime(), mtime)
	}
	if got := fs.Files(); len(got) != 1 || got[0] != "/local/old.txt" {
		t.Errorf("Files() = %v, want only the downloaded file", got)
	}

	if _, err := c.Download(ctx, filepath.Join(dir, "missing"), "/local/old.txt", nil); err == nil {
		t.Fatal("Download() of a missing file should fail")
	}
	if got, _ := fs.ReadFile("/local/old.txt"); string(got) != "yesterday" {
		t.Errorf("failed download clobbered the existing file: %q", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestClient_DownloadWaitsForReadsOnFailure(t *testing.T) {
	c, dir := newTestClient(t, Options{ChunkSize: 1024, MaxInflight: 8})
	ctx := context.Background()
	remote := filepath.Join(dir, "big")
	if err := os.WriteFile(remote, randomBytes(t, 64<<10), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := c.Open(ctx, remote)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	rep := newProgressReporter(nil, c.opts.Clock, c.opts.ProgressInterval, 64<<10)
	if _, err := c.download(ctx, src, failingWriter{}, 64<<10, rep); err == nil {
		t.Fatal("download() into a failing writer succeeded")
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("%d reads still pending after download() returned", n)
	}
}

func TestClient_UploadCancelled(t *testing.T) {
	c, dir := newTestClient(t, Options{})
	src := filepath.Join(t.TempDir(), "src")
	os.WriteFile(src, randomBytes(t, 1<<20), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Upload(ctx, src, filepath.Join(dir, "dst"), nil); !errors.Is(err, ErrCancelled) {
		t.Errorf("Upload() error = %v, want ErrCancelled", err)
	}
	if _, err := c.Stat(context.Background(), dir); err != nil {
		t.Errorf("client unusable after a cancelled upload: %v", err)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, dir := newTestClient(t, Options{})
	ctx := context.Background()

	f, err := c.Create(ctx, filepath.Join(dir, "open"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := c.Stat(ctx, dir); !errors.Is(err, ErrClosed) {
		t.Errorf("Stat() after Close = %v, want ErrClosed", err)
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Write() on a file of a closed client = %v, want ErrHandleClosed", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("File.Close() after client Close = %v", err)
	}
}

func TestProgressReporter_Throttles(t *testing.T) {
	clock := fakeclock.New(time.Unix(0, 0))
	var got []Progress
	rep := newProgressReporter(func(p Progress) { got = append(got, p) }, clock, time.Second, 100)

	rep.add(10)
	rep.add(10)
	if len(got) != 0 {
		t.Fatalf("reported %v before the interval elapsed", got)
	}
	clock.Advance(time.Second)
	rep.add(30)
	rep.add(10)
	if len(got) != 1 || got[0] != (Progress{Transferred: 50, Total: 100}) {
		t.Errorf("reports = %v, want one at 50/100", got)
	}
	rep.finish()
	if len(got) != 2 || got[1] != (Progress{Transferred: 60, Total: 100}) {
		t.Errorf("reports = %v, want final 60/100", got)
	}
}

func TestProgress_Percent(t *testing.T) {
	tests := []struct {
		p    Progress
		want float64
	}{
		{Progress{Transferred: 50, Total: 200}, 25},
		{Progress{Transferred: 0, Total: 0}, 100},
		{Progress{Transferred: 10, Total: -1}, -1},
	}
	for _, tt := range tests {
		if got := tt.p.Percent(); got != tt.want {
			t.Errorf("Percent(%+v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

// scriptedServer is a minimal server for protocol-level tests.
type scriptedServer struct {
	t  *testing.T
	rw pipeEnd
}

func (s *scriptedServer) read() (byte, []byte) {
	s.t.Helper()
	typ, body, err := readPacket(s.rw)
	if err != nil {
		s.t.Errorf("server read: %v", err)
	}
	return typ, body
}

func (s *scriptedServer) send(typ byte, body encoder) {
	p := encoder(nil).uint32(uint32(1 + len(body))).byte(typ).append(body)
	s.rw.Write(p)
}

func (s *scriptedServer) handshake(version uint32) {
	if typ, _ := s.read(); typ != fxpInit {
		s.t.Errorf("first packet = %d, want INIT", typ)
	}
	s.send(fxpVersion, encoder(nil).uint32(version).string("posix-rename@openssh.com").string("1"))
}

func startScripted(t *testing.T, version uint32, script func(s *scriptedServer)) (*Client, error) {
	t.Helper()
	clientEnd, serverEnd := duplex()
	s := &scriptedServer{t: t, rw: serverEnd}
	go func() {
		s.handshake(version)
		if script != nil {
			script(s)
		}
	}()
	t.Cleanup(func() { serverEnd.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewClient(ctx, clientEnd, Options{})
}

func TestClient_VersionNegotiation(t *testing.T) {
	c, err := startScripted(t, 6, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()
	if c.Version() != 3 {
		t.Errorf("Version() = %d, want 3", c.Version())
	}
	if !c.HasExtension("posix-rename@openssh.com") {
		t.Error("extension not recorded")
	}

	if _, err := startScripted(t, 2, nil); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("NewClient() with version 2 = %v, want ErrUnsupportedVersion", err)
	}
}

func TestClient_ResponsesMatchedByID(t *testing.T) {
	const n = 8
	c, err := startScripted(t, 3, func(s *scriptedServer) {
		type req struct {
			id   uint32
			path string
		}
		var reqs []req
		for range n {
			typ, body := s.read()
			if typ != fxpStat {
				t.Errorf("request type = %d, want STAT", typ)
				return
			}
			d := decoder{b: body}
			reqs = append(reqs, req{d.uint32(), d.string()})
		}
		// Answer in reverse order; the size encodes the path length.
		for i := len(reqs) - 1; i >= 0; i-- {
			a := attrs{flags: attrSize, size: uint64(len(reqs[i].path))}
			s.send(fxpAttrs, a.encode(encoder(nil).uint32(reqs[i].id)))
		}
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "/" + string(bytes.Repeat([]byte("p"), i+1))
			fi, err := c.Stat(context.Background(), name)
			if err != nil {
				t.Errorf("Stat(%s) error = %v", name, err)
				return
			}
			if fi.Size != int64(len(name)) {
				t.Errorf("Stat(%s).Size = %d, want %d", name, fi.Size, len(name))
			}
		}()
	}
	wg.Wait()
}

func TestClient_TeardownFailsPendingAndHandles(t *testing.T) {
	opened := make(chan struct{})
	c, err := startScripted(t, 3, func(s *scriptedServer) {
		_, body := s.read() // OPEN
		d := decoder{b: body}
		s.send(fxpHandle, encoder(nil).uint32(d.uint32()).string("h1"))
		<-opened
		s.read() // STAT that is never answered
		s.rw.Close()
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx := context.Background()

	f, err := c.Open(ctx, "/file")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	close(opened)

	_, err = c.Stat(ctx, "/other")
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, ErrConnectionLost) {
		t.Errorf("pending Stat() = %v, want ErrCancelled wrapping ErrConnectionLost", err)
	}
	<-c.Done()
	if _, err := f.Read(make([]byte, 4)); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Read() after teardown = %v, want ErrHandleClosed", err)
	}
	if _, err := c.Stat(ctx, "/again"); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Stat() after teardown = %v, want ErrConnectionLost", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() after teardown = %v", err)
	}
}

func TestClient_RequestContextCancelled(t *testing.T) {
	c, err := startScripted(t, 3, func(s *scriptedServer) {
		typ, body := s.read()
		if typ != fxpStat {
			return
		}
		// Answer late; the response must be dropped.
		time.Sleep(100 * time.Millisecond)
		d := decoder{b: body}
		s.send(fxpAttrs, attrs{}.encode(encoder(nil).uint32(d.uint32())))

		_, body = s.read()
		d = decoder{b: body}
		s.send(fxpStatus, encoder(nil).uint32(d.uint32()).uint32(uint32(StatusPermissionDenied)).string("denied").string(""))
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Stat(ctx, "/slow"); !errors.Is(err, ErrCancelled) {
		t.Errorf("Stat() = %v, want ErrCancelled", err)
	}

	_, err = c.Stat(context.Background(), "/denied")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Stat() = %v, want ErrPermissionDenied", err)
	}
}

func TestStatusError_Error(t *testing.T) {
	tests := []struct {
		err  *StatusError
		want string
	}{
		{&StatusError{Op: "stat", Path: "/x", Code: StatusNoSuchFile, Message: "No such file"}, "sftp: stat /x: no such file: No such file"},
		{&StatusError{Op: "close", Code: StatusFailure}, "sftp: close: failure"},
		{&StatusError{Op: "open", Path: "/y", Code: StatusCode(42)}, "sftp: open /y: status 42"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestFileMode(t *testing.T) {
	tests := []struct {
		perm uint32
		want os.FileMode
	}{
		{0o100644, 0o644},
		{0o040755, os.ModeDir | 0o755},
		{0o120777, os.ModeSymlink | 0o777},
		{0o104755, os.ModeSetuid | 0o755},
		{0o041777, os.ModeDir | os.ModeSticky | 0o777},
	}
	for _, tt := range tests {
		if got := fileMode(tt.perm); got != tt.want {
			t.Errorf("fileMode(%o) = %v, want %v", tt.perm, got, tt.want)
		}
	}
}
