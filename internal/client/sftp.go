package client

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/sftp"
)

// SFTPState is the lifecycle state of the client's SFTP session.
type SFTPState int

const (
	SFTPDisconnected SFTPState = iota
	SFTPConnecting
	SFTPConnected
)

func (s SFTPState) String() string {
	switch s {
	case SFTPDisconnected:
		return "disconnected"
	case SFTPConnecting:
		return "connecting"
	case SFTPConnected:
		return "connected"
	}
	return fmt.Sprintf("SFTPState(%d)", int(s))
}

// FileInfo describes a remote file.
type FileInfo struct {
	Filename    string    `json:"filename"`
	LongName    string    `json:"longName,omitempty"`
	Permissions uint32    `json:"permissions"`
	FileSize    int64     `json:"fileSize"`
	IsDirectory bool      `json:"isDirectory"`
	ModTime     time.Time `json:"modTime"`
}

func fileInfo(fi sftp.FileInfo) FileInfo {
	return FileInfo{
		Filename:    fi.Name,
		LongName:    fi.LongName,
		Permissions: uint32(fi.Permissions.Perm()),
		FileSize:    fi.Size,
		IsDirectory: fi.IsDir,
		ModTime:     fi.ModTime,
	}
}

// SFTPState returns the SFTP session state.
func (c *Client) SFTPState() SFTPState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftpState == SFTPConnected && c.sftp.Err() != nil {
		return SFTPDisconnected
	}
	return c.sftpState
}

// ConnectSFTP ensures an SFTP session is open. It is idempotent, and a
// session that ended is replaced.
func (c *Client) ConnectSFTP(ctx context.Context) error {
	_, err := c.ensureSFTP(ctx, "connect sftp")
	return err
}

func (c *Client) ensureSFTP(ctx context.Context, op string) (*sftp.Client, error) {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()

	c.mu.Lock()
	if sc := c.sftp; sc != nil && sc.Err() == nil {
		c.mu.Unlock()
		return sc, nil
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, &Error{Kind: ConnectionError, Op: op, Err: ErrNotConnected}
	}
	c.sftp = nil
	c.sftpState = SFTPConnecting
	c.mu.Unlock()

	sc, err := sftp.Open(ctx, conn.mux, c.opts.SFTP)

	c.mu.Lock()
	if err != nil {
		c.sftpState = SFTPDisconnected
		c.mu.Unlock()
		return nil, wrap(op, err)
	}
	if c.conn != conn {
		c.mu.Unlock()
		sc.Close()
		return nil, &Error{Kind: ConnectionError, Op: op, Err: ErrNotConnected}
	}
	c.sftp = sc
	c.sftpState = SFTPConnected
	c.mu.Unlock()
	return sc, nil
}

// CloseSFTP ends the SFTP session and keeps the connection. It is
// idempotent.
func (c *Client) CloseSFTP() error {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()
	c.mu.Lock()
	sc := c.sftp
	c.sftp = nil
	c.sftpState = SFTPDisconnected
	c.mu.Unlock()
	if sc == nil {
		return nil
	}
	return wrap("close sftp", sc.Close())
}

// transfers tracks in-flight transfers of one direction for cancellation.
type transfers struct {
	mu      sync.Mutex
	next    uint64
	cancels map[uint64]context.CancelFunc
}

func (t *transfers) start(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.cancels == nil {
		t.cancels = make(map[uint64]context.CancelFunc)
	}
	t.next++
	id := t.next
	t.cancels[id] = cancel
	t.mu.Unlock()
	return ctx, func() {
		t.mu.Lock()
		delete(t.cancels, id)
		t.mu.Unlock()
		cancel()
	}
}

// cancelAll cancels every in-flight transfer and returns how many there
// were.
func (t *transfers) cancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.cancels {
		cancel()
	}
	return len(t.cancels)
}

// CancelUpload cancels every upload in flight. It reports whether there
// was one.
func (c *Client) CancelUpload() bool { return c.uploads.cancelAll() > 0 }

// CancelDownload cancels every download in flight. It reports whether
// there was one.
func (c *Client) CancelDownload() bool { return c.downloads.cancelAll() > 0 }

func (c *Client) progress(kind events.Kind, path string) sftp.ProgressFunc {
	return func(p sftp.Progress) {
		ev := events.Event{Kind: kind, Path: path, Transferred: p.Transferred, Total: p.Total}
		if p.Total >= 0 {
			ev.Fraction = p.Percent() / 100
		}
		c.publish(ev)
	}
}

// SFTPUpload copies a local file to remote, publishing upload-progress.
func (c *Client) SFTPUpload(ctx context.Context, local, remote string) error {
	sc, err := c.ensureSFTP(ctx, "upload")
	if err != nil {
		return err
	}
	ctx, done := c.uploads.start(ctx)
	defer done()
	_, err = sc.Upload(ctx, local, remote, c.progress(events.UploadProgress, remote))
	return wrap("upload", err)
}

// SFTPDownload copies a remote file to local, publishing
// download-progress.
func (c *Client) SFTPDownload(ctx context.Context, remote, local string) error {
	sc, err := c.ensureSFTP(ctx, "download")
	if err != nil {
		return err
	}
	ctx, done := c.downloads.start(ctx)
	defer done()
	_, err = sc.Download(ctx, remote, local, c.progress(events.DownloadProgress, remote))
	return wrap("download", err)
}

// List returns the names in a remote directory, sorted.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	entries, err := c.ListDetailed(ctx, path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Filename
	}
	return names, nil
}

// ListDetailed returns the entries of a remote directory, sorted by name.
func (c *Client) ListDetailed(ctx context.Context, path string) ([]FileInfo, error) {
	sc, err := c.ensureSFTP(ctx, "list")
	if err != nil {
		return nil, err
	}
	entries, err := sc.ReadDir(ctx, path)
	if err != nil {
		return nil, wrap("list", err)
	}
	out := make([]FileInfo, len(entries))
	for i, e := range entries {
		out[i] = fileInfo(e)
	}
	return out, nil
}

// Stat returns the attributes of a remote path, following symlinks.
func (c *Client) Stat(ctx context.Context, path string) (FileInfo, error) {
	sc, err := c.ensureSFTP(ctx, "stat")
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := sc.Stat(ctx, path)
	if err != nil {
		return FileInfo{}, wrap("stat", err)
	}
	return fileInfo(fi), nil
}

// Chmod sets the permission bits of a remote path.
func (c *Client) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	sc, err := c.ensureSFTP(ctx, "chmod")
	if err != nil {
		return err
	}
	return wrap("chmod", sc.Chmod(ctx, path, mode))
}

// Mkdir creates a remote directory, and with parents any missing parents.
func (c *Client) Mkdir(ctx context.Context, path string, parents bool) error {
	sc, err := c.ensureSFTP(ctx, "mkdir")
	if err != nil {
		return err
	}
	if parents {
		return wrap("mkdir", sc.MkdirAll(ctx, path))
	}
	return wrap("mkdir", sc.Mkdir(ctx, path))
}

// Remove removes a remote file or empty directory.
func (c *Client) Remove(ctx context.Context, path string) error {
	sc, err := c.ensureSFTP(ctx, "remove")
	if err != nil {
		return err
	}
	fi, err := sc.Lstat(ctx, path)
	if err != nil {
		return wrap("remove", err)
	}
	if fi.IsDir {
		return wrap("remove", sc.RemoveDirectory(ctx, path))
	}
	return wrap("remove", sc.Remove(ctx, path))
}

// Rename renames a remote path.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	sc, err := c.ensureSFTP(ctx, "rename")
	if err != nil {
		return err
	}
	return wrap("rename", sc.Rename(ctx, from, to))
}

// ReadFile returns the contents of a remote file.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	sc, err := c.ensureSFTP(ctx, "read file")
	if err != nil {
		return nil, err
	}
	data, err := sc.ReadFile(ctx, path)
	return data, wrap("read file", err)
}

// WriteFile creates or replaces a remote file. A zero perm keeps the
// server's default mode.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	sc, err := c.ensureSFTP(ctx, "write file")
	if err != nil {
		return err
	}
	return wrap("write file", sc.WriteFile(ctx, path, data, perm))
}

// RealPath canonicalizes a remote path.
func (c *Client) RealPath(ctx context.Context, path string) (string, error) {
	sc, err := c.ensureSFTP(ctx, "realpath")
	if err != nil {
		return "", err
	}
	resolved, err := sc.RealPath(ctx, path)
	return resolved, wrap("realpath", err)
}
