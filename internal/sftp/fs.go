package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
)

func baseName(name string) string {
	if name == "" {
		return ""
	}
	return path.Base(name)
}

// Stat returns the attributes of name, following symlinks.
func (c *Client) Stat(ctx context.Context, name string) (FileInfo, error) {
	a, err := c.attrsRequest(ctx, fxpStat, "stat", name, encoder(nil).string(name))
	if err != nil {
		return FileInfo{}, err
	}
	return a.fileInfo(baseName(name), ""), nil
}

// Lstat returns the attributes of name without following symlinks.
func (c *Client) Lstat(ctx context.Context, name string) (FileInfo, error) {
	a, err := c.attrsRequest(ctx, fxpLstat, "lstat", name, encoder(nil).string(name))
	if err != nil {
		return FileInfo{}, err
	}
	return a.fileInfo(baseName(name), ""), nil
}

// ReadDir lists dir, sorted by name, without "." and "..".
func (c *Client) ReadDir(ctx context.Context, dir string) ([]FileInfo, error) {
	handle, err := c.handleRequest(ctx, fxpOpendir, "opendir", dir, encoder(nil).string(dir))
	if err != nil {
		return nil, err
	}

	entries, err := c.readDir(ctx, dir, handle)
	cerr := c.call(ctx, fxpClose, "close", dir, encoder(nil).string(handle))
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *Client) readDir(ctx context.Context, dir, handle string) ([]FileInfo, error) {
	var entries []FileInfo
	for {
		r, err := c.request(ctx, fxpReaddir, encoder(nil).string(handle))
		if err != nil {
			return nil, err
		}
		if r.typ != fxpName {
			err := withPath(unexpected(r, "readdir"), dir)
			if errors.Is(err, ErrEOF) {
				return entries, nil
			}
			return nil, err
		}

		d := decoder{b: r.body}
		for n := d.uint32(); n > 0 && d.err == nil; n-- {
			name, long := d.string(), d.string()
			a := d.attrs()
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, a.fileInfo(name, long))
		}
		if d.err != nil {
			return nil, d.err
		}
	}
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, name string) error {
	return c.call(ctx, fxpMkdir, "mkdir", name, attrs{}.encode(encoder(nil).string(name)))
}

// MkdirAll creates name and any missing parents. It succeeds if name is
// already a directory.
func (c *Client) MkdirAll(ctx context.Context, name string) error {
	fi, err := c.Stat(ctx, name)
	if err == nil {
		if fi.IsDir {
			return nil
		}
		return fmt.Errorf("sftp: mkdir %s: not a directory", name)
	}
	if !errors.Is(err, ErrNoSuchFile) {
		return err
	}

	if parent := path.Dir(name); parent != name && parent != "." && parent != "/" {
		if err := c.MkdirAll(ctx, parent); err != nil {
			return err
		}
	}
	if err := c.Mkdir(ctx, name); err != nil {
		// Lost a race with another creator.
		if fi, serr := c.Stat(ctx, name); serr == nil && fi.IsDir {
			return nil
		}
		return err
	}
	return nil
}

// Remove removes a file.
func (c *Client) Remove(ctx context.Context, name string) error {
	return c.call(ctx, fxpRemove, "remove", name, encoder(nil).string(name))
}

// RemoveDirectory removes an empty directory.
func (c *Client) RemoveDirectory(ctx context.Context, name string) error {
	return c.call(ctx, fxpRmdir, "rmdir", name, encoder(nil).string(name))
}

// Rename renames oldName to newName.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	return c.call(ctx, fxpRename, "rename", oldName, encoder(nil).string(oldName).string(newName))
}

// Chmod sets the permission bits of name.
func (c *Client) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	a := attrs{flags: attrPermissions, perm: permBits(mode)}
	return c.call(ctx, fxpSetstat, "setstat", name, a.encode(encoder(nil).string(name)))
}

// RealPath canonicalizes name on the server.
func (c *Client) RealPath(ctx context.Context, name string) (string, error) {
	r, err := c.request(ctx, fxpRealpath, encoder(nil).string(name))
	if err != nil {
		return "", err
	}
	if r.typ != fxpName {
		return "", withPath(unexpected(r, "realpath"), name)
	}
	d := decoder{b: r.body}
	if n := d.uint32(); n != 1 && d.err == nil {
		return "", fmt.Errorf("%w: realpath returned %d names", ErrBadMessage, n)
	}
	resolved := d.string()
	return resolved, d.err
}

// ReadFile returns the contents of name.
func (c *Client) ReadFile(ctx context.Context, name string) ([]byte, error) {
	f, err := c.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data []byte
	for {
		chunk, err := f.readChunk(ctx, int64(len(data)), c.opts.ChunkSize)
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, io.ErrUnexpectedEOF
		}
		data = append(data, chunk...)
	}
}

// WriteFile writes data to name, creating or truncating it. A non-zero
// perm is applied afterwards.
func (c *Client) WriteFile(ctx context.Context, name string, data []byte, perm fs.FileMode) error {
	f, err := c.Create(ctx, name)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += c.opts.ChunkSize {
		end := min(off+c.opts.ChunkSize, len(data))
		if err := f.writeChunk(ctx, int64(off), data[off:end]); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if perm != 0 {
		return c.Chmod(ctx, name, perm)
	}
	return nil
}
