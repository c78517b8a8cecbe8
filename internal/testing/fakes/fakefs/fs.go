// Package fakefs is an in-memory ports.FileSystem with a private
// environment and home directory.
package fakefs

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// FS keeps files and directories in maps keyed by cleaned slash paths.
// Writing a file creates its parents, so tests can seed deep trees with a
// single AddFile.
type FS struct {
	mu    sync.RWMutex
	files map[string]*entry
	dirs  map[string]bool
	home  string
	env   map[string]string
}

type entry struct {
	data  []byte
	mode  fs.FileMode
	mtime time.Time
}

var _ ports.FileSystem = (*FS)(nil)

// New returns an empty file system whose home is /home/test.
func New() *FS {
	return &FS{
		files: map[string]*entry{},
		dirs:  map[string]bool{"/": true},
		home:  "/home/test",
		env:   map[string]string{},
	}
}

func clean(name string) string { return path.Clean("/" + name) }

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

// mkdirs marks dir and its ancestors. Callers hold mu.
func (f *FS) mkdirs(dir string) {
	for ; !f.dirs[dir]; dir = path.Dir(dir) {
		f.dirs[dir] = true
	}
}

func (f *FS) put(name string, data []byte, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = clean(name)
	f.mkdirs(path.Dir(name))
	f.files[name] = &entry{data: bytes.Clone(data), mode: mode, mtime: time.Now()}
}

func (f *FS) Open(name string) (ports.File, error) {
	info, err := f.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	data, err := f.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return &reader{Reader: bytes.NewReader(data), info: info}, nil
}

// Create fails if the parent directory is missing, like os.Create. The
// written bytes replace the file on Close.
func (f *FS) Create(name string, perm fs.FileMode) (io.WriteCloser, error) {
	f.mu.RLock()
	ok := f.dirs[path.Dir(clean(name))]
	f.mu.RUnlock()
	if !ok {
		return nil, notExist("open", name)
	}
	f.put(name, nil, perm)
	return &writer{fs: f, name: name, perm: perm}, nil
}

func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	dir := clean(name)
	f.mu.RLock()
	if !f.dirs[dir] {
		f.mu.RUnlock()
		return nil, notExist("readdir", name)
	}
	var children []string
	for p := range f.files {
		if path.Dir(p) == dir {
			children = append(children, p)
		}
	}
	for p := range f.dirs {
		if p != dir && path.Dir(p) == dir {
			children = append(children, p)
		}
	}
	f.mu.RUnlock()

	slices.Sort(children)
	out := make([]fs.DirEntry, 0, len(children))
	for _, c := range children {
		info, err := f.Stat(c)
		if err != nil {
			return nil, err
		}
		out = append(out, fs.FileInfoToDirEntry(info))
	}
	return out, nil
}

func (f *FS) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.files[clean(name)]
	if !ok {
		return nil, notExist("open", name)
	}
	return bytes.Clone(e.data), nil
}

// WriteFile creates missing parents, unlike os.WriteFile.
func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.put(name, data, perm)
	return nil
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p := clean(name)
	if f.dirs[p] {
		return &info{name: path.Base(p), mode: fs.ModeDir | 0o755}, nil
	}
	e, ok := f.files[p]
	if !ok {
		return nil, notExist("stat", name)
	}
	return &info{name: path.Base(p), size: int64(len(e.data)), mode: e.mode, mtime: e.mtime}, nil
}

func (f *FS) MkdirAll(name string, _ fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirs(clean(name))
	return nil
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := clean(name)
	if _, ok := f.files[p]; ok {
		delete(f.files, p)
		return nil
	}
	if !f.dirs[p] {
		return notExist("remove", name)
	}
	for other := range f.files {
		if strings.HasPrefix(other, p+"/") {
			return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrExist}
		}
	}
	for other := range f.dirs {
		if strings.HasPrefix(other, p+"/") {
			return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrExist}
		}
	}
	delete(f.dirs, p)
	return nil
}

// Rename moves a file, replacing any file at newpath.
func (f *FS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := clean(oldpath), clean(newpath)
	e, ok := f.files[from]
	if !ok {
		return notExist("rename", oldpath)
	}
	if !f.dirs[path.Dir(to)] {
		return notExist("rename", newpath)
	}
	delete(f.files, from)
	f.files[to] = e
	return nil
}

func (f *FS) Chtimes(name string, _, mtime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.files[clean(name)]
	if !ok {
		return notExist("chtimes", name)
	}
	e.mtime = mtime
	return nil
}

func (f *FS) UserHomeDir() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.home, nil
}

func (f *FS) Getenv(key string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.env[key]
}

// AddFile seeds a file, creating its parents.
func (f *FS) AddFile(name string, data []byte, mode fs.FileMode) {
	f.put(name, data, mode)
}

// SetHomeDir changes what UserHomeDir returns, and so where ~ expands.
func (f *FS) SetHomeDir(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.home = dir
}

// SetEnv sets a variable visible only through Getenv.
func (f *FS) SetEnv(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env[key] = value
}

// Files lists every file path in sorted order.
func (f *FS) Files() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

type reader struct {
	*bytes.Reader
	info fs.FileInfo
}

func (r *reader) Stat() (fs.FileInfo, error) { return r.info, nil }
func (r *reader) Close() error               { return nil }

type writer struct {
	fs   *FS
	name string
	perm fs.FileMode
	buf  bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *writer) Close() error {
	w.fs.put(w.name, w.buf.Bytes(), w.perm)
	return nil
}

type info struct {
	name  string
	size  int64
	mode  fs.FileMode
	mtime time.Time
}

func (i *info) Name() string       { return i.name }
func (i *info) Size() int64        { return i.size }
func (i *info) Mode() fs.FileMode  { return i.mode }
func (i *info) ModTime() time.Time { return i.mtime }
func (i *info) IsDir() bool        { return i.mode.IsDir() }
func (i *info) Sys() any           { return nil }
