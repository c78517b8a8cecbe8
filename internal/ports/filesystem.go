package ports

import (
	"io"
	"io/fs"
	"time"
)

// File is a local file opened for an upload.
type File interface {
	io.ReadCloser
	Stat() (fs.FileInfo, error)
}

// FileSystem is the local side of transfers, recordings, known_hosts,
// private keys and the config file. Getenv lives here too so profiles that
// name a password variable resolve against the same fake in tests.
type FileSystem interface {
	Open(name string) (File, error)
	// Create truncates or creates name. The parent must exist.
	Create(name string, perm fs.FileMode) (io.WriteCloser, error)
	// ReadDir returns entries sorted by name.
	ReadDir(name string) ([]fs.DirEntry, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(name string, perm fs.FileMode) error
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Chtimes(name string, atime, mtime time.Time) error
	UserHomeDir() (string, error)
	Getenv(key string) string
}
