// Package realfs backs ports.FileSystem with the os package.
package realfs

import (
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// FS is the host file system and process environment.
type FS struct{}

var _ ports.FileSystem = FS{}

// New returns the host file system.
func New() FS { return FS{} }

func (FS) Open(name string) (ports.File, error) { return os.Open(name) }

func (FS) Create(name string, perm fs.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}

func (FS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }
func (FS) ReadFile(name string) ([]byte, error)       { return os.ReadFile(name) }
func (FS) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }
func (FS) Remove(name string) error                   { return os.Remove(name) }
func (FS) Rename(oldpath, newpath string) error       { return os.Rename(oldpath, newpath) }
func (FS) UserHomeDir() (string, error)               { return os.UserHomeDir() }
func (FS) Getenv(key string) string                   { return os.Getenv(key) }

func (FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (FS) MkdirAll(name string, perm fs.FileMode) error { return os.MkdirAll(name, perm) }

func (FS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(name, atime, mtime)
}
