package sftp

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// ProtocolVersion is the only SFTP version the client speaks.
const ProtocolVersion = 3

// maxPacket bounds incoming packets; larger lengths are a protocol error.
const maxPacket = 256 * 1024

const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpSetstat  = 9
	fxpFsetstat = 10
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpRemove   = 13
	fxpMkdir    = 14
	fxpRmdir    = 15
	fxpRealpath = 16
	fxpStat     = 17
	fxpRename   = 18

	fxpStatus = 101
	fxpHandle = 102
	fxpData   = 103
	fxpName   = 104
	fxpAttrs  = 105
)

// Open flags (SSH_FXF_*).
const (
	OpenRead   = 0x01
	OpenWrite  = 0x02
	OpenAppend = 0x04
	OpenCreate = 0x08
	OpenTrunc  = 0x10
	OpenExcl   = 0x20
)

const (
	attrSize        = 0x00000001
	attrUIDGID      = 0x00000002
	attrPermissions = 0x00000004
	attrACModTime   = 0x00000008
	attrExtended    = 0x80000000
)

// POSIX file type bits carried in the permissions field.
const (
	modeTypeMask = 0o170000
	modeDir      = 0o040000
	modeSymlink  = 0o120000
	modeFIFO     = 0o010000
	modeSocket   = 0o140000
	modeCharDev  = 0o020000
	modeBlockDev = 0o060000
	modeSetuid   = 0o4000
	modeSetgid   = 0o2000
	modeSticky   = 0o1000
)

// encoder builds one request body.
type encoder []byte

func (e encoder) byte(v byte) encoder { return append(e, v) }

func (e encoder) uint32(v uint32) encoder { return binary.BigEndian.AppendUint32(e, v) }

func (e encoder) uint64(v uint64) encoder { return binary.BigEndian.AppendUint64(e, v) }

func (e encoder) string(v string) encoder { return append(e.uint32(uint32(len(v))), v...) }

func (e encoder) bytes(v []byte) encoder { return append(e.uint32(uint32(len(v))), v...) }

// decoder reads a response body. The first short read sets err and turns
// every later read into a zero value.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("%w: short packet", ErrBadMessage)
		return false
	}
	return true
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) uint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	if !d.need(int(n)) {
		return nil
	}
	v := d.b[:n:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) string() string { return string(d.bytes()) }

// optionalString reads a trailing string some servers omit.
func (d *decoder) optionalString() string {
	if d.err != nil || len(d.b) == 0 {
		return ""
	}
	return d.string()
}

// attrs are file attributes in the v3 encoding.
type attrs struct {
	flags uint32
	size  uint64
	uid   uint32
	gid   uint32
	perm  uint32
	atime uint32
	mtime uint32
}

func (a attrs) encode(e encoder) encoder {
	e = e.uint32(a.flags)
	if a.flags&attrSize != 0 {
		e = e.uint64(a.size)
	}
	if a.flags&attrUIDGID != 0 {
		e = e.uint32(a.uid).uint32(a.gid)
	}
	if a.flags&attrPermissions != 0 {
		e = e.uint32(a.perm)
	}
	if a.flags&attrACModTime != 0 {
		e = e.uint32(a.atime).uint32(a.mtime)
	}
	return e
}

func (d *decoder) attrs() attrs {
	a := attrs{flags: d.uint32()}
	if a.flags&attrSize != 0 {
		a.size = d.uint64()
	}
	if a.flags&attrUIDGID != 0 {
		a.uid, a.gid = d.uint32(), d.uint32()
	}
	if a.flags&attrPermissions != 0 {
		a.perm = d.uint32()
	}
	if a.flags&attrACModTime != 0 {
		a.atime, a.mtime = d.uint32(), d.uint32()
	}
	if a.flags&attrExtended != 0 {
		for n := d.uint32(); n > 0 && d.err == nil; n-- {
			d.string()
			d.string()
		}
	}
	return a
}

// FileInfo describes a remote file.
type FileInfo struct {
	Name        string      `json:"name"`
	LongName    string      `json:"long_name,omitempty"`
	Permissions fs.FileMode `json:"permissions"`
	Size        int64       `json:"size"`
	IsDir       bool        `json:"is_dir"`
	ModTime     time.Time   `json:"mod_time"`
}

func (a attrs) fileInfo(name, longName string) FileInfo {
	mode := fileMode(a.perm)
	return FileInfo{
		Name:        name,
		LongName:    longName,
		Permissions: mode,
		Size:        int64(a.size),
		IsDir:       mode.IsDir(),
		ModTime:     time.Unix(int64(a.mtime), 0),
	}
}

// fileMode converts POSIX permission bits to an fs.FileMode.
func fileMode(perm uint32) fs.FileMode {
	mode := fs.FileMode(perm & 0o777)
	switch perm & modeTypeMask {
	case modeDir:
		mode |= fs.ModeDir
	case modeSymlink:
		mode |= fs.ModeSymlink
	case modeFIFO:
		mode |= fs.ModeNamedPipe
	case modeSocket:
		mode |= fs.ModeSocket
	case modeCharDev:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case modeBlockDev:
		mode |= fs.ModeDevice
	}
	if perm&modeSetuid != 0 {
		mode |= fs.ModeSetuid
	}
	if perm&modeSetgid != 0 {
		mode |= fs.ModeSetgid
	}
	if perm&modeSticky != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// permBits converts an fs.FileMode to the bits sent in SETSTAT.
func permBits(mode os.FileMode) uint32 {
	perm := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		perm |= modeSetuid
	}
	if mode&fs.ModeSetgid != 0 {
		perm |= modeSetgid
	}
	if mode&fs.ModeSticky != 0 {
		perm |= modeSticky
	}
	return perm
}
