package client

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/acolita/sshkit/internal/events"
	"github.com/acolita/sshkit/internal/sftp"
)

// DefaultMaxDepth bounds directory recursion.
const DefaultMaxDepth = 20

// DirOptions filters a directory transfer.
type DirOptions struct {
	// Pattern is a doublestar glob over slash-separated relative paths,
	// such as "**/*.go". Empty matches every file.
	Pattern string
	// Exclusions skip files and directories whose base name or relative
	// path matches. Nil selects Options.Exclusions.
	Exclusions []string
	MaxDepth   int
}

// DirResult summarizes a directory transfer. Failed files are listed in
// Errors and do not stop the transfer.
type DirResult struct {
	Files   int             `json:"files"`
	Dirs    int             `json:"dirs"`
	Bytes   int64           `json:"bytes"`
	Skipped int             `json:"skipped,omitempty"`
	Errors  []TransferError `json:"errors,omitempty"`
}

// TransferError is the failure of one file.
type TransferError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type dirItem struct {
	rel   string // slash-separated
	isDir bool
	size  int64
}

type dirPlan struct {
	items   []dirItem
	total   int64
	skipped int
}

func (c *Client) dirOptions(opts DirOptions) DirOptions {
	if opts.Exclusions == nil {
		opts.Exclusions = c.opts.Exclusions
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return opts
}

func excluded(name, rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func matchesPattern(rel, pattern string) bool {
	if pattern == "" {
		return true
	}
	ok, err := doublestar.Match(pattern, rel)
	if err != nil {
		return true
	}
	return ok
}

func (p *dirPlan) add(rel string, isDir bool, size int64, opts DirOptions) (descend bool) {
	name := path.Base(rel)
	if excluded(name, rel, opts.Exclusions) {
		p.skipped++
		return false
	}
	if isDir {
		p.items = append(p.items, dirItem{rel: rel, isDir: true})
		return true
	}
	if !matchesPattern(rel, opts.Pattern) {
		return false
	}
	p.items = append(p.items, dirItem{rel: rel, size: size})
	p.total += size
	return false
}

// dirProgress folds per-file progress into one stream for the whole
// transfer.
type dirProgress struct {
	c     *Client
	kind  events.Kind
	root  string
	total int64
	done  int64
}

func (d *dirProgress) file() sftp.ProgressFunc {
	base := d.done
	return func(p sftp.Progress) {
		ev := events.Event{Kind: d.kind, Path: d.root, Transferred: base + p.Transferred, Total: d.total}
		if d.total > 0 {
			ev.Fraction = float64(ev.Transferred) / float64(d.total)
		} else {
			ev.Fraction = 1
		}
		d.c.publish(ev)
	}
}

// UploadDir copies a local directory tree under remoteDir, publishing
// aggregate upload-progress for remoteDir.
func (c *Client) UploadDir(ctx context.Context, localDir, remoteDir string, opts DirOptions) (*DirResult, error) {
	sc, err := c.ensureSFTP(ctx, "upload dir")
	if err != nil {
		return nil, err
	}
	ctx, done := c.uploads.start(ctx)
	defer done()
	opts = c.dirOptions(opts)

	info, err := c.opts.FS.Stat(localDir)
	if err != nil {
		return nil, wrap("upload dir", err)
	}
	if !info.IsDir() {
		return nil, &Error{Kind: SftpStatusError, Op: "upload dir", Err: fmt.Errorf("%s is not a directory", localDir)}
	}

	plan := &dirPlan{}
	if err := c.walkLocal(localDir, "", 0, opts, plan); err != nil {
		return nil, wrap("upload dir", err)
	}

	res := &DirResult{Skipped: plan.skipped}
	if err := sc.MkdirAll(ctx, remoteDir); err != nil {
		return res, wrap("upload dir", err)
	}

	prog := &dirProgress{c: c, kind: events.UploadProgress, root: remoteDir, total: plan.total}
	for _, item := range plan.items {
		if ctx.Err() != nil {
			return res, wrap("upload dir", fmt.Errorf("%w: %w", sftp.ErrCancelled, ctx.Err()))
		}
		remote := path.Join(remoteDir, item.rel)
		if item.isDir {
			if err := sc.MkdirAll(ctx, remote); err != nil {
				res.Errors = append(res.Errors, TransferError{Path: item.rel, Error: err.Error()})
				continue
			}
			res.Dirs++
			continue
		}
		n, err := sc.Upload(ctx, filepath.Join(localDir, filepath.FromSlash(item.rel)), remote, prog.file())
		prog.done += item.size
		if err != nil {
			res.Errors = append(res.Errors, TransferError{Path: item.rel, Error: err.Error()})
			continue
		}
		res.Files++
		res.Bytes += n
	}
	if ctx.Err() != nil {
		return res, wrap("upload dir", fmt.Errorf("%w: %w", sftp.ErrCancelled, ctx.Err()))
	}

	slog.Info("directory uploaded",
		slog.String("local", localDir),
		slog.String("remote", remoteDir),
		slog.Int("files", res.Files),
		slog.Int64("bytes", res.Bytes),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (c *Client) walkLocal(root, rel string, depth int, opts DirOptions, plan *dirPlan) error {
	if depth >= opts.MaxDepth {
		return nil
	}
	entries, err := c.opts.FS.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	for _, e := range entries {
		childRel := path.Join(rel, e.Name())
		if e.Type()&fs.ModeSymlink != 0 {
			plan.skipped++
			continue
		}
		var size int64
		if !e.IsDir() {
			info, err := e.Info()
			if err != nil {
				plan.skipped++
				continue
			}
			size = info.Size()
		}
		if plan.add(childRel, e.IsDir(), size, opts) {
			if err := c.walkLocal(root, childRel, depth+1, opts, plan); err != nil {
				return err
			}
		}
	}
	return nil
}

// DownloadDir copies a remote directory tree under localDir, publishing
// aggregate download-progress for remoteDir. Symlinks are skipped.
func (c *Client) DownloadDir(ctx context.Context, remoteDir, localDir string, opts DirOptions) (*DirResult, error) {
	sc, err := c.ensureSFTP(ctx, "download dir")
	if err != nil {
		return nil, err
	}
	ctx, done := c.downloads.start(ctx)
	defer done()
	opts = c.dirOptions(opts)

	info, err := sc.Stat(ctx, remoteDir)
	if err != nil {
		return nil, wrap("download dir", err)
	}
	if !info.IsDir {
		return nil, &Error{Kind: SftpStatusError, Op: "download dir", Err: fmt.Errorf("%s is not a directory", remoteDir)}
	}

	plan := &dirPlan{}
	if err := walkRemote(ctx, sc, remoteDir, "", 0, opts, plan); err != nil {
		return nil, wrap("download dir", err)
	}

	res := &DirResult{Skipped: plan.skipped}
	if err := c.opts.FS.MkdirAll(localDir, 0o755); err != nil {
		return res, wrap("download dir", err)
	}

	prog := &dirProgress{c: c, kind: events.DownloadProgress, root: remoteDir, total: plan.total}
	for _, item := range plan.items {
		if ctx.Err() != nil {
			return res, wrap("download dir", fmt.Errorf("%w: %w", sftp.ErrCancelled, ctx.Err()))
		}
		local := filepath.Join(localDir, filepath.FromSlash(item.rel))
		if item.isDir {
			if err := c.opts.FS.MkdirAll(local, 0o755); err != nil {
				res.Errors = append(res.Errors, TransferError{Path: item.rel, Error: err.Error()})
				continue
			}
			res.Dirs++
			continue
		}
		n, err := sc.Download(ctx, path.Join(remoteDir, item.rel), local, prog.file())
		prog.done += item.size
		if err != nil {
			res.Errors = append(res.Errors, TransferError{Path: item.rel, Error: err.Error()})
			continue
		}
		res.Files++
		res.Bytes += n
	}
	if ctx.Err() != nil {
		return res, wrap("download dir", fmt.Errorf("%w: %w", sftp.ErrCancelled, ctx.Err()))
	}

	slog.Info("directory downloaded",
		slog.String("remote", remoteDir),
		slog.String("local", localDir),
		slog.Int("files", res.Files),
		slog.Int64("bytes", res.Bytes),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func walkRemote(ctx context.Context, sc *sftp.Client, root, rel string, depth int, opts DirOptions, plan *dirPlan) error {
	if depth >= opts.MaxDepth {
		return nil
	}
	entries, err := sc.ReadDir(ctx, path.Join(root, rel))
	if err != nil {
		return err
	}
	for _, e := range entries {
		childRel := path.Join(rel, e.Name)
		if e.Permissions&fs.ModeSymlink != 0 || strings.Contains(e.Name, "/") {
			plan.skipped++
			continue
		}
		if plan.add(childRel, e.IsDir, e.Size, opts) {
			if err := walkRemote(ctx, sc, root, childRel, depth+1, opts, plan); err != nil {
				return err
			}
		}
	}
	return nil
}
