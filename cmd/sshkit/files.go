package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"sync/atomic"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acolita/sshkit/internal/client"
	"github.com/acolita/sshkit/internal/events"
)

func newLsCmd(g *globalFlags) *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			out := cmd.OutOrStdout()
			if !long {
				names, err := c.List(cmd.Context(), dir)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			entries, err := c.ListDetailed(cmd.Context(), dir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 1, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					modeString(e), e.FileSize, e.ModTime.Format("Jan _2 15:04"), e.Filename)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show permissions, size and modification time")
	return cmd
}

func newStatCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stat PATH",
		Short: "Show a remote file's attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			info, err := c.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "  File: %s\n", args[0])
			fmt.Fprintf(out, "  Size: %d\n", info.FileSize)
			fmt.Fprintf(out, "  Mode: %s (%04o)\n", modeString(info), info.Permissions)
			fmt.Fprintf(out, "Modify: %s\n", info.ModTime.Format("2006-01-02 15:04:05 -0700"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the attributes as JSON")
	return cmd
}

// transferFlags select between single-file and directory transfers.
type transferFlags struct {
	recursive  bool
	pattern    string
	exclude    []string
	maxDepth   int
	noExcludes bool
	quiet      bool
}

func (f *transferFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVarP(&f.recursive, "recursive", "r", false, "Copy a directory tree")
	fl.StringVar(&f.pattern, "pattern", "", "Only copy files matching this glob, such as **/*.go")
	fl.StringSliceVar(&f.exclude, "exclude", nil, "Skip names or paths matching these globs (replaces the defaults)")
	fl.BoolVar(&f.noExcludes, "no-default-excludes", false, "Copy files the default exclusions would skip")
	fl.IntVar(&f.maxDepth, "max-depth", 0, "Maximum recursion depth (default 20)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Do not report progress")
}

func (f *transferFlags) dirOptions() client.DirOptions {
	opts := client.DirOptions{Pattern: f.pattern, MaxDepth: f.maxDepth}
	switch {
	case len(f.exclude) > 0:
		opts.Exclusions = f.exclude
	case f.noExcludes:
		opts.Exclusions = []string{}
	}
	return opts
}

func newPutCmd(g *globalFlags) *cobra.Command {
	var tf transferFlags

	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Upload a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if !tf.quiet {
				defer reportProgress(c, events.UploadProgress, cmd.ErrOrStderr())()
			}
			if !tf.recursive {
				return c.SFTPUpload(cmd.Context(), args[0], args[1])
			}
			res, err := c.UploadDir(cmd.Context(), args[0], args[1], tf.dirOptions())
			return summarize(cmd.OutOrStdout(), res, err)
		},
	}
	tf.register(cmd)
	return cmd
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var tf transferFlags

	cmd := &cobra.Command{
		Use:   "get REMOTE LOCAL",
		Short: "Download a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if !tf.quiet {
				defer reportProgress(c, events.DownloadProgress, cmd.ErrOrStderr())()
			}
			if !tf.recursive {
				return c.SFTPDownload(cmd.Context(), args[0], args[1])
			}
			res, err := c.DownloadDir(cmd.Context(), args[0], args[1], tf.dirOptions())
			return summarize(cmd.OutOrStdout(), res, err)
		},
	}
	tf.register(cmd)
	return cmd
}

// reportProgress prints transfer progress on one line of w until the
// returned function is called.
func reportProgress(c *client.Client, kind events.Kind, w io.Writer) (stop func()) {
	var printed atomic.Bool
	unsubscribe := c.On(kind, func(ev events.Event) {
		printed.Store(true)
		if ev.Total < 0 {
			fmt.Fprintf(w, "\r%s %d bytes", ev.Path, ev.Transferred)
			return
		}
		fmt.Fprintf(w, "\r%s %3.0f%%", ev.Path, ev.Fraction*100)
	})
	return func() {
		unsubscribe()
		if printed.Load() {
			fmt.Fprintln(w)
		}
	}
}

func summarize(w io.Writer, res *client.DirResult, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d files, %d directories, %d bytes", res.Files, res.Dirs, res.Bytes)
	if res.Skipped > 0 {
		fmt.Fprintf(w, ", %d skipped", res.Skipped)
	}
	fmt.Fprintln(w)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s: %s\n", e.Path, e.Error)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d files failed", len(res.Errors))
	}
	return nil
}

func modeString(info client.FileInfo) string {
	mode := fs.FileMode(info.Permissions)
	if info.IsDirectory {
		mode |= fs.ModeDir
	}
	return mode.String()
}
