package session

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/acolita/sshkit/internal/mux"
)

// ExecResult is the outcome of a command run with Execute.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
	ExitSignal string
}

// Text returns stdout followed by stderr.
func (r *ExecResult) Text() string {
	return string(r.Stdout) + string(r.Stderr)
}

type execMsg struct {
	Command string
}

// Execute runs command on a transient session channel and collects its
// output. A non-zero exit status returns the result together with an
// *ExitError.
func Execute(ctx context.Context, o Opener, command string) (*ExecResult, error) {
	var exit exitInfo
	c, err := o.OpenChannel(ctx, "session", nil, mux.OpenOptions{OnRequest: exit.handle})
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := sendRequest(ctx, c, "exec", ssh.Marshal(&execMsg{Command: command})); err != nil {
		return nil, err
	}
	if err := c.CloseWrite(); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return drain(&stdout, c.Chunks(gctx)) })
	g.Go(func() error { return drain(&stderr, c.StderrChunks(gctx)) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// exit-status precedes CLOSE; wait for it so the status is final.
	select {
	case <-c.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", mux.ErrCancelled, ctx.Err())
	}

	res := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	res.ExitStatus, res.ExitSignal = exit.result()
	slog.Debug("ssh exec finished",
		slog.String("command", command),
		slog.Int("exit_status", res.ExitStatus),
		slog.Int("stdout_bytes", len(res.Stdout)),
	)
	if xerr := exit.err(); xerr != nil {
		return res, xerr
	}
	return res, nil
}

func drain(dst *bytes.Buffer, chunks iter.Seq2[[]byte, error]) error {
	for chunk, err := range chunks {
		if err != nil {
			return err
		}
		dst.Write(chunk)
	}
	return nil
}
