package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acolita/sshkit/internal/session"
)

func newExecCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Run a command on the server",
		Long: `Run a command on the server and copy its output to stdout and stderr.
sshkit exits with the command's exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Disconnect()

			res, err := c.Exec(cmd.Context(), strings.Join(args, " "))
			if res != nil {
				cmd.OutOrStdout().Write(res.Stdout)
				cmd.ErrOrStderr().Write(res.Stderr)
			}
			var exitErr *session.ExitError
			if errors.As(err, &exitErr) {
				if exitErr.Signal != "" {
					return err
				}
				return exitStatus(exitErr.Status)
			}
			return err
		},
	}
}
