package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/acolita/sshkit/internal/adapters/realdialog"
	"github.com/acolita/sshkit/internal/client"
	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/logging"
	"github.com/acolita/sshkit/internal/ports"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath     string
	host           string
	port           int
	user           string
	identity       string
	agent          bool
	passwordPrompt bool
	knownHosts     string
	insecure       bool
	timeout        time.Duration
	debug          bool

	// prompter answers passwords, key passphrases and host key questions.
	prompter ports.Prompter
}

func newRootCmd(prompter ports.Prompter) *cobra.Command {
	if prompter == nil {
		prompter = realdialog.NewTerminal()
	}
	g := &globalFlags{prompter: prompter}

	rootCmd := &cobra.Command{
		Use:   "sshkit",
		Short: "sshkit runs commands, shells and file transfers over SSH",
		Long: `sshkit connects to an SSH server and runs commands, opens interactive
shells, and moves files over SFTP.

--host may name a saved profile from the config file; explicit flags
override the profile's fields.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	pf.StringVarP(&g.host, "host", "H", "", "Server host name, or the name of a saved profile")
	pf.IntVarP(&g.port, "port", "p", 0, "Server port (default 22)")
	pf.StringVarP(&g.user, "user", "u", "", "Login user")
	pf.StringVarP(&g.identity, "identity", "i", "", "Private key file")
	pf.BoolVar(&g.agent, "agent", false, "Authenticate with keys from SSH_AUTH_SOCK")
	pf.BoolVar(&g.passwordPrompt, "password-prompt", false, "Ask for the password before connecting")
	pf.StringVar(&g.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	pf.BoolVar(&g.insecure, "insecure", false, "Accept any host key")
	pf.DurationVar(&g.timeout, "timeout", 0, "Connect timeout (default from config)")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newExecCmd(g),
		newShellCmd(g),
		newLsCmd(g),
		newStatCmd(g),
		newPutCmd(g),
		newGetCmd(g),
	)
	return rootCmd
}

// connect loads the config, resolves the target and returns a connected
// client. The caller disconnects it.
func (g *globalFlags) connect(ctx context.Context) (*client.Client, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Progress and connection chatter stay out of the way unless asked for.
	level := "warn"
	if g.debug {
		level = "debug"
	}
	logging.Setup(level, cfg.Log.Sanitize)

	target, err := g.target(cfg)
	if err != nil {
		return nil, err
	}

	opts := cfg.ClientOptions()
	opts.Prompter = g.prompter
	opts.HostKey.Prompter = g.prompter
	opts.HostKey.Insecure = g.insecure
	if g.knownHosts != "" {
		opts.HostKey.KnownHostsPath = g.knownHosts
	}

	c := client.New(opts)
	if err := c.Connect(ctx, target); err != nil {
		return nil, err
	}
	return c, nil
}

func (g *globalFlags) target(cfg *config.Config) (client.ConnectOptions, error) {
	timeout := cfg.SSH.ConnectTimeout
	if g.timeout > 0 {
		timeout = g.timeout
	}

	var target client.ConnectOptions
	if host, ok := cfg.Host(g.host); ok && g.host != "" {
		target = host.ConnectOptions(timeout)
	} else {
		target = client.ConnectOptions{Host: g.host, Timeout: timeout}
	}

	if user, host, ok := strings.Cut(target.Host, "@"); ok && g.user == "" {
		target.User, target.Host = user, host
	}
	if g.port != 0 {
		target.Port = g.port
	}
	if g.user != "" {
		target.User = g.user
	}
	if g.identity != "" {
		target.Credential.KeyPath = g.identity
	}
	if g.agent {
		target.Credential.UseAgent = true
	}

	if target.Host == "" {
		return target, fmt.Errorf("--host is required")
	}
	if target.User == "" {
		return target, fmt.Errorf("--user is required")
	}

	if g.passwordPrompt {
		password, err := g.prompter.Secret(
			fmt.Sprintf("Password for %s@%s", target.User, target.Host),
			"The password is sent to the SSH server only.",
		)
		if err != nil {
			return target, fmt.Errorf("password prompt: %w", err)
		}
		target.Credential.Password = []byte(password)
	}
	return target, nil
}
