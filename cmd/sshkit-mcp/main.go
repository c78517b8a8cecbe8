// sshkit-mcp is an MCP server exposing SSH sessions, shells, SFTP and
// port forwards as tools.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acolita/sshkit/internal/adapters/realdialog"
	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/logging"
	"github.com/acolita/sshkit/internal/mcp"
)

// Version information - set at build time.
var (
	Version   = mcp.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// The server re-executes itself in a terminal window to ask for
	// passwords; that child only answers the prompt.
	if len(os.Args) > 1 && os.Args[1] == realdialog.HelperFlag {
		if err := realdialog.RunHelper(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	var (
		configPath  string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if showVersion {
		fmt.Printf("sshkit-mcp version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	// Setup logging. Stdout carries the protocol, so logs go to stderr.
	level := logging.Setup(cfg.Log.Level, cfg.Log.Sanitize)

	slog.Info("starting sshkit-mcp",
		slog.String("version", Version),
		slog.String("config", configPath),
	)

	server := mcp.NewServer(cfg,
		mcp.WithLogLevel(level),
		mcp.WithConfigPath(configPath),
	)

	// Set up config hot-reload
	var configWatcher *config.Watcher
	if configPath != "" {
		var watcherErr error
		configWatcher, watcherErr = config.NewWatcher(configPath, func(old, cur *config.Config) {
			if debug {
				cur.Log.Level = "debug"
			}
			server.UpdateConfig(old, cur)
		})
		if watcherErr != nil {
			slog.Warn("config hot-reload disabled",
				slog.String("error", watcherErr.Error()),
			)
		} else {
			slog.Info("config hot-reload enabled",
				slog.String("path", configPath),
			)
		}
	}

	shutdown := func() {
		if configWatcher != nil {
			configWatcher.Close()
		}
		server.Close()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal")
		shutdown()
		os.Exit(0)
	}()

	// Run the server
	if err := server.Run(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		shutdown()
		os.Exit(1)
	}
	shutdown()
}
