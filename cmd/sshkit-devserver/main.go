// sshkit-devserver runs a local SSH server with exec, shell, sftp and
// port forwarding support, for trying sshkit without a real host.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/logging"
	"github.com/acolita/sshkit/internal/testing/mockssh"
)

func main() {
	var (
		host     string
		port     int
		user     string
		password string
		root     string
		shell    string
		banner   string
		debug    bool
	)

	flag.StringVar(&host, "host", "127.0.0.1", "Listen address")
	flag.IntVar(&port, "port", 2222, "Listen port (0 picks a free port)")
	flag.StringVar(&user, "user", "test", "Login user")
	flag.StringVar(&password, "password", "test", "Login password")
	flag.StringVar(&root, "root", "", "Working directory for commands and sftp (default current directory)")
	flag.StringVar(&shell, "shell", "/bin/sh", "Shell for interactive sessions")
	flag.StringVar(&banner, "banner", "", "Authentication banner")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := "info"
	if debug {
		level = "debug"
	}
	logging.Setup(level, true)

	opts := []mockssh.Option{
		mockssh.WithAddr(net.JoinHostPort(host, strconv.Itoa(port))),
		mockssh.WithUser(user, password),
		mockssh.WithShell(shell),
	}
	if root != "" {
		opts = append(opts, mockssh.WithRoot(root))
	}
	if banner != "" {
		opts = append(opts, mockssh.WithBanner(banner))
	}

	server, err := mockssh.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	slog.Info("sshkit-devserver listening",
		slog.String("addr", server.Addr()),
		slog.String("user", user),
		slog.String("host_key", ssh.FingerprintSHA256(server.HostKey())),
	)
	fmt.Printf("ssh -p %d %s@%s\n", server.Port(), user, server.Host())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("received shutdown signal")
	if err := server.Close(); err != nil {
		slog.Warn("server close failed", slog.String("error", err.Error()))
	}
}
