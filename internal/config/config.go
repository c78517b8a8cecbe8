// Package config loads the sshkit YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/auth"
	"github.com/acolita/sshkit/internal/client"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/sftp"
	"github.com/acolita/sshkit/internal/transport"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/sshkit/config.yaml or ~/.config/sshkit/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sshkit", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	SSH       SSHConfig       `yaml:"ssh"`
	SFTP      SFTPConfig      `yaml:"sftp"`
	Security  SecurityConfig  `yaml:"security"`
	Recording RecordingConfig `yaml:"recording"`
	Server    ServerConfig    `yaml:"server"`
	Hosts     []HostConfig    `yaml:"hosts"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // redact credentials from logs
}

// SSHConfig tunes connections.
type SSHConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"` // negative disables
	KeepaliveMaxMiss  int           `yaml:"keepalive_max_miss"`
	MaxAuthAttempts   int           `yaml:"max_auth_attempts"`
	KnownHosts        string        `yaml:"known_hosts"`
	StrictHostKey     bool          `yaml:"strict_host_key_checking"`
	RekeyThreshold    uint64        `yaml:"rekey_threshold"`
	DialRetries       int           `yaml:"dial_retries"`
	KeyExchanges      []string      `yaml:"kex_algorithms"`
	HostKeyAlgorithms []string      `yaml:"host_key_algorithms"`
	Ciphers           []string      `yaml:"ciphers"`
	MACs              []string      `yaml:"macs"`
}

// SFTPConfig tunes file transfers.
type SFTPConfig struct {
	ChunkSize        int           `yaml:"chunk_size"`
	MaxInflight      int           `yaml:"max_inflight"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	Exclusions       []string      `yaml:"exclusions"`
}

// SecurityConfig defines authentication lockout and which commands the
// MCP tools may run. Command lists are regular expressions.
type SecurityConfig struct {
	MaxAuthFailures         int           `yaml:"max_auth_failures"`
	AuthLockoutDuration     time.Duration `yaml:"auth_lockout_duration"`
	BlockedCommands         []string      `yaml:"blocked_commands"`
	AllowedCommands         []string      `yaml:"allowed_commands"`
	DisableDefaultBlocklist bool          `yaml:"disable_default_blocklist"`
}

// RecordingConfig defines shell recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // directory for asciicast files
}

// ServerConfig defines the MCP server.
type ServerConfig struct {
	Name        string `yaml:"name"`
	MaxSessions int    `yaml:"max_sessions"`
}

// HostConfig is a named connection profile.
type HostConfig struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	KeyPath       string `yaml:"key_path"`
	UseAgent      bool   `yaml:"use_agent"`
	PasswordEnv   string `yaml:"password_env"`   // env var containing the password
	PassphraseEnv string `yaml:"passphrase_env"` // env var containing the key passphrase
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Sanitize: true,
		},
		SSH: SSHConfig{
			ConnectTimeout:    client.DefaultTimeout,
			KeepaliveInterval: client.DefaultKeepaliveInterval,
			KeepaliveMaxMiss:  client.DefaultKeepaliveMaxMiss,
			MaxAuthAttempts:   auth.DefaultMaxAttempts,
			RekeyThreshold:    transport.DefaultRekeyThreshold,
			DialRetries:       client.DefaultDialRetries,
		},
		SFTP: SFTPConfig{
			ChunkSize:        sftp.DefaultChunkSize,
			MaxInflight:      sftp.DefaultMaxInflight,
			ProgressInterval: sftp.DefaultProgressInterval,
		},
		Security: SecurityConfig{
			MaxAuthFailures:     security.DefaultMaxAuthFailures,
			AuthLockoutDuration: security.DefaultAuthLockoutDuration,
		},
		Server: ServerConfig{
			Name:        "sshkit",
			MaxSessions: 10,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. An optional FileSystem can be passed for testing; if omitted,
// the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := fileSystem(fsys).ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileSystem(fsys []ports.FileSystem) ports.FileSystem {
	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0]
	}
	return realfs.New()
}

// Validate rejects inconsistent settings and fills zero values with
// defaults.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Server.MaxSessions <= 0 {
		c.Server.MaxSessions = 10
	}
	if c.Server.Name == "" {
		c.Server.Name = "sshkit"
	}
	if c.SFTP.ChunkSize < 0 || c.SFTP.MaxInflight < 0 {
		return fmt.Errorf("sftp chunk_size and max_inflight must not be negative")
	}
	if c.SSH.ConnectTimeout < 0 {
		return fmt.Errorf("ssh connect_timeout must not be negative")
	}
	if c.Recording.Enabled && c.Recording.Path == "" {
		return fmt.Errorf("recording enabled without a path")
	}
	if _, err := c.CommandPolicy(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Name == "" || h.Host == "" {
			return fmt.Errorf("host entries need a name and a host")
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host %q", h.Name)
		}
		seen[h.Name] = true
	}
	return nil
}

// CommandPolicy compiles the command lists. The built-in blocklist comes
// first unless disabled.
func (c *Config) CommandPolicy() (*security.CommandPolicy, error) {
	var block []string
	if !c.Security.DisableDefaultBlocklist {
		block = security.DefaultBlockedCommands()
	}
	block = append(block, c.Security.BlockedCommands...)
	return security.NewCommandPolicy(block, c.Security.AllowedCommands)
}

// Host returns the profile called name.
func (c *Config) Host(name string) (HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostConfig{}, false
}

// AddHost adds a profile. Returns an error if one with the same name
// already exists.
func (c *Config) AddHost(host HostConfig) error {
	if _, ok := c.Host(host.Name); ok {
		return fmt.Errorf("host %q already exists", host.Name)
	}
	c.Hosts = append(c.Hosts, host)
	return nil
}

// ClientOptions builds the client template from the ssh, sftp and
// security sections. Callers add the registry, prompter and recorders.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		HostKey: auth.HostKeyOptions{
			KnownHostsPath: c.SSH.KnownHosts,
			Strict:         c.SSH.StrictHostKey,
		},
		Transport: transport.Config{
			KeyExchanges:      c.SSH.KeyExchanges,
			HostKeyAlgorithms: c.SSH.HostKeyAlgorithms,
			Ciphers:           c.SSH.Ciphers,
			MACs:              c.SSH.MACs,
			RekeyThreshold:    c.SSH.RekeyThreshold,
		},
		KeepaliveInterval: c.SSH.KeepaliveInterval,
		KeepaliveMaxMiss:  c.SSH.KeepaliveMaxMiss,
		DialRetries:       c.SSH.DialRetries,
		MaxAuthAttempts:   c.SSH.MaxAuthAttempts,
		Lockout:           security.NewLockout(c.Security.MaxAuthFailures, c.Security.AuthLockoutDuration, nil),
		SFTP: sftp.Options{
			ChunkSize:        c.SFTP.ChunkSize,
			MaxInflight:      c.SFTP.MaxInflight,
			ProgressInterval: c.SFTP.ProgressInterval,
		},
		Exclusions: c.SFTP.Exclusions,
	}
}

// ConnectOptions resolves a profile into connect options, reading
// secrets from the environment variables it names.
func (h HostConfig) ConnectOptions(timeout time.Duration, fsys ...ports.FileSystem) client.ConnectOptions {
	env := fileSystem(fsys)
	opts := client.ConnectOptions{
		Host:    h.Host,
		Port:    h.Port,
		User:    h.User,
		Timeout: timeout,
		Credential: client.Credential{
			KeyPath:  h.KeyPath,
			UseAgent: h.UseAgent,
		},
	}
	if h.PasswordEnv != "" {
		if v := env.Getenv(h.PasswordEnv); v != "" {
			opts.Credential.Password = []byte(v)
		}
	}
	if h.PassphraseEnv != "" {
		if v := env.Getenv(h.PassphraseEnv); v != "" {
			opts.Credential.Passphrase = []byte(v)
		}
	}
	return opts
}

// Save writes the configuration to a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	store := fileSystem(fsys)
	if err := store.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return store.WriteFile(path, data, 0o600)
}
