package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmcdo/jabberwocky-container-manager/internal/paths"
)

// Config holds all configuration for the daemon and the CLI.
type Config struct {
	// HostID is a persistent identifier for this host. Generated on first run.
	HostID string `yaml:"host_id"`

	// Server configures the daemon socket.
	Server ServerConfig `yaml:"server"`

	// QEMU configures how container VMs are launched.
	QEMU QEMUConfig `yaml:"qemu"`

	// Boot configures the unattended console login.
	Boot BootConfig `yaml:"boot"`

	// Ports is the range the SSH forwarding port is allocated from.
	Ports PortsConfig `yaml:"ports"`

	// State configures local state storage.
	State StateConfig `yaml:"state"`

	// Janitor configures the background reaper.
	Janitor JanitorConfig `yaml:"janitor"`

	// Log configures the daemon log.
	Log LogConfig `yaml:"log"`

	// HTTP configures the optional read-only status API.
	HTTP HTTPConfig `yaml:"http"`

	// Telemetry configures optional usage events.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the daemon socket.
type ServerConfig struct {
	// SocketPath overrides the socket location from the layout.
	SocketPath string `yaml:"socket_path"`

	// StartupTimeout is how long the client waits for an autostarted daemon.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// QEMUConfig configures QEMU defaults.
type QEMUConfig struct {
	// Binary is the path to qemu-system-x86_64.
	Binary string `yaml:"binary"`

	// MemoryMB is the default memory per container in MB.
	MemoryMB int `yaml:"memory_mb"`

	// VCPUs is the default number of vCPUs per container.
	VCPUs int `yaml:"vcpus"`

	// Accel is "kvm", "tcg" or "auto".
	Accel string `yaml:"accel"`

	// ImageFormat is the disk image format passed to -drive.
	ImageFormat string `yaml:"image_format"`

	// ExtraArgs are appended to every QEMU command line.
	ExtraArgs []string `yaml:"extra_args"`
}

// BootConfig configures the console login automation.
type BootConfig struct {
	// LoginTimeout bounds the wait for the first login prompt.
	LoginTimeout time.Duration `yaml:"login_timeout"`

	// PromptTimeout bounds the password and shell prompt waits.
	PromptTimeout time.Duration `yaml:"prompt_timeout"`

	// PoweroffTimeout bounds the wait for the VM to exit after poweroff.
	PoweroffTimeout time.Duration `yaml:"poweroff_timeout"`

	// KeyTimeout bounds the SSH key authorization after login.
	KeyTimeout time.Duration `yaml:"key_timeout"`

	LoginPrompt    string `yaml:"login_prompt"`
	PasswordPrompt string `yaml:"password_prompt"`
	ShellPrompt    string `yaml:"shell_prompt"`

	// Username and Password are used when a container manifest has none.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PortsConfig is the inclusive port range for SSH forwarding.
type PortsConfig struct {
	Lo int `yaml:"lo"`
	Hi int `yaml:"hi"`
}

// StateConfig configures local state storage.
type StateConfig struct {
	// DBPath overrides the SQLite database location from the layout.
	DBPath string `yaml:"db_path"`

	// HistoryRetention is how long boot records are kept.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// JanitorConfig configures the background reaper.
type JanitorConfig struct {
	// Interval is how often the janitor runs.
	Interval time.Duration `yaml:"interval"`
}

// LogConfig configures the daemon log.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// HTTPConfig configures the read-only status API.
type HTTPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// TelemetryConfig configures usage events.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			StartupTimeout: 5 * time.Second,
		},
		QEMU: QEMUConfig{
			Binary:      "qemu-system-x86_64",
			MemoryMB:    1024,
			VCPUs:       1,
			Accel:       "auto",
			ImageFormat: "qcow2",
		},
		Boot: BootConfig{
			LoginTimeout:    5 * time.Minute,
			PromptTimeout:   30 * time.Second,
			PoweroffTimeout: time.Minute,
			KeyTimeout:      30 * time.Second,
			LoginPrompt:     `login:\s*$`,
			PasswordPrompt:  `[Pp]assword:\s*$`,
			ShellPrompt:     `[$#]\s*$`,
			Username:        "root",
			Password:        "root",
		},
		Ports: PortsConfig{
			Lo: 12300,
			Hi: 65535,
		},
		State: StateConfig{
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Janitor: JanitorConfig{
			Interval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:12299",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the values that would otherwise fail deep inside a boot.
func (c *Config) Validate() error {
	var errs []error

	if c.Ports.Lo < 1 || c.Ports.Hi > 65535 || c.Ports.Lo > c.Ports.Hi {
		errs = append(errs, fmt.Errorf("ports: invalid range [%d, %d]", c.Ports.Lo, c.Ports.Hi))
	}
	if c.Boot.LoginTimeout <= 0 {
		errs = append(errs, errors.New("boot.login_timeout must be positive"))
	}
	if c.Boot.PromptTimeout <= 0 {
		errs = append(errs, errors.New("boot.prompt_timeout must be positive"))
	}
	for name, expr := range map[string]string{
		"boot.login_prompt":    c.Boot.LoginPrompt,
		"boot.password_prompt": c.Boot.PasswordPrompt,
		"boot.shell_prompt":    c.Boot.ShellPrompt,
	} {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch c.QEMU.Accel {
	case "auto", "kvm", "tcg":
	default:
		errs = append(errs, fmt.Errorf("qemu.accel: unknown accelerator %q", c.QEMU.Accel))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SocketPath returns the configured socket or the layout default.
func (c *Config) SocketPath(l paths.Layout) string {
	if c.Server.SocketPath != "" {
		return c.Server.SocketPath
	}
	return l.Socket()
}

// DBPath returns the configured database or the layout default.
func (c *Config) DBPath(l paths.Layout) string {
	if c.State.DBPath != "" {
		return c.State.DBPath
	}
	return l.StateDB()
}

// ParseLevel maps a config level name to a [slog.Level].
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
}
