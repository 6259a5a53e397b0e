// Package paths resolves the on-disk layout used by the daemon and the CLI.
//
// The layout is resolved once at process start by [Resolve] and passed to
// the components that need it. Nothing below cmd/ reads the environment
// for paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "jabberwocky"

// Layout is the installation layout shared by the daemon and the CLI.
type Layout struct {
	// ConfigDir holds config.yaml.
	ConfigDir string
	// DataDir holds the daemon log and the state database.
	DataDir string
	// ContainersDir holds one directory per installed container.
	ContainersDir string
	// RuntimeDir holds the daemon socket.
	RuntimeDir string
}

// Env is the subset of the environment [Resolve] looks at.
type Env struct {
	Home          string
	XDGConfigHome string
	XDGDataHome   string
	XDGRuntimeDir string
}

// EnvFromOS reads [Env] from the process environment.
func EnvFromOS() (Env, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Env{}, fmt.Errorf("paths: home dir: %w", err)
	}
	return Env{
		Home:          home,
		XDGConfigHome: os.Getenv("XDG_CONFIG_HOME"),
		XDGDataHome:   os.Getenv("XDG_DATA_HOME"),
		XDGRuntimeDir: os.Getenv("XDG_RUNTIME_DIR"),
	}, nil
}

// Resolve builds the layout.
//
// Resolution order for the config dir:
//  1. $XDG_CONFIG_HOME/jabberwocky (if set)
//  2. ~/.config/jabberwocky
//
// Resolution order for the data dir:
//  1. $XDG_DATA_HOME/jabberwocky (if set)
//  2. ~/.local/share/jabberwocky
//
// Containers always live in ~/.containers. The socket lives in
// $XDG_RUNTIME_DIR when set, in the data dir otherwise.
func Resolve(env Env) (Layout, error) {
	if env.Home == "" {
		return Layout{}, fmt.Errorf("paths: empty home dir")
	}

	l := Layout{
		ConfigDir:     filepath.Join(env.Home, ".config", appName),
		DataDir:       filepath.Join(env.Home, ".local", "share", appName),
		ContainersDir: filepath.Join(env.Home, ".containers"),
	}
	if env.XDGConfigHome != "" {
		l.ConfigDir = filepath.Join(env.XDGConfigHome, appName)
	}
	if env.XDGDataHome != "" {
		l.DataDir = filepath.Join(env.XDGDataHome, appName)
	}
	l.RuntimeDir = l.DataDir
	if env.XDGRuntimeDir != "" {
		l.RuntimeDir = env.XDGRuntimeDir
	}

	return l, nil
}

// Ensure creates the layout directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.ConfigDir, l.DataDir, l.ContainersDir, l.RuntimeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("paths: create %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the path to config.yaml.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.ConfigDir, "config.yaml")
}

// DaemonLog returns the path to the daemon log file.
func (l Layout) DaemonLog() string {
	return filepath.Join(l.DataDir, "daemon.log")
}

// StateDB returns the path to the SQLite state database.
func (l Layout) StateDB() string {
	return filepath.Join(l.DataDir, "state.db")
}

// Socket returns the path of the daemon's unix socket.
func (l Layout) Socket() string {
	if l.RuntimeDir == l.DataDir {
		return filepath.Join(l.RuntimeDir, "daemon.sock")
	}
	return filepath.Join(l.RuntimeDir, appName+".sock")
}

// Container returns the per-container paths for name.
func (l Layout) Container(name string) ContainerPaths {
	return ContainerPaths{Dir: filepath.Join(l.ContainersDir, name)}
}

// ContainerPaths are the files of a single container.
type ContainerPaths struct {
	Dir string
}

// Manifest returns the path to container.yaml.
func (c ContainerPaths) Manifest() string {
	return filepath.Join(c.Dir, "container.yaml")
}

// PrivateKey returns the path to the container's SSH private key.
func (c ContainerPaths) PrivateKey() string {
	return filepath.Join(c.Dir, "id_ed25519")
}

// PublicKey returns the path to the container's SSH public key.
func (c ContainerPaths) PublicKey() string {
	return c.PrivateKey() + ".pub"
}

// LogDir returns the directory holding the boot session logs.
func (c ContainerPaths) LogDir() string {
	return filepath.Join(c.Dir, "logs")
}

// SessionLog returns the log path of the boot session with the given ID.
func (c ContainerPaths) SessionLog(sessionID string) string {
	return filepath.Join(c.LogDir(), "boot-"+sessionID+".log")
}
