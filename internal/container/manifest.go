package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/paths"
	"github.com/dmcdo/jabberwocky-container-manager/internal/sshexec"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

// ErrInvalidName is returned by Install for names that cannot be used as a
// directory name.
var ErrInvalidName = errors.New("invalid container name")

// ValidName reports whether name can be a container name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Manifest is the on-disk description of an installed container. Its
// presence is what makes a container installed.
type Manifest struct {
	Name      string    `yaml:"name"`
	Image     string    `yaml:"image"`
	Username  string    `yaml:"username,omitempty"`
	Password  string    `yaml:"password,omitempty"`
	MemoryMB  int       `yaml:"memory_mb,omitempty"`
	VCPUs     int       `yaml:"vcpus,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the manifest. It holds the guest password, hence 0600.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// InstallOptions are the per-container settings chosen at install time.
// Zero values fall back to the daemon defaults at boot.
type InstallOptions struct {
	Username string
	Password string
	MemoryMB int
	VCPUs    int
}

// Install creates the container directory with its manifest and SSH key
// pair. It runs in the CLI process and never talks to the daemon.
func Install(layout paths.Layout, name, image string, opts InstallOptions) (*Manifest, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	image, err := filepath.Abs(image)
	if err != nil {
		return nil, fmt.Errorf("resolve image path: %w", err)
	}
	info, err := os.Stat(image)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, errdefs.InvalidPath(image)
	case err != nil:
		return nil, fmt.Errorf("stat image: %w", err)
	case info.IsDir():
		return nil, errdefs.PathIsDirectory(image)
	}

	if err := os.MkdirAll(layout.ContainersDir, 0o755); err != nil {
		return nil, fmt.Errorf("create containers dir: %w", err)
	}

	cp := layout.Container(name)
	if err := os.Mkdir(cp.Dir, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &errdefs.ContainerAlreadyExistsError{Name: name}
		}
		return nil, fmt.Errorf("create container dir: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.RemoveAll(cp.Dir)
		}
	}()

	if err := os.MkdirAll(cp.LogDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := sshexec.WriteKeyPair(cp.PrivateKey(), cp.PublicKey(), "jabberwocky@"+name); err != nil {
		return nil, err
	}

	m := &Manifest{
		Name:      name,
		Image:     image,
		Username:  opts.Username,
		Password:  opts.Password,
		MemoryMB:  opts.MemoryMB,
		VCPUs:     opts.VCPUs,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.Save(cp.Manifest()); err != nil {
		return nil, err
	}

	success = true
	return m, nil
}
