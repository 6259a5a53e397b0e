// Package boot logs into a freshly spawned VM over its serial console and
// reports whether it came up.
//
// Every attempt allocates a forwarding port, writes a new session log and
// walks the console through login. Failures are classified after the fact
// by searching that log.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/dmcdo/jabberwocky-container-manager/internal/console"
	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/portalloc"
)

// Process is a spawned VM.
type Process interface {
	PID() int
	// Stdin is the serial console input.
	Stdin() io.Writer
	// Output is the serial console output joined with stderr.
	Output() io.Reader
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed.
	ExitCode() int
	Kill() error
}

// Spec describes the VM to spawn.
type Spec struct {
	Name     string
	Image    string
	Port     int
	MemoryMB int
	VCPUs    int
}

// Spawner starts VMs.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// PortAllocator picks the forwarding port for an attempt.
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
}

// Config holds the prompts and timeouts of the login sequence.
type Config struct {
	LoginTimeout  time.Duration
	PromptTimeout time.Duration

	LoginPrompt    *regexp.Regexp
	PasswordPrompt *regexp.Regexp
	ShellPrompt    *regexp.Regexp
}

// Request is one boot attempt.
type Request struct {
	// SessionID names the attempt and its log. Generated when empty.
	SessionID string
	Container string
	Image     string
	// LogDir receives the session log.
	LogDir   string
	Username string
	Password string
	MemoryMB int
	VCPUs    int
}

// Engine runs boot attempts. It keeps no state between attempts.
type Engine struct {
	ports   PortAllocator
	spawner Spawner
	cfg     Config
	logger  *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(ports PortAllocator, spawner Spawner, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ports:   ports,
		spawner: spawner,
		cfg:     cfg,
		logger:  logger.With("component", "boot"),
	}
}

// SessionLogPath is where the log of session id is written.
func SessionLogPath(dir, id string) string {
	return filepath.Join(dir, "boot-"+id+".log")
}

// Boot runs one attempt. On success the returned session owns the running
// VM. On failure the VM is killed and the error is an [*errdefs.BootError].
// The attempt is not retried.
func (e *Engine) Boot(ctx context.Context, req Request) (*Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := e.logger.With("container", req.Container, "session_id", id)

	port, err := e.ports.Allocate(ctx)
	if err != nil {
		kind := errdefs.BootGeneric
		if errors.Is(err, portalloc.ErrExhausted) {
			kind = errdefs.BootPortAllocation
		}
		logger.Warn("port allocation failed", "error", err)
		return nil, &errdefs.BootError{Kind: kind, Err: fmt.Errorf("allocate port: %w", err)}
	}

	if err := os.MkdirAll(req.LogDir, 0o755); err != nil {
		return nil, &errdefs.BootError{Err: fmt.Errorf("create log dir: %w", err)}
	}
	logPath := SessionLogPath(req.LogDir, id)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &errdefs.BootError{Err: fmt.Errorf("create session log: %w", err)}
	}

	logger = logger.With("port", port, "log_path", logPath)
	logger.Info("boot attempt started")

	proc, err := e.spawner.Spawn(ctx, Spec{
		Name:     req.Container,
		Image:    req.Image,
		Port:     port,
		MemoryMB: req.MemoryMB,
		VCPUs:    req.VCPUs,
	})
	if err != nil {
		_ = logFile.Close()
		logger.Error("spawn failed", "error", err)
		return nil, &errdefs.BootError{LogPath: logPath, Err: fmt.Errorf("spawn vm: %w", err)}
	}

	s := &Session{
		ID:        id,
		Container: req.Container,
		Port:      port,
		LogPath:   logPath,
		StartedAt: time.Now().UTC(),
		proc:      proc,
		console:   console.New(proc.Output(), proc.Stdin(), logFile),
		log:       logFile,
		logger:    logger,
	}

	if err := e.login(s, req); err != nil {
		s.destroy()
		bootErr := Classify(err, logPath)
		logger.Warn("boot failed", "kind", bootErr.Kind.String(), "error", err)
		return nil, bootErr
	}

	logger.Info("container booted", "pid", proc.PID())
	return s, nil
}

func (e *Engine) login(s *Session, req Request) error {
	if _, err := s.console.Expect(e.cfg.LoginPrompt, e.cfg.LoginTimeout); err != nil {
		return fmt.Errorf("await login prompt: %w", err)
	}
	if err := s.console.SendLine(req.Username); err != nil {
		return err
	}
	if _, err := s.console.Expect(e.cfg.PasswordPrompt, e.cfg.PromptTimeout); err != nil {
		return fmt.Errorf("await password prompt: %w", err)
	}
	if err := s.console.SendLine(req.Password); err != nil {
		return err
	}
	if _, err := s.console.Expect(e.cfg.ShellPrompt, e.cfg.PromptTimeout); err != nil {
		return fmt.Errorf("await shell prompt: %w", err)
	}
	return nil
}
