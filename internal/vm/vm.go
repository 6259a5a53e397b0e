// Package vm launches container VMs as QEMU child processes of the daemon
// and tracks them until they exit.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dmcdo/jabberwocky-container-manager/internal/boot"
)

// KVMDevice is checked to pick the accelerator when accel is "auto".
var KVMDevice = "/dev/kvm"

// Options are the launch settings shared by every VM.
type Options struct {
	Binary      string
	Accel       string
	ImageFormat string
	ExtraArgs   []string
}

// Args builds the QEMU command line for spec. The guest's serial console is
// on stdio and its SSH port is forwarded to 127.0.0.1:spec.Port.
func Args(opts Options, spec boot.Spec) []string {
	format := opts.ImageFormat
	if format == "" {
		format = "qcow2"
	}

	args := []string{
		"-m", strconv.Itoa(spec.MemoryMB),
		"-smp", strconv.Itoa(spec.VCPUs),
		"-accel", ResolveAccel(opts.Accel),
		"-display", "none",
		"-monitor", "none",
		"-serial", "stdio",
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=%s", spec.Image, format),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:22", spec.Port),
		"-device", "virtio-net-pci,netdev=net0",
	}
	return append(args, opts.ExtraArgs...)
}

// ResolveAccel maps "auto" to kvm when the KVM device is usable, tcg
// otherwise.
func ResolveAccel(accel string) string {
	if accel != "" && accel != "auto" {
		return accel
	}
	if unix.Access(KVMDevice, unix.R_OK|unix.W_OK) == nil {
		return "kvm"
	}
	return "tcg"
}

// Process is a running QEMU child. It implements [boot.Process].
type Process struct {
	Name string
	Port int

	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *os.File

	done     chan struct{}
	exitCode int
	waitErr  error
}

func (p *Process) PID() int              { return p.cmd.Process.Pid }
func (p *Process) Stdin() io.Writer      { return p.stdin }
func (p *Process) Output() io.Reader     { return p.out }
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is -1 if the process was killed by a signal.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Kill sends SIGKILL. Killing an exited process is not an error.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return unix.Kill(p.PID(), 0) == nil
}

// Err is the error returned by Wait, valid once Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.waitErr
}

// Info is a snapshot of a tracked process.
type Info struct {
	Name string
	PID  int
	Port int
}

// Manager spawns VMs and tracks the running ones by container name.
type Manager struct {
	mu     sync.RWMutex
	procs  map[string]*Process
	opts   Options
	logger *slog.Logger
}

// NewManager resolves the QEMU binary and creates a manager.
func NewManager(opts Options, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bin, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("qemu binary not found: %w", err)
	}
	opts.Binary = bin

	return &Manager{
		procs:  make(map[string]*Process),
		opts:   opts,
		logger: logger.With("component", "vm"),
	}, nil
}

// Spawn starts a VM. The process is not tied to ctx: it runs until it exits
// or is killed.
func (m *Manager) Spawn(_ context.Context, spec boot.Spec) (boot.Process, error) {
	if !filepath.IsAbs(spec.Image) {
		return nil, fmt.Errorf("image path must be absolute: %s", spec.Image)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.procs[spec.Name]; exists {
		return nil, fmt.Errorf("vm %s already running", spec.Name)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create console pipe: %w", err)
	}

	args := Args(m.opts, spec)
	cmd := exec.Command(m.opts.Binary, args...)
	cmd.Stdout = outW
	cmd.Stderr = outW
	// VMs die with the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	m.logger.Info("launching vm",
		"container", spec.Name,
		"image", spec.Image,
		"port", spec.Port,
		"vcpus", spec.VCPUs,
		"memory_mb", spec.MemoryMB,
	)

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("start qemu: %w", err)
	}
	// Only the child may hold the write end, or the console never sees EOF.
	_ = outW.Close()

	p := &Process{
		Name:  spec.Name,
		Port:  spec.Port,
		cmd:   cmd,
		stdin: stdin,
		out:   outR,
		done:  make(chan struct{}),
	}
	m.procs[spec.Name] = p

	go m.reap(p)

	m.logger.Info("vm launched", "container", spec.Name, "pid", p.PID())
	return p, nil
}

func (m *Manager) reap(p *Process) {
	err := p.cmd.Wait()

	p.exitCode = p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}

	m.mu.Lock()
	if m.procs[p.Name] == p {
		delete(m.procs, p.Name)
	}
	m.mu.Unlock()

	close(p.done)
	m.logger.Info("vm exited", "container", p.Name, "pid", p.cmd.Process.Pid, "exit_code", p.exitCode)
}

// Get returns the running VM of a container.
func (m *Manager) Get(name string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[name]
	return p, ok
}

// List returns the running VMs sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.procs))
	for _, p := range m.procs {
		result = append(result, Info{Name: p.Name, PID: p.PID(), Port: p.Port})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// KillAll kills every tracked VM and waits for them to be reaped.
func (m *Manager) KillAll(ctx context.Context) error {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		g.Go(func() error {
			if err := p.Kill(); err != nil {
				return fmt.Errorf("kill vm %s: %w", p.Name, err)
			}
			select {
			case <-p.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
