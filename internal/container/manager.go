// Package container implements the container operations the daemon serves:
// installing, listing, booting, powering off and reaching into containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmcdo/jabberwocky-container-manager/internal/boot"
	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/paths"
	"github.com/dmcdo/jabberwocky-container-manager/internal/sshexec"
	"github.com/dmcdo/jabberwocky-container-manager/internal/state"
	"github.com/dmcdo/jabberwocky-container-manager/internal/telemetry"
	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

// Booter runs one boot attempt.
type Booter interface {
	Boot(ctx context.Context, req boot.Request) (*boot.Session, error)
}

// Remote is a command channel into a running container.
type Remote interface {
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
	Upload(ctx context.Context, r io.Reader, guestPath string) error
	Download(ctx context.Context, guestPath string, w io.Writer) error
	Close() error
}

// DialFunc opens a [Remote] to the container forwarded on port.
type DialFunc func(ctx context.Context, port int, user, keyPath string) (Remote, error)

// SSHDialer dials containers with [sshexec.Dial].
func SSHDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, port int, user, keyPath string) (Remote, error) {
		c, err := sshexec.Dial(ctx, port, user, keyPath, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options are the defaults applied when a manifest leaves a value unset,
// and the timeouts of the post-boot steps.
type Options struct {
	Username        string
	Password        string
	MemoryMB        int
	VCPUs           int
	KeyTimeout      time.Duration
	PoweroffTimeout time.Duration
}

// Manager owns the runtime state of every container. Only the manager
// changes container states.
type Manager struct {
	layout    paths.Layout
	booter    Booter
	store     *state.Store
	dial      DialFunc
	telemetry telemetry.Service
	opts      Options
	logger    *slog.Logger

	locks keyedMutex

	mu       sync.RWMutex
	sessions map[string]*boot.Session
}

// NewManager creates a container manager.
func NewManager(layout paths.Layout, booter Booter, store *state.Store, dial DialFunc, tele telemetry.Service, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tele == nil {
		tele = &telemetry.NoopService{}
	}
	return &Manager{
		layout:    layout,
		booter:    booter,
		store:     store,
		dial:      dial,
		telemetry: tele,
		opts:      opts,
		logger:    logger.With("component", "container"),
		sessions:  make(map[string]*boot.Session),
	}
}

// installed loads the manifest of name, or reports it as unknown.
func (m *Manager) installed(name string) (*Manifest, error) {
	if !ValidName(name) {
		return nil, errdefs.UnknownContainer(name)
	}
	man, err := LoadManifest(m.layout.Container(name).Manifest())
	if errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.UnknownContainer(name)
	}
	if err != nil {
		return nil, err
	}
	return man, nil
}

func (m *Manager) session(name string) (*boot.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// List returns the status of every installed container, sorted by name.
func (m *Manager) List(ctx context.Context) ([]wire.ContainerStatus, error) {
	entries, err := os.ReadDir(m.layout.ContainersDir)
	if errors.Is(err, os.ErrNotExist) {
		return []wire.ContainerStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read containers dir: %w", err)
	}

	result := make([]wire.ContainerStatus, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := m.Status(ctx, e.Name())
		if errors.Is(err, errdefs.ErrUnknownContainer) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Status reports a container's state. It never waits for a boot in
// progress and never changes anything.
func (m *Manager) Status(ctx context.Context, name string) (wire.ContainerStatus, error) {
	man, err := m.installed(name)
	if err != nil {
		return wire.ContainerStatus{}, err
	}

	st := wire.ContainerStatus{
		Name:  name,
		State: string(state.StateStopped),
		Image: man.Image,
	}

	rec, err := m.store.GetContainer(ctx, name)
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return wire.ContainerStatus{}, fmt.Errorf("load state of %s: %w", name, err)
	default:
		st.State = string(rec.State)
		st.Port = rec.Port
		st.PID = rec.PID
		st.LastLogPath = rec.LogPath
		st.LastError = rec.LastError
		st.KeyAuthorized = rec.KeyAuthorized
		st.UpdatedAt = rec.UpdatedAt
	}

	if s, ok := m.session(name); ok {
		st.State = string(state.StateRunning)
		st.Port = s.Port
		st.PID = s.PID()
	} else if st.State == string(state.StateRunning) {
		// The VM is gone and the watcher has not caught up yet.
		st.State = string(state.StateStopped)
		st.Port, st.PID = 0, 0
	}
	return st, nil
}

// Running reports whether the container's VM is up.
func (m *Manager) Running(_ context.Context, name string) (bool, error) {
	if _, err := m.installed(name); err != nil {
		return false, err
	}
	_, ok := m.session(name)
	return ok, nil
}

// Start boots the container and returns its forwarding port. Starting a
// running container returns its current port.
func (m *Manager) Start(ctx context.Context, name string) (int, error) {
	man, err := m.installed(name)
	if err != nil {
		return 0, err
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	if s, ok := m.session(name); ok {
		return s.Port, nil
	}
	m.forget(name)

	cp := m.layout.Container(name)
	id := uuid.NewString()
	logger := m.logger.With("container", name, "session_id", id)
	startedAt := time.Now().UTC()

	if err := m.update(ctx, name, func(c *state.Container) {
		c.State = state.StateBooting
		c.SessionID = id
		c.LogPath = cp.SessionLog(id)
		c.Port, c.PID = 0, 0
		c.LastError = ""
		c.KeyAuthorized = false
	}); err != nil {
		return 0, err
	}

	m.record(ctx, &state.BootRecord{
		ID:        id,
		Container: name,
		LogPath:   cp.SessionLog(id),
		StartedAt: startedAt,
	})

	req := boot.Request{
		SessionID: id,
		Container: name,
		Image:     man.Image,
		LogDir:    cp.LogDir(),
		Username:  firstNonEmpty(man.Username, m.opts.Username),
		Password:  firstNonEmpty(man.Password, m.opts.Password),
		MemoryMB:  firstPositive(man.MemoryMB, m.opts.MemoryMB),
		VCPUs:     firstPositive(man.VCPUs, m.opts.VCPUs),
	}

	s, bootErr := m.booter.Boot(ctx, req)
	if bootErr != nil {
		m.bootFailed(ctx, name, id, bootErr)
		return 0, bootErr
	}

	m.mu.Lock()
	m.sessions[name] = s
	m.mu.Unlock()
	go m.watch(name, s)

	keyAuthorized := m.authorizeKey(s, cp, logger)

	if err := m.update(ctx, name, func(c *state.Container) {
		c.State = state.StateRunning
		c.Port = s.Port
		c.PID = s.PID()
		c.LogPath = s.LogPath
		c.KeyAuthorized = keyAuthorized
	}); err != nil {
		logger.Error("save running state", "error", err)
	}
	m.finish(ctx, id, s.Port, state.OutcomeBooted, "")

	m.telemetry.Track(telemetry.EventContainerBooted, map[string]any{
		"memory_mb":      req.MemoryMB,
		"vcpus":          req.VCPUs,
		"key_authorized": keyAuthorized,
		"boot_seconds":   time.Since(startedAt).Seconds(),
	})
	logger.Info("container started", "port", s.Port, "pid", s.PID(), "key_authorized", keyAuthorized)
	return s.Port, nil
}

func (m *Manager) authorizeKey(s *boot.Session, cp paths.ContainerPaths, logger *slog.Logger) bool {
	pub, err := os.ReadFile(cp.PublicKey())
	if err == nil {
		err = s.AuthorizeKey(string(pub), m.opts.KeyTimeout)
	}
	if err != nil {
		logger.Warn("container key not authorized, ssh access unavailable", "error", err)
		return false
	}
	return true
}

func (m *Manager) bootFailed(ctx context.Context, name, id string, bootErr error) {
	kind := errdefs.BootGeneric.String()
	logPath := m.layout.Container(name).SessionLog(id)
	var be *errdefs.BootError
	if errors.As(bootErr, &be) {
		kind = be.Kind.String()
		if be.LogPath != "" {
			logPath = be.LogPath
		}
	}

	m.logger.Error("boot failed",
		"container", name,
		"session_id", id,
		"kind", kind,
		"log_path", logPath,
		"error", bootErr,
	)

	if err := m.update(ctx, name, func(c *state.Container) {
		c.State = state.StateFailed
		c.Port, c.PID = 0, 0
		c.LogPath = logPath
		c.LastError = bootErr.Error()
	}); err != nil {
		m.logger.Error("save failed state", "container", name, "error", err)
	}
	m.finish(ctx, id, 0, state.OutcomeFailed, kind)
	m.telemetry.Track(telemetry.EventBootFailed, map[string]any{"kind": kind})
}

// watch marks the container stopped when its VM exits on its own.
func (m *Manager) watch(name string, s *boot.Session) {
	<-s.Done()

	unlock := m.locks.Lock(name)
	defer unlock()

	m.mu.Lock()
	current := m.sessions[name] == s
	if current {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if !current {
		return
	}

	s.Kill()
	m.logger.Warn("vm exited unexpectedly", "container", name, "session_id", s.ID, "log_path", s.LogPath)
	if err := m.update(context.Background(), name, func(c *state.Container) {
		c.State = state.StateStopped
		c.Port, c.PID = 0, 0
	}); err != nil {
		m.logger.Error("save stopped state", "container", name, "error", err)
	}
}

// Stop powers the container off. A poweroff that exits badly or hangs is
// logged; the VM is gone either way.
func (m *Manager) Stop(ctx context.Context, name string) error {
	if _, err := m.installed(name); err != nil {
		return err
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	s, ok := m.session(name)
	if !ok {
		return errdefs.ContainerNotStarted(name)
	}

	logger := m.logger.With("container", name, "session_id", s.ID)
	if err := s.Poweroff(m.opts.PoweroffTimeout); err != nil {
		var bad *errdefs.PoweroffBadExitError
		if errors.As(err, &bad) {
			logger.Warn("poweroff exited badly", "exit_code", bad.ExitCode)
		} else {
			logger.Warn("poweroff failed, vm killed", "error", err)
		}
	}

	m.mu.Lock()
	if m.sessions[name] == s {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if err := m.update(ctx, name, func(c *state.Container) {
		c.State = state.StateStopped
		c.Port, c.PID = 0, 0
	}); err != nil {
		logger.Error("save stopped state", "error", err)
	}

	m.telemetry.Track(telemetry.EventContainerStopped, map[string]any{
		"uptime_seconds": time.Since(s.StartedAt).Seconds(),
	})
	logger.Info("container stopped")
	return nil
}

// StopAll powers off every running container.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx, name); err != nil && !errors.Is(err, errdefs.ErrContainerNotStarted) {
				m.logger.Warn("stop container", "container", name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// Port returns the forwarding port of a running container.
func (m *Manager) Port(_ context.Context, name string) (int, error) {
	s, err := m.running(name)
	if err != nil {
		return 0, err
	}
	return s.Port, nil
}

func (m *Manager) running(name string) (*boot.Session, error) {
	if _, err := m.installed(name); err != nil {
		return nil, err
	}
	s, ok := m.session(name)
	if !ok {
		return nil, errdefs.ContainerNotStarted(name)
	}
	return s, nil
}

func (m *Manager) remote(ctx context.Context, name string) (Remote, error) {
	s, err := m.running(name)
	if err != nil {
		return nil, err
	}
	man, err := m.installed(name)
	if err != nil {
		return nil, err
	}
	cp := m.layout.Container(name)
	r, err := m.dial(ctx, s.Port, firstNonEmpty(man.Username, m.opts.Username), cp.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", name, err)
	}
	return r, nil
}

// Run executes command in the container.
func (m *Manager) Run(ctx context.Context, name, command string) (wire.CommandResult, error) {
	r, err := m.remote(ctx, name)
	if err != nil {
		return wire.CommandResult{}, err
	}
	defer func() { _ = r.Close() }()

	stdout, stderr, code, err := r.Run(ctx, command)
	if err != nil {
		return wire.CommandResult{}, fmt.Errorf("run in %s: %w", name, err)
	}
	return wire.CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// Put copies the host file hostPath to guestPath in the container.
func (m *Manager) Put(ctx context.Context, name, hostPath, guestPath string) error {
	if _, err := m.running(name); err != nil {
		return err
	}
	if !filepath.IsAbs(hostPath) {
		return errdefs.InvalidPath(hostPath)
	}
	info, err := os.Stat(hostPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errdefs.InvalidPath(hostPath)
	case err != nil:
		return fmt.Errorf("stat %s: %w", hostPath, err)
	case info.IsDir():
		return errdefs.PathIsDirectory(hostPath)
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", hostPath, err)
	}
	defer func() { _ = f.Close() }()

	r, err := m.remote(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	return r.Upload(ctx, f, guestPath)
}

// Get copies guestPath from the container to the host file hostPath.
func (m *Manager) Get(ctx context.Context, name, guestPath, hostPath string) error {
	if _, err := m.running(name); err != nil {
		return err
	}
	if !filepath.IsAbs(hostPath) {
		return errdefs.InvalidPath(hostPath)
	}
	if info, err := os.Stat(hostPath); err == nil && info.IsDir() {
		return errdefs.PathIsDirectory(hostPath)
	}
	dir := filepath.Dir(hostPath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return errdefs.InvalidPath(dir)
	}

	r, err := m.remote(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(hostPath)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", hostPath, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := r.Download(ctx, guestPath, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", hostPath, err)
	}
	if err := os.Rename(tmp.Name(), hostPath); err != nil {
		return fmt.Errorf("write %s: %w", hostPath, err)
	}
	return nil
}

// Boots returns the recent boot attempts of a container, newest first.
func (m *Manager) Boots(ctx context.Context, name string, limit int) ([]*state.BootRecord, error) {
	if _, err := m.installed(name); err != nil {
		return nil, err
	}
	return m.store.ListBootRecords(ctx, name, limit)
}

// ReapDead marks containers recorded as live but without a VM as stopped.
// Containers with an operation in flight, or whose exit is still being
// handled, are skipped and picked up on a later run.
func (m *Manager) ReapDead(ctx context.Context) (int, error) {
	recs, err := m.store.ListContainersInState(ctx, state.StateBooting, state.StateRunning)
	if err != nil {
		return 0, fmt.Errorf("list live containers: %w", err)
	}

	reaped := 0
	for _, rec := range recs {
		unlock, ok := m.locks.TryLock(rec.Name)
		if !ok {
			continue
		}
		m.mu.RLock()
		_, tracked := m.sessions[rec.Name]
		m.mu.RUnlock()
		if !tracked {
			err = m.update(ctx, rec.Name, func(c *state.Container) {
				c.State = state.StateStopped
				c.Port, c.PID = 0, 0
			})
			if err == nil {
				reaped++
				m.logger.Info("reaped dead container", "container", rec.Name, "pid", rec.PID)
			}
		}
		unlock()
		if err != nil {
			return reaped, fmt.Errorf("reap %s: %w", rec.Name, err)
		}
	}
	return reaped, nil
}

// ForgetRemoved deletes the state of containers whose directory has been
// removed from disk.
func (m *Manager) ForgetRemoved(ctx context.Context) (int, error) {
	recs, err := m.store.ListContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	removed := 0
	for _, rec := range recs {
		if _, err := m.installed(rec.Name); !errors.Is(err, errdefs.ErrUnknownContainer) {
			continue
		}
		unlock, ok := m.locks.TryLock(rec.Name)
		if !ok {
			continue
		}
		m.mu.RLock()
		_, tracked := m.sessions[rec.Name]
		m.mu.RUnlock()
		if !tracked {
			err = m.store.DeleteContainer(ctx, rec.Name)
		}
		unlock()
		if err != nil {
			return removed, fmt.Errorf("forget %s: %w", rec.Name, err)
		}
		if !tracked {
			removed++
			m.logger.Info("forgot removed container", "container", rec.Name)
		}
	}
	return removed, nil
}

// forget drops a session whose VM has exited but whose watcher has not run.
func (m *Manager) forget(name string) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if ok {
		s.Kill()
	}
}

// update applies fn to the container record, creating it if needed.
func (m *Manager) update(ctx context.Context, name string, fn func(*state.Container)) error {
	rec, err := m.store.GetContainer(ctx, name)
	if errors.Is(err, state.ErrNotFound) {
		rec = &state.Container{Name: name, State: state.StateStopped}
	} else if err != nil {
		return err
	}
	fn(rec)
	return m.store.SaveContainer(ctx, rec)
}

func (m *Manager) record(ctx context.Context, r *state.BootRecord) {
	if err := m.store.CreateBootRecord(ctx, r); err != nil {
		m.logger.Error("save boot record", "container", r.Container, "session_id", r.ID, "error", err)
	}
}

func (m *Manager) finish(ctx context.Context, id string, port int, outcome, kind string) {
	if err := m.store.FinishBootRecord(ctx, id, port, outcome, kind); err != nil {
		m.logger.Error("finish boot record", "session_id", id, "error", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
