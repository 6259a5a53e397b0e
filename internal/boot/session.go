package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dmcdo/jabberwocky-container-manager/internal/console"
	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
)

// ErrPoweroffTimeout is returned when the VM did not exit after poweroff
// and had to be killed.
var ErrPoweroffTimeout = errors.New("vm did not power off in time")

// The marker is computed by the guest shell so the echoed command line
// cannot match it.
const (
	keyMarkerCommand = "echo jw-key-$((6*7))"
	keyMarkerOutput  = "jw-key-42"
)

var keyMarker = regexp.MustCompile(regexp.QuoteMeta(keyMarkerOutput))

// Session is a booted VM and its console.
type Session struct {
	ID        string
	Container string
	Port      int
	LogPath   string
	StartedAt time.Time

	proc    Process
	console *console.Console
	log     *os.File
	logger  *slog.Logger

	closeOnce sync.Once
}

// PID of the VM process.
func (s *Session) PID() int {
	return s.proc.PID()
}

// Done is closed when the VM process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.proc.Done()
}

// Alive reports whether the VM process is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.proc.Done():
		return false
	default:
		return true
	}
}

// AuthorizeKey appends pubKey to the guest's authorized_keys. Failures wrap
// [errdefs.ErrFailedToAuthorizeKey].
func (s *Session) AuthorizeKey(pubKey string, timeout time.Duration) error {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" || strings.ContainsAny(pubKey, "'\n") {
		return fmt.Errorf("%w: malformed public key", errdefs.ErrFailedToAuthorizeKey)
	}

	cmd := "mkdir -p ~/.ssh && chmod 700 ~/.ssh && echo '" + pubKey +
		"' >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && " + keyMarkerCommand
	if err := s.console.SendLine(cmd); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrFailedToAuthorizeKey, err)
	}
	if _, err := s.console.Expect(keyMarker, timeout); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrFailedToAuthorizeKey, err)
	}

	s.logger.Debug("container key authorized")
	return nil
}

// Poweroff shuts the guest down and waits for the VM to exit. A VM still
// running after timeout is killed. The session is unusable afterwards.
func (s *Session) Poweroff(timeout time.Duration) error {
	defer s.release()

	if err := s.console.SendLine("poweroff"); err != nil {
		s.logger.Warn("send poweroff failed, killing vm", "error", err)
		s.kill()
		return fmt.Errorf("poweroff: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.proc.Done():
	case <-timer.C:
		s.logger.Warn("poweroff timed out, killing vm", "timeout", timeout)
		s.kill()
		return ErrPoweroffTimeout
	}

	if code := s.proc.ExitCode(); code != 0 {
		return &errdefs.PoweroffBadExitError{ExitCode: code}
	}
	return nil
}

// Kill stops the VM without asking the guest.
func (s *Session) Kill() {
	s.destroy()
}

func (s *Session) kill() {
	if err := s.proc.Kill(); err != nil {
		s.logger.Debug("kill vm", "error", err)
	}
	<-s.proc.Done()
}

func (s *Session) destroy() {
	s.kill()
	s.release()
}

// release stops the console reader and closes the session log.
func (s *Session) release() {
	s.closeOnce.Do(func() {
		_ = s.console.Close()
		if err := s.log.Close(); err != nil {
			s.logger.Warn("close session log", "error", err)
		}
	})
}
