package boot

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/dmcdo/jabberwocky-container-manager/internal/console"
	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
)

// Failure signatures searched for in the session log. These are literal
// strings printed by QEMU and by the guest's login program; if either
// changes its wording the failure is still reported, only as a generic one.
const (
	PortForwardSignature = "Could not set up host forwarding rule"
	LoginSignature       = "Login incorrect"
)

// Classify turns a console failure into a boot error by searching the
// session log. A forwarding failure is only looked for when the console
// output ended, and a login failure only when it timed out.
func Classify(cause error, logPath string) *errdefs.BootError {
	transcript, err := os.ReadFile(logPath)
	if err != nil {
		return &errdefs.BootError{
			Kind:    errdefs.BootGeneric,
			LogPath: logPath,
			Err:     errors.Join(cause, fmt.Errorf("read session log: %w", err)),
		}
	}
	return &errdefs.BootError{
		Kind:    ClassifyTranscript(cause, transcript),
		LogPath: logPath,
		Err:     cause,
	}
}

// ClassifyTranscript is the search behind [Classify].
func ClassifyTranscript(cause error, transcript []byte) errdefs.BootKind {
	switch {
	case errors.Is(cause, console.ErrEOF):
		if bytes.Contains(transcript, []byte(PortForwardSignature)) {
			return errdefs.BootPortAllocation
		}
	case errors.Is(cause, console.ErrTimeout):
		if bytes.Contains(transcript, []byte(LoginSignature)) {
			return errdefs.BootInvalidLogin
		}
	}
	return errdefs.BootGeneric
}
