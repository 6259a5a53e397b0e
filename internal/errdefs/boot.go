package errdefs

import "strconv"

// BootKind classifies a boot failure.
type BootKind int

const (
	BootGeneric BootKind = iota
	BootPortAllocation
	BootInvalidLogin
)

func (k BootKind) String() string {
	switch k {
	case BootPortAllocation:
		return "port_allocation"
	case BootInvalidLogin:
		return "invalid_login"
	default:
		return "generic"
	}
}

// BootError is a failed boot attempt. It points at the session log of the
// attempt, never at its content.
type BootError struct {
	Kind    BootKind
	LogPath string
	Err     error
}

func (e *BootError) Error() string {
	var msg string
	switch e.Kind {
	case BootPortAllocation:
		msg = "could not set up the forwarding port"
	case BootInvalidLogin:
		msg = "the login provided for the container is invalid"
	default:
		msg = "the container failed to boot"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.LogPath != "" {
		msg += ", see " + e.LogPath + " for more information"
	}
	return msg
}

// Is implements the [errors.Is] interface.
func (e *BootError) Is(target error) bool {
	switch target {
	case ErrBootFailure:
		return true
	case ErrPortAllocation:
		return e.Kind == BootPortAllocation
	case ErrInvalidLogin:
		return e.Kind == BootInvalidLogin
	}
	return false
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *BootError) Unwrap() error {
	return e.Err
}

// PoweroffBadExitError is returned when the guest poweroff exits non-zero.
type PoweroffBadExitError struct {
	ExitCode int
}

func (e *PoweroffBadExitError) Error() string {
	return "poweroff exited with code " + strconv.Itoa(e.ExitCode)
}

// ContainerAlreadyExistsError is returned when installing over an existing
// container.
type ContainerAlreadyExistsError struct {
	Name string
}

func (e *ContainerAlreadyExistsError) Error() string {
	return "container " + e.Name + " already exists"
}
