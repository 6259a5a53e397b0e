// Package errdefs defines the errors that cross the client/daemon boundary,
// the boot failure family, and the errors that never leave one process.
//
// A wire error is an [*Error]: its [Kind] is the tag sent on the wire, and
// whether a payload string follows is a property of the kind. [Encode] and
// [Decode] are the two halves of the exchange.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind is a wire error tag.
type Kind string

const (
	KindUnknownRequest      Kind = "UNKNOWN_REQUEST"
	KindContainerNotStarted Kind = "CONTAINER_NOT_STARTED"
	KindNoSuchContainer     Kind = "NO_SUCH_CONTAINER"
	KindBootFailure         Kind = "BOOT_FAILURE"
	KindInvalidPath         Kind = "INVALID_PATH"
	KindIsADirectory        Kind = "IS_A_DIRECTORY"
	// The spelling matches the tag existing clients already send.
	KindException Kind = "EXCEPTION_OCCURED"
)

var kinds = map[Kind]struct {
	payload  bool
	sentinel error
}{
	KindUnknownRequest:      {true, ErrUnknownRequest},
	KindContainerNotStarted: {true, ErrContainerNotStarted},
	KindNoSuchContainer:     {true, ErrUnknownContainer},
	KindBootFailure:         {false, ErrBootFailure},
	KindInvalidPath:         {true, ErrInvalidPath},
	KindIsADirectory:        {true, ErrPathIsDirectory},
	KindException:           {false, ErrServer},
}

// Valid reports whether k is a known tag.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// HasPayload reports whether exactly one payload string follows the tag.
func (k Kind) HasPayload() bool {
	return kinds[k].payload
}

var (
	ErrUnknownRequest      = errors.New("unknown request")
	ErrContainerNotStarted = errors.New("container not started")
	ErrUnknownContainer    = errors.New("unknown container")
	ErrInvalidPath         = errors.New("invalid path")
	ErrPathIsDirectory     = errors.New("path is a directory")
	ErrServer              = errors.New("server error")

	// ErrBootFailure matches every member of the boot failure family, on
	// both sides of the wire.
	ErrBootFailure = errors.New("boot failure")

	// ErrPortAllocation matches only port allocation boot failures.
	ErrPortAllocation = errors.New("port allocation failure")

	// ErrInvalidLogin matches only invalid login boot failures.
	ErrInvalidLogin = errors.New("invalid login")

	// ErrFailedToAuthorizeKey is returned when the container key could not
	// be installed in the guest. It never crosses the wire.
	ErrFailedToAuthorizeKey = errors.New("failed to authorize key")
)

// Error is an error that can be sent to the client.
type Error struct {
	Kind    Kind
	Payload string

	// LogPath is the daemon log, filled in on the client for kinds that
	// point the user at the server.
	LogPath string
}

// UnknownRequest is returned for a request the daemon does not understand.
func UnknownRequest(request string) *Error {
	return &Error{Kind: KindUnknownRequest, Payload: request}
}

// ContainerNotStarted is returned when an operation needs a running container.
func ContainerNotStarted(name string) *Error {
	return &Error{Kind: KindContainerNotStarted, Payload: name}
}

// UnknownContainer is returned for a container that is not installed.
func UnknownContainer(name string) *Error {
	return &Error{Kind: KindNoSuchContainer, Payload: name}
}

// BootFailure is the wire form of any boot failure.
func BootFailure() *Error {
	return &Error{Kind: KindBootFailure}
}

// InvalidPath is returned for a path that does not exist.
func InvalidPath(path string) *Error {
	return &Error{Kind: KindInvalidPath, Payload: path}
}

// PathIsDirectory is returned when a file was expected.
func PathIsDirectory(path string) *Error {
	return &Error{Kind: KindIsADirectory, Payload: path}
}

// Exception is the wire form of any error without a tag of its own.
func Exception() *Error {
	return &Error{Kind: KindException}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownRequest:
		return "server received an unknown request: " + e.Payload
	case KindContainerNotStarted:
		return fmt.Sprintf("container %s is not running", e.Payload)
	case KindNoSuchContainer:
		return fmt.Sprintf("container %s is not installed", e.Payload)
	case KindBootFailure:
		return "the container failed to boot, " + e.seeLog()
	case KindInvalidPath:
		return fmt.Sprintf("the path %s does not exist", e.Payload)
	case KindIsADirectory:
		return e.Payload + " is a directory"
	case KindException:
		return "an error occurred on the server, " + e.seeLog()
	default:
		return "unknown error " + string(e.Kind)
	}
}

func (e *Error) seeLog() string {
	if e.LogPath == "" {
		return "see the daemon log for more information"
	}
	return "see " + e.LogPath + " for more information"
}

// Is implements the [errors.Is] interface. An Error matches the sentinel of
// its kind, and another *Error of the same kind whose payload is empty or
// equal.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind && (t.Payload == "" || t.Payload == e.Payload)
	}
	info, ok := kinds[e.Kind]
	return ok && info.sentinel == target
}

// FromError maps err to the error sent to the client. Members of the boot
// failure family become BOOT_FAILURE; anything without a tag of its own
// becomes EXCEPTION_OCCURED.
func FromError(err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return &Error{Kind: e.Kind, Payload: e.Payload}
	case errors.Is(err, ErrBootFailure):
		return BootFailure()
	default:
		return Exception()
	}
}

// ProtocolError means the two sides disagree about the exchange. It never
// matches a domain error.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Op + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (e *ProtocolError) Is(other error) bool {
	_, ok := other.(*ProtocolError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocol reports whether err is a [*ProtocolError].
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
