package errdefs

import (
	"fmt"

	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

// Encode sends e to the client. For payload kinds it waits for CONT before
// sending the payload.
func Encode(c *wire.Conn, e *Error) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("encode error: unknown kind %q", e.Kind)
	}
	if err := c.Send(string(e.Kind)); err != nil {
		return fmt.Errorf("send error tag: %w", err)
	}
	if !e.Kind.HasPayload() {
		return nil
	}
	if err := c.Expect(wire.TokenCont); err != nil {
		return fmt.Errorf("await %s continuation: %w", e.Kind, err)
	}
	if err := c.Send(e.Payload); err != nil {
		return fmt.Errorf("send %s payload: %w", e.Kind, err)
	}
	return nil
}

// Decode rebuilds the error announced by tag. A self-contained tag is
// answered without touching the connection; a payload tag costs exactly one
// CONT and one payload frame. Anything else is a [*ProtocolError].
func Decode(c *wire.Conn, tag string) error {
	kind := Kind(tag)
	if !kind.Valid() {
		return &ProtocolError{Op: "decode", Err: fmt.Errorf("unknown tag %q", tag)}
	}
	if !kind.HasPayload() {
		return &Error{Kind: kind}
	}

	if err := c.Cont(); err != nil {
		return &ProtocolError{Op: "decode " + tag, Err: err}
	}
	payload, err := c.Recv()
	if err != nil {
		return &ProtocolError{Op: "decode " + tag, Err: fmt.Errorf("read payload: %w", err)}
	}
	return &Error{Kind: kind, Payload: payload}
}

