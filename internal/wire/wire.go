// Package wire implements the framing and token vocabulary spoken between
// the CLI and the daemon.
//
// Every token, payload string and encoded value travels as one frame: a
// 4-byte big-endian length followed by that many bytes. A [Conn] never reads
// past the frame it was asked for, so an exchange that ends early leaves the
// rest of the stream untouched.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 1 << 20

// Token is a fixed handshake marker.
type Token string

const (
	// TokenOK marks a successful response. A result frame follows.
	TokenOK Token = "OK"
	// TokenCont asks the peer for the next payload frame.
	TokenCont Token = "CONT"
	// TokenYes is a positive boolean answer.
	TokenYes Token = "YES"
	// TokenNo is a negative boolean answer.
	TokenNo Token = "NO"
	// TokenBegin marks the start of a long running operation.
	TokenBegin Token = "BEGIN"
)

var (
	// ErrFrameTooLarge is returned for frames above [MaxFrameSize].
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnexpectedToken is returned by [Conn.Expect] on a mismatch.
	ErrUnexpectedToken = errors.New("unexpected token")
)

// Request is the single message a client sends on a connection.
type Request struct {
	Command string   `cbor:"command"`
	Args    []string `cbor:"args,omitempty"`
}

// String renders the request the way a user would have typed it.
func (r Request) String() string {
	return strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " "))
}

// Conn speaks the frame protocol over a byte stream.
type Conn struct {
	rw io.ReadWriter
}

// NewConn wraps rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Close closes the underlying stream if it is an [io.Closer].
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// WriteFrame sends data as one frame.
func (c *Conn) WriteFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("write frame: %w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame.
//
// A stream that ends before the length prefix gives [io.EOF]; one that ends
// inside a frame gives [io.ErrUnexpectedEOF].
func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("read frame: %w: %d bytes", ErrFrameTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// Send writes s as one frame.
func (c *Conn) Send(s string) error {
	return c.WriteFrame([]byte(s))
}

// Recv reads one frame as a string.
func (c *Conn) Recv() (string, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SendToken writes a handshake token.
func (c *Conn) SendToken(t Token) error {
	return c.Send(string(t))
}

// Cont sends CONT.
func (c *Conn) Cont() error { return c.SendToken(TokenCont) }

// OK sends OK.
func (c *Conn) OK() error { return c.SendToken(TokenOK) }

// Yes sends YES.
func (c *Conn) Yes() error { return c.SendToken(TokenYes) }

// No sends NO.
func (c *Conn) No() error { return c.SendToken(TokenNo) }

// Begin sends BEGIN.
func (c *Conn) Begin() error { return c.SendToken(TokenBegin) }

// Expect reads one frame and checks it is the given token.
func (c *Conn) Expect(t Token) error {
	got, err := c.Recv()
	if err != nil {
		return err
	}
	if got != string(t) {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedToken, got, t)
	}
	return nil
}

// SendValue writes v CBOR encoded as one frame.
func (c *Conn) SendValue(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return c.WriteFrame(data)
}

// RecvValue reads one frame and decodes it into v.
func (c *Conn) RecvValue(v any) error {
	data, err := c.ReadFrame()
	if err != nil {
		return err
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// SendRequest writes the request frame.
func (c *Conn) SendRequest(req Request) error {
	return c.SendValue(req)
}

// RecvRequest reads the request frame.
func (c *Conn) RecvRequest() (Request, error) {
	var req Request
	err := c.RecvValue(&req)
	return req, err
}
