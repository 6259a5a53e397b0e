// Package console drives an interactive text stream the way a person at a
// serial terminal would: wait for some output, type a reply, repeat.
package console

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"
)

var (
	// ErrEOF is returned by [Console.Expect] when the stream ended before
	// the pattern appeared.
	ErrEOF = errors.New("console output ended")

	// ErrTimeout is returned by [Console.Expect] when the pattern did not
	// appear in time.
	ErrTimeout = errors.New("timed out waiting for console output")
)

const (
	readSize = 4096

	// maxBuffered caps unconsumed output. The oldest bytes are dropped
	// first; the transcript still has them.
	maxBuffered = 1 << 20
)

// Console reads a process' output in the background and lets the caller
// wait for patterns in it. Every byte read is copied to the transcript
// writer before it becomes visible to [Console.Expect].
//
// Expect, Send and SendLine must not be called concurrently.
type Console struct {
	in         io.Writer
	out        io.Reader
	transcript io.Writer

	mu      sync.Mutex
	buf     []byte
	eof     bool
	readErr error

	changed chan struct{}
	done    chan struct{}
}

// New starts reading out. Input written with Send goes to in. transcript may
// be nil.
func New(out io.Reader, in io.Writer, transcript io.Writer) *Console {
	if transcript == nil {
		transcript = io.Discard
	}

	c := &Console{
		in:         in,
		out:        out,
		transcript: transcript,
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Console) pump() {
	defer close(c.done)

	chunk := make([]byte, readSize)
	for {
		n, err := c.out.Read(chunk)
		if n > 0 {
			// A failing transcript must not stall the console.
			_, _ = c.transcript.Write(chunk[:n])

			c.mu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			if over := len(c.buf) - maxBuffered; over > 0 {
				c.buf = append(c.buf[:0], c.buf[over:]...)
			}
			c.mu.Unlock()
			c.signal()
		}
		if err != nil {
			c.mu.Lock()
			c.eof = true
			if !errors.Is(err, io.EOF) {
				c.readErr = err
			}
			c.mu.Unlock()
			c.signal()
			return
		}
	}
}

func (c *Console) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Expect waits until re matches the unconsumed output and returns the
// matched text. Output up to and including the match is consumed. Output
// that is already buffered is searched before an end of stream is reported.
func (c *Console) Expect(re *regexp.Regexp, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if loc := re.FindIndex(c.buf); loc != nil {
			match := string(c.buf[loc[0]:loc[1]])
			c.buf = append(c.buf[:0], c.buf[loc[1]:]...)
			c.mu.Unlock()
			return match, nil
		}
		eof, readErr := c.eof, c.readErr
		c.mu.Unlock()

		if eof {
			if readErr != nil {
				return "", fmt.Errorf("%w: %w", ErrEOF, readErr)
			}
			return "", ErrEOF
		}

		select {
		case <-c.changed:
		case <-timer.C:
			return "", fmt.Errorf("%w after %s: %q", ErrTimeout, timeout, re.String())
		}
	}
}

// Pending returns the output read but not yet consumed.
func (c *Console) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// Send writes s to the process input as is.
func (c *Console) Send(s string) error {
	if _, err := io.WriteString(c.in, s); err != nil {
		return fmt.Errorf("console send: %w", err)
	}
	return nil
}

// SendLine writes s followed by a newline.
func (c *Console) SendLine(s string) error {
	return c.Send(s + "\n")
}

// Done is closed once the output stream has ended.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

// Close closes the output stream if it is closable and waits for the
// reader to stop.
func (c *Console) Close() error {
	var err error
	if closer, ok := c.out.(io.Closer); ok {
		err = closer.Close()
	}
	<-c.done
	return err
}
