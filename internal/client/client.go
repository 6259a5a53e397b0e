// Package client is the CLI side of the daemon protocol.
//
// Every call opens a connection, sends one request and reads one response.
// Errors sent by the daemon come back as [*errdefs.Error] values that
// match the same sentinels as on the daemon side; anything the client did
// not expect is an [*errdefs.ProtocolError].
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

// ErrServerUnavailable is returned when the daemon cannot be reached and
// could not be started.
var ErrServerUnavailable = errors.New("the jabberwocky daemon is not running and could not be started")

const pollInterval = 100 * time.Millisecond

// Options configures a Client.
type Options struct {
	SocketPath string
	// DaemonLog is referenced by errors whose details only the daemon log has.
	DaemonLog string
	// DaemonCommand starts the daemon. Empty disables autostart.
	DaemonCommand []string
	// StartupTimeout bounds the wait for an autostarted daemon.
	StartupTimeout time.Duration
}

// Client talks to the daemon.
type Client struct {
	opts   Options
	logger *slog.Logger
}

// New creates a client.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 5 * time.Second
	}
	return &Client{opts: opts, logger: logger.With("component", "client")}
}

func (c *Client) alive() bool {
	conn, err := net.DialTimeout("unix", c.opts.SocketPath, pollInterval)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// EnsureServer starts the daemon if nothing accepts connections on the
// socket and waits for it to come up.
func (c *Client) EnsureServer(ctx context.Context) error {
	if c.alive() {
		return nil
	}
	if len(c.opts.DaemonCommand) == 0 {
		return ErrServerUnavailable
	}

	c.logger.Debug("starting daemon", "command", c.opts.DaemonCommand)
	if err := c.spawnDaemon(); err != nil {
		return fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}

	deadline := time.NewTimer(c.opts.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrServerUnavailable
		case <-ticker.C:
			if c.alive() {
				return nil
			}
		}
	}
}

// spawnDaemon starts the daemon in its own session so it outlives the CLI.
func (c *Client) spawnDaemon() error {
	cmd := exec.Command(c.opts.DaemonCommand[0], c.opts.DaemonCommand[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() { _ = devnull.Close() }()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return cmd.Process.Release()
}

// roundTrip sends req and hands the first response frame to handle. BEGIN
// is consumed and reported to onBegin when set.
func (c *Client) roundTrip(ctx context.Context, req wire.Request, onBegin func(), handle func(wc *wire.Conn, tag string) error) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	wc := wire.NewConn(conn)
	if err := wc.SendRequest(req); err != nil {
		return c.protocol(ctx, "send "+req.Command, err)
	}

	tag, err := wc.Recv()
	if err != nil {
		return c.protocol(ctx, "read response", err)
	}
	if tag == string(wire.TokenBegin) && onBegin != nil {
		onBegin()
		if tag, err = wc.Recv(); err != nil {
			return c.protocol(ctx, "read response", err)
		}
	}
	return handle(wc, tag)
}

func (c *Client) protocol(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &errdefs.ProtocolError{Op: op, Err: err}
}

// decode turns a non-success tag into the error it announces.
func (c *Client) decode(wc *wire.Conn, tag string) error {
	err := errdefs.Decode(wc, tag)
	var e *errdefs.Error
	if errors.As(err, &e) {
		e.LogPath = c.opts.DaemonLog
	}
	return err
}

// result expects OK followed by a value decoded into out. A nil out
// discards the value.
func (c *Client) result(ctx context.Context, req wire.Request, onBegin func(), out any) error {
	return c.roundTrip(ctx, req, onBegin, func(wc *wire.Conn, tag string) error {
		if tag != string(wire.TokenOK) {
			return c.decode(wc, tag)
		}
		if out == nil {
			var discard any
			out = &discard
		}
		if err := wc.RecvValue(out); err != nil {
			return c.protocol(ctx, "read "+req.Command+" result", err)
		}
		return nil
	})
}

// Ping returns the daemon's identity.
func (c *Client) Ping(ctx context.Context) (wire.ServerInfo, error) {
	var info wire.ServerInfo
	err := c.result(ctx, wire.Request{Command: wire.CmdPing}, nil, &info)
	return info, err
}

// List returns the status of every installed container.
func (c *Client) List(ctx context.Context) ([]wire.ContainerStatus, error) {
	var list []wire.ContainerStatus
	err := c.result(ctx, wire.Request{Command: wire.CmdList}, nil, &list)
	return list, err
}

// Status returns the status of one container.
func (c *Client) Status(ctx context.Context, name string) (wire.ContainerStatus, error) {
	var st wire.ContainerStatus
	err := c.result(ctx, wire.Request{Command: wire.CmdStatus, Args: []string{name}}, nil, &st)
	return st, err
}

// Running reports whether the container is up.
func (c *Client) Running(ctx context.Context, name string) (bool, error) {
	var running bool
	req := wire.Request{Command: wire.CmdRunning, Args: []string{name}}
	err := c.roundTrip(ctx, req, nil, func(wc *wire.Conn, tag string) error {
		switch tag {
		case string(wire.TokenYes):
			running = true
			return nil
		case string(wire.TokenNo):
			return nil
		default:
			return c.decode(wc, tag)
		}
	})
	return running, err
}

// Start boots the container and returns its SSH port. onBegin, if set, is
// called once the daemon has accepted the request and the boot is under way.
func (c *Client) Start(ctx context.Context, name string, onBegin func()) (int, error) {
	if onBegin == nil {
		onBegin = func() {}
	}
	var res wire.StartResult
	err := c.result(ctx, wire.Request{Command: wire.CmdStart, Args: []string{name}}, onBegin, &res)
	return res.Port, err
}

// Stop powers the container off.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.result(ctx, wire.Request{Command: wire.CmdStop, Args: []string{name}}, nil, nil)
}

// Port returns the SSH port of a running container.
func (c *Client) Port(ctx context.Context, name string) (int, error) {
	var res wire.StartResult
	err := c.result(ctx, wire.Request{Command: wire.CmdPort, Args: []string{name}}, nil, &res)
	return res.Port, err
}

// Run executes command in the container.
func (c *Client) Run(ctx context.Context, name string, command []string) (wire.CommandResult, error) {
	var res wire.CommandResult
	req := wire.Request{Command: wire.CmdRun, Args: append([]string{name}, command...)}
	err := c.result(ctx, req, nil, &res)
	return res, err
}

// Put copies an absolute host path into the container.
func (c *Client) Put(ctx context.Context, name, hostPath, guestPath string) error {
	req := wire.Request{Command: wire.CmdPut, Args: []string{name, hostPath, guestPath}}
	return c.result(ctx, req, nil, nil)
}

// Get copies a guest file to an absolute host path.
func (c *Client) Get(ctx context.Context, name, guestPath, hostPath string) error {
	req := wire.Request{Command: wire.CmdGet, Args: []string{name, guestPath, hostPath}}
	return c.result(ctx, req, nil, nil)
}

// Shutdown asks the daemon to stop every container and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.result(ctx, wire.Request{Command: wire.CmdShutdown}, nil, nil)
}
