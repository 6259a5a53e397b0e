// Package server is the daemon side of the CLI protocol. It accepts one
// request per connection on a unix socket and answers it with a token, a
// result or an error tag.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

const (
	// readTimeout bounds the wait for the request and for a CONT.
	readTimeout = 30 * time.Second
	// writeTimeout bounds each response frame.
	writeTimeout = 10 * time.Second
)

// ErrAlreadyRunning is returned by Serve when another daemon owns the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// Containers is what the server exposes over the socket.
type Containers interface {
	List(ctx context.Context) ([]wire.ContainerStatus, error)
	Status(ctx context.Context, name string) (wire.ContainerStatus, error)
	Running(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) (int, error)
	Stop(ctx context.Context, name string) error
	Port(ctx context.Context, name string) (int, error)
	Run(ctx context.Context, name, command string) (wire.CommandResult, error)
	Put(ctx context.Context, name, hostPath, guestPath string) error
	Get(ctx context.Context, name, guestPath, hostPath string) error
}

// Config configures the server.
type Config struct {
	SocketPath string
	Version    string
}

// handlerFunc answers one request. Returning an error sends its wire form
// instead of a success response, so a handler returns errors only before
// it has replied.
type handlerFunc func(ctx context.Context, c *call) error

// Server serves the CLI protocol.
type Server struct {
	cfg        Config
	containers Containers
	logger     *slog.Logger
	startedAt  time.Time
	handlers   map[string]handlerFunc

	shutdown     chan struct{}
	shutdownOnce sync.Once
	conns        sync.WaitGroup
}

// New creates a server.
func New(cfg Config, containers Containers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		containers: containers,
		logger:     logger.With("component", "server"),
		startedAt:  time.Now().UTC(),
		shutdown:   make(chan struct{}),
	}
	s.handlers = map[string]handlerFunc{
		wire.CmdPing:     s.handlePing,
		wire.CmdList:     s.handleList,
		wire.CmdStatus:   s.handleStatus,
		wire.CmdRunning:  s.handleRunning,
		wire.CmdStart:    s.handleStart,
		wire.CmdStop:     s.handleStop,
		wire.CmdPort:     s.handlePort,
		wire.CmdRun:      s.handleRun,
		wire.CmdPut:      s.handlePut,
		wire.CmdGet:      s.handleGet,
		wire.CmdShutdown: s.handleShutdown,
	}
	return s
}

// Shutdown stops accepting connections. Serve returns once in-flight
// requests are answered.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// ShutdownRequested is closed when a client asked the daemon to exit.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Serve listens on the socket and handles connections until ctx is
// cancelled or Shutdown is called. The socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(s.cfg.SocketPath) }()

	s.logger.Info("listening", "socket", s.cfg.SocketPath)

	g, gctx := errgroup.WithContext(ctx)

	// Unblock Accept on cancellation or shutdown.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
		}
		_ = ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				s.logger.Error("accept failed", "error", err)
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}

			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handleConn(ctx, conn)
			}()
		}
	})

	err = g.Wait()
	s.conns.Wait()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) listen() (net.Listener, error) {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
			_ = c.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
		}
		s.logger.Info("removing stale socket", "socket", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	logger := s.logger
	if pid, uid, ok := peerCred(conn); ok {
		logger = logger.With("peer_pid", pid, "peer_uid", uid)
	}

	c := &call{conn: conn, wc: wire.NewConn(conn)}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	req, err := c.wc.RecvRequest()
	if err != nil {
		logger.Debug("read request failed", "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.req = req

	logger = logger.With("command", req.Command)
	logger.Debug("request received", "args", req.Args)

	h, ok := s.handlers[req.Command]
	if !ok {
		err = errdefs.UnknownRequest(req.String())
	} else {
		err = h(ctx, c)
	}
	if err == nil {
		return
	}

	if errdefs.IsProtocol(err) {
		logger.Debug("connection dropped", "error", err)
		return
	}

	wireErr := errdefs.FromError(err)
	if wireErr.Kind == errdefs.KindException {
		logger.Error("request failed", "request", req.String(), "error", err)
	} else {
		logger.Info("request refused", "request", req.String(), "error", err)
	}

	_ = conn.SetDeadline(time.Now().Add(readTimeout))
	if err := errdefs.Encode(c.wc, wireErr); err != nil {
		logger.Debug("send error failed", "error", err)
	}
}

// peerCred reports the process on the other end of a unix connection.
func peerCred(conn net.Conn) (pid int32, uid uint32, ok bool) {
	uc, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return 0, 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, false
	}
	var cred *unix.Ucred
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || err != nil {
		return 0, 0, false
	}
	return cred.Pid, cred.Uid, true
}

// call is one request in progress.
type call struct {
	conn net.Conn
	wc   *wire.Conn
	req  wire.Request
}

// args returns the request arguments if there are exactly n of them, or at
// least n when variadic is set.
func (c *call) args(n int, variadic bool) ([]string, error) {
	got := len(c.req.Args)
	if got == n || (variadic && got > n) {
		return c.req.Args, nil
	}
	return nil, errdefs.UnknownRequest(c.req.String())
}

func (c *call) name() (string, error) {
	args, err := c.args(1, false)
	if err != nil {
		return "", err
	}
	return args[0], nil
}

func (c *call) write(fn func() error) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := fn(); err != nil {
		return &errdefs.ProtocolError{Op: "reply", Err: err}
	}
	return nil
}

// reply sends OK and the encoded result.
func (c *call) reply(v any) error {
	return c.write(func() error {
		if err := c.wc.OK(); err != nil {
			return err
		}
		return c.wc.SendValue(v)
	})
}

func (c *call) answer(yes bool) error {
	if yes {
		return c.write(c.wc.Yes)
	}
	return c.write(c.wc.No)
}

func (c *call) begin() error {
	return c.write(c.wc.Begin)
}

func (s *Server) handlePing(_ context.Context, c *call) error {
	if _, err := c.args(0, false); err != nil {
		return err
	}
	return c.reply(wire.ServerInfo{
		Version:   s.cfg.Version,
		PID:       os.Getpid(),
		StartedAt: s.startedAt,
	})
}

func (s *Server) handleList(ctx context.Context, c *call) error {
	if _, err := c.args(0, false); err != nil {
		return err
	}
	list, err := s.containers.List(ctx)
	if err != nil {
		return err
	}
	return c.reply(list)
}

func (s *Server) handleStatus(ctx context.Context, c *call) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	st, err := s.containers.Status(ctx, name)
	if err != nil {
		return err
	}
	return c.reply(st)
}

func (s *Server) handleRunning(ctx context.Context, c *call) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	running, err := s.containers.Running(ctx, name)
	if err != nil {
		return err
	}
	return c.answer(running)
}

func (s *Server) handleStart(ctx context.Context, c *call) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	if err := c.begin(); err != nil {
		return err
	}
	port, err := s.containers.Start(ctx, name)
	if err != nil {
		return err
	}
	return c.reply(wire.StartResult{Port: port})
}

func (s *Server) handleStop(ctx context.Context, c *call) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	if err := s.containers.Stop(ctx, name); err != nil {
		return err
	}
	return c.reply(nil)
}

func (s *Server) handlePort(ctx context.Context, c *call) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	port, err := s.containers.Port(ctx, name)
	if err != nil {
		return err
	}
	return c.reply(wire.StartResult{Port: port})
}

func (s *Server) handleRun(ctx context.Context, c *call) error {
	args, err := c.args(2, true)
	if err != nil {
		return err
	}
	res, err := s.containers.Run(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return c.reply(res)
}

func (s *Server) handlePut(ctx context.Context, c *call) error {
	args, err := c.args(3, false)
	if err != nil {
		return err
	}
	if err := s.containers.Put(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	return c.reply(nil)
}

func (s *Server) handleGet(ctx context.Context, c *call) error {
	args, err := c.args(3, false)
	if err != nil {
		return err
	}
	if err := s.containers.Get(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	return c.reply(nil)
}

func (s *Server) handleShutdown(_ context.Context, c *call) error {
	if _, err := c.args(0, false); err != nil {
		return err
	}
	err := c.reply(nil)
	s.logger.Info("shutdown requested")
	s.Shutdown()
	return err
}
