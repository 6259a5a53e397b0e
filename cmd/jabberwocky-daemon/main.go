// Command jabberwocky-daemon owns the container VMs and serves the CLI over
// a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/dmcdo/jabberwocky-container-manager/internal/boot"
	"github.com/dmcdo/jabberwocky-container-manager/internal/config"
	"github.com/dmcdo/jabberwocky-container-manager/internal/container"
	"github.com/dmcdo/jabberwocky-container-manager/internal/httpapi"
	"github.com/dmcdo/jabberwocky-container-manager/internal/janitor"
	"github.com/dmcdo/jabberwocky-container-manager/internal/paths"
	"github.com/dmcdo/jabberwocky-container-manager/internal/portalloc"
	"github.com/dmcdo/jabberwocky-container-manager/internal/server"
	"github.com/dmcdo/jabberwocky-container-manager/internal/state"
	"github.com/dmcdo/jabberwocky-container-manager/internal/telemetry"
	"github.com/dmcdo/jabberwocky-container-manager/internal/vm"
)

var version = "0.1.0"

const sshDialTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		fmt.Fprintln(os.Stderr, "jabberwocky-daemon:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	flags := pflag.NewFlagSet("jabberwocky-daemon", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file")
	foreground := flags.Bool("foreground", false, "also log to stderr")
	logLevel := flags.String("log-level", "", "override log.level")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	env, err := paths.EnvFromOS()
	if err != nil {
		return err
	}
	layout, err := paths.Resolve(env)
	if err != nil {
		return err
	}
	if err := layout.Ensure(); err != nil {
		return err
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = layout.ConfigFile()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, closeLog, err := newLogger(layout.DaemonLog(), cfg.Log.Level, *foreground)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	// Ensure host ID
	if cfg.HostID == "" {
		cfg.HostID = uuid.NewString()
		if err := config.Save(cfgPath, cfg); err != nil {
			logger.Warn("save host ID failed", "error", err)
		}
		logger.Info("generated host ID", "host_id", cfg.HostID)
	}

	logger.Info("jabberwocky-daemon starting",
		"version", version,
		"host_id", cfg.HostID,
		"config", cfgPath,
		"pid", os.Getpid(),
	)

	// Initialize SQLite state store
	dbPath := cfg.DBPath(layout)
	st, err := state.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// VMs are children of the daemon; none survived the previous one.
	if n, err := st.RecoverState(ctx); err != nil {
		logger.Warn("state recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("reset containers left running by a previous daemon", "count", n)
	}
	logger.Info("state store initialized", "db_path", dbPath)

	vms, err := vm.NewManager(vm.Options{
		Binary:      cfg.QEMU.Binary,
		Accel:       cfg.QEMU.Accel,
		ImageFormat: cfg.QEMU.ImageFormat,
		ExtraArgs:   cfg.QEMU.ExtraArgs,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("vm manager initialized", "accel", vm.ResolveAccel(cfg.QEMU.Accel))

	engine := boot.NewEngine(portalloc.New(cfg.Ports.Lo, cfg.Ports.Hi), vms, boot.Config{
		LoginTimeout:   cfg.Boot.LoginTimeout,
		PromptTimeout:  cfg.Boot.PromptTimeout,
		LoginPrompt:    regexp.MustCompile(cfg.Boot.LoginPrompt),
		PasswordPrompt: regexp.MustCompile(cfg.Boot.PasswordPrompt),
		ShellPrompt:    regexp.MustCompile(cfg.Boot.ShellPrompt),
	}, logger)

	tele := telemetry.New(cfg.Telemetry, cfg.HostID)
	defer tele.Close()

	mgr := container.NewManager(layout, engine, st, container.SSHDialer(sshDialTimeout), tele, container.Options{
		Username:        cfg.Boot.Username,
		Password:        cfg.Boot.Password,
		MemoryMB:        cfg.QEMU.MemoryMB,
		VCPUs:           cfg.QEMU.VCPUs,
		KeyTimeout:      cfg.Boot.KeyTimeout,
		PoweroffTimeout: cfg.Boot.PoweroffTimeout,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jan := janitor.New(st, mgr, cfg.State.HistoryRetention, logger)
	go jan.Start(ctx, cfg.Janitor.Interval)

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(mgr, logger)
		go func() {
			if err := api.ListenAndServe(ctx, cfg.HTTP.ListenAddr); err != nil {
				logger.Error("http api error", "error", err)
			}
		}()
	}

	srv := server.New(server.Config{
		SocketPath: cfg.SocketPath(layout),
		Version:    version,
	}, mgr, logger)

	tele.Track(telemetry.EventDaemonStarted, map[string]any{"version": version})
	logger.Info("jabberwocky-daemon ready", "socket", cfg.SocketPath(layout))

	serveErr := srv.Serve(ctx)
	cancel()

	logger.Info("jabberwocky-daemon shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Boot.PoweroffTimeout+10*time.Second)
	defer stop()
	mgr.StopAll(shutdownCtx)
	if left := vms.List(); len(left) > 0 {
		logger.Warn("killing leftover vms", "count", len(left))
		if err := vms.KillAll(shutdownCtx); err != nil {
			logger.Error("kill vms", "error", err)
		}
	}

	return serveErr
}

// newLogger writes JSON logs to the daemon log, and to stderr in the
// foreground.
func newLogger(path, level string, foreground bool) (*slog.Logger, func(), error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open daemon log: %w", err)
	}

	var w io.Writer = f
	if foreground {
		w = io.MultiWriter(f, os.Stderr)
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	return logger, func() { _ = f.Close() }, nil
}
