// Command jabberwocky is the CLI for the jabberwocky container manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmcdo/jabberwocky-container-manager/internal/client"
	"github.com/dmcdo/jabberwocky-container-manager/internal/config"
	"github.com/dmcdo/jabberwocky-container-manager/internal/paths"
)

var version = "dev"

const daemonName = "jabberwocky-daemon"

var (
	cfgFile string
	verbose bool
)

// exitCodeError ends the process with a code and no message.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "jabberwocky",
	Short:         "Manage lightweight QEMU containers",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/jabberwocky/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	installCmd.Flags().String("user", "", "guest login user (default from config)")
	installCmd.Flags().String("password", "", "guest login password (default from config)")
	installCmd.Flags().Int("memory", 0, "memory in MB (default from config)")
	installCmd.Flags().Int("vcpus", 0, "number of vCPUs (default from config)")

	rootCmd.AddCommand(installCmd, startCmd, stopCmd, statusCmd, listCmd, portCmd,
		runCmd, putCmd, getCmd, shutdownCmd, pingCmd)
}

// env is what every command needs: the layout, the config and a client.
type env struct {
	layout paths.Layout
	cfg    *config.Config
	client *client.Client
}

func loadEnv() (*env, error) {
	osEnv, err := paths.EnvFromOS()
	if err != nil {
		return nil, err
	}
	layout, err := paths.Resolve(osEnv)
	if err != nil {
		return nil, err
	}

	path := cfgFile
	if path == "" {
		path = layout.ConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var daemonCmd []string
	if bin := daemonBinary(); bin != "" {
		daemonCmd = []string{bin}
		if cfgFile != "" {
			daemonCmd = append(daemonCmd, "--config", cfgFile)
		}
	}

	c := client.New(client.Options{
		SocketPath:     cfg.SocketPath(layout),
		DaemonLog:      layout.DaemonLog(),
		DaemonCommand:  daemonCmd,
		StartupTimeout: cfg.Server.StartupTimeout,
	}, slog.Default())

	return &env{layout: layout, cfg: cfg, client: c}, nil
}

// connect loads the environment and makes sure the daemon is up.
func connect(ctx context.Context) (*env, error) {
	e, err := loadEnv()
	if err != nil {
		return nil, err
	}
	if err := e.client.EnsureServer(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// daemonBinary prefers the daemon installed next to this executable.
func daemonBinary() string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), daemonName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if p, err := exec.LookPath(daemonName); err == nil {
		return p
	}
	return ""
}
