package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmcdo/jabberwocky-container-manager/internal/client"
	"github.com/dmcdo/jabberwocky-container-manager/internal/container"
)

var installCmd = &cobra.Command{
	Use:   "install NAME IMAGE",
	Short: "Install a container from a disk image",
	Long:  "Create the container directory with its manifest and SSH key pair. The daemon is not involved.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		memory, _ := cmd.Flags().GetInt("memory")
		vcpus, _ := cmd.Flags().GetInt("vcpus")

		m, err := container.Install(e.layout, args[0], args[1], container.InstallOptions{
			Username: user,
			Password: password,
			MemoryMB: memory,
			VCPUs:    vcpus,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Installed %s from %s\n", render(nameStyle, m.Name), m.Image)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Boot a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		name := args[0]
		port, err := e.client.Start(cmd.Context(), name, func() {
			fmt.Println(render(dimStyle, "Booting "+name+"..."))
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s is %s, ssh port %d\n", render(nameStyle, name), render(runningStyle, "running"), port)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Power a container off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		if err := e.client.Stop(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s stopped\n", render(nameStyle, args[0]))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show the state of a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		st, err := e.client.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(os.Stdout, st)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List installed containers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		list, err := e.client.List(cmd.Context())
		if err != nil {
			return err
		}
		printList(os.Stdout, list)
		return nil
	},
}

var portCmd = &cobra.Command{
	Use:   "port NAME",
	Short: "Print the SSH port of a running container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		port, err := e.client.Port(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(port)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run NAME -- COMMAND [ARGS...]",
	Short: "Run a command in a container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		res, err := e.client.Run(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			return &exitCodeError{code: res.ExitCode}
		}
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put NAME HOST_PATH GUEST_PATH",
	Short: "Copy a file into a container",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostPath, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		return e.client.Put(cmd.Context(), args[0], hostPath, args[2])
	},
}

var getCmd = &cobra.Command{
	Use:   "get NAME GUEST_PATH HOST_PATH",
	Short: "Copy a file out of a container",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostPath, err := filepath.Abs(args[2])
		if err != nil {
			return err
		}
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		return e.client.Get(cmd.Context(), args[0], args[1], hostPath)
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop every container and the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		err = e.client.Shutdown(cmd.Context())
		if errors.Is(err, client.ErrServerUnavailable) {
			fmt.Println(render(dimStyle, "daemon is not running"))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("daemon shutting down")
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		info, err := e.client.Ping(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("jabberwocky-daemon %s, pid %d, up since %s\n",
			info.Version, info.PID, info.StartedAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}
