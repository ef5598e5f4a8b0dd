package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	hostkitCommand := newCommand(globalFlags)

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createExecCommand(hostkitCommand, &ExecFlags{}),
		createRegisterCommand(hostkitCommand),
		createUnregisterCommand(hostkitCommand),
		createServicesCommand(hostkitCommand),
		createPsCommand(hostkitCommand, &PsFlags{}),
		createKillCommand(hostkitCommand, &KillFlags{}),
		createGetCommand(hostkitCommand),
		createSetCommand(hostkitCommand),
		createDelCommand(hostkitCommand),
		createServeCommand(hostkitCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "hostkit",
		Short: "Registry-backed service launcher and process tracker",
		Long: `Hostkit keeps service definitions, tracking markers and an activity log
in a directory-backed registry, and launches registered services as detached
processes that are tracked until they exit.

Examples:
  hostkit register web python -m http.server
  hostkit exec web 8000
  hostkit ps
  hostkit serve --config hostkit.toml
  hostkit kill 4242 --api-url=http://127.0.0.1:8088/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "remote server URL (e.g. http://host:8088/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createExecCommand(hostkitCommand command, flags *ExecFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <service> [args...]",
		Short: "Launch a registered service",
		Long: `Launch the command registered for a service with the given arguments
appended. The process runs detached and is tracked by a marker under
processes/ until it exits.

Without --detach the command waits for the process and removes its marker
when it exits; SIGINT, SIGTERM or --timeout force-kill it first.

Arguments that start with a dash go after a -- separator so they are passed
to the service instead of being read as hostkit flags.

Examples:
  hostkit exec echo hello
  hostkit exec echo -- -n hello
  hostkit exec web 8000 --detach
  hostkit exec web 8000 --api-url=http://127.0.0.1:8088/api`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Exec(cmd.Context(), args[0], args[1:], *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Detach, "detach", false, "return immediately and leave the process running")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "kill the process after this long (0 waits forever)")
	addRemoteFlags(cmd, &flags.RemoteFlags)
	return cmd
}

func createRegisterCommand(hostkitCommand command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <service> <command...>",
		Short: "Register or replace a service command",
		Long: `Register or replace the command template of a service. Everything after
the service name is the template, dashes included, so global flags such as
--config must come before <service>.`,
		Example: `  hostkit register echo echo
  hostkit register web python -m http.server`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Register(cmd.Context(), args[0], args[1:])
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func createUnregisterCommand(hostkitCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <service>",
		Short: "Remove a service definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Unregister(cmd.Context(), args[0])
		},
	}
}

func createServicesCommand(hostkitCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List registered services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Services(cmd.Context())
		},
	}
}

func createPsCommand(hostkitCommand command, flags *PsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List tracking markers and whether their processes are alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Ps(cmd.Context(), *flags)
		},
	}
	addRemoteFlags(cmd, &flags.RemoteFlags)
	return cmd
}

func createKillCommand(hostkitCommand command, flags *KillFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <pid>",
		Short: "Force-kill a process tracked by a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			return hostkitCommand.Kill(pid, *flags)
		},
	}
	addRemoteFlags(cmd, &flags.RemoteFlags)
	return cmd
}

func createGetCommand(hostkitCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a kv entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Get(cmd.Context(), args[0])
		},
	}
}

func createSetCommand(hostkitCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a kv entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Set(cmd.Context(), args[0], args[1])
		},
	}
}

func createDelCommand(hostkitCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a kv entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Del(cmd.Context(), args[0])
		},
	}
}

func createServeCommand(hostkitCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API over the registry and supervisor. Listen address, base
path and metrics come from the [server] and [metrics] sections of the config
or HOSTKIT_SERVER_LISTEN, HOSTKIT_SERVER_BASE_PATH and HOSTKIT_METRICS_ENABLED.
Processes launched through the server are killed when it stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostkitCommand.Serve(cmd.Context())
		},
	}
}
