// Package cli implements rtcr, the orchestrator-side command line for a
// running rtcrd.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/config"
	"github.com/nixpig/rtcr/internal/logging"
	"github.com/nixpig/rtcr/internal/rpc"
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "rtcr",
		Short:        "Inspect and steer a running rtcr daemon",
		Long:         "Inspect and steer a running rtcr daemon: list intercepted sessions, snapshot their ledgers and toggle the bootstrap phase.",
		Version:      "0.0.1",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logFile, _ := cmd.Flags().GetString("log")
			debug, _ := cmd.Flags().GetBool("debug")
			logFormat, _ := cmd.Flags().GetString("log-format")

			w := io.Discard
			if logFile != "" {
				f, err := logging.OpenLogFile(logFile)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to open log file '%s': %s\n", logFile, err)
				} else {
					w = f
				}
			}

			slog.SetDefault(logging.NewLogger(w, debug, logFormat))

			return nil
		},
	}

	cmd.AddCommand(
		sessionsCmd(),
		snapshotCmd(),
		bootstrapCmd(),
		createCmd(),
		upgradeCmd(),
		destroyCmd(),
	)

	cmd.PersistentFlags().StringP("socket", "s", config.DefaultSocket, "UNIX socket of the rtcr daemon")
	cmd.PersistentFlags().StringP("log", "l", "", "destination to write logs")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().StringP("log-format", "", "text", "log format (json | text)")

	cmd.CompletionOptions.HiddenDefaultCmd = true

	return cmd
}

// dial connects to the daemon named by the --socket flag.
func dial(cmd *cobra.Command) (*rpc.Client, error) {
	socket, _ := cmd.Flags().GetString("socket")

	client, err := rpc.Dial(socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	return client, nil
}

// resolveSession accepts a session capability badge, optionally written as
// cap<N>, or a session ID.
func resolveSession(ctx context.Context, client *rpc.Client, arg string) (capability.Cap, error) {
	num := strings.TrimSuffix(strings.TrimPrefix(arg, "cap<"), ">")

	if badge, err := strconv.ParseUint(num, 10, 64); err == nil {
		return capability.Cap{Badge: capability.Badge(badge)}, nil
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return capability.Invalid, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, s := range sessions {
		if s.ID == arg {
			return s.Cap(), nil
		}
	}

	return capability.Invalid, fmt.Errorf("no session with id or capability %q", arg)
}
