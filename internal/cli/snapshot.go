package cli

import (
	"encoding/json"
	"fmt"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/spf13/cobra"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot [flags] [SESSION]",
		Short: "Print the ledgers of one or all sessions as JSON",
		Example: `  # Snapshot every session
  rtcr snapshot

  # Snapshot the session with capability 12
  rtcr snapshot 12`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			target := capability.Invalid
			if len(args) == 1 {
				target, err = resolveSession(cmd.Context(), client, args[0])
				if err != nil {
					return err
				}
			}

			snaps, err := client.Snapshot(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("failed to snapshot: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if err := enc.Encode(snaps); err != nil {
				return fmt.Errorf("failed to print snapshot: %w", err)
			}

			return nil
		},
	}

	return cmd
}
