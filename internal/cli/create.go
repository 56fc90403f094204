package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "create [flags] ARGS",
		Short:   "Create an intercepted session",
		Example: `  rtcr create 'label="init -> sheep_counter", ram_quota=1M, cap_quota=50'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			c, err := client.CreateSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), c.Badge)

			return nil
		},
	}

	return cmd
}

func upgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "upgrade [flags] SESSION ARGS",
		Short:   "Upgrade the quotas of a session",
		Example: "  rtcr upgrade 12 'ram_quota=64K'",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			c, err := resolveSession(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}

			if err := client.UpgradeSession(cmd.Context(), c, args[1]); err != nil {
				return fmt.Errorf("failed to upgrade session: %w", err)
			}

			return nil
		},
	}

	return cmd
}
