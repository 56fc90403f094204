package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func destroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "destroy [flags] SESSION",
		Short:   "Destroy a session and release everything it holds",
		Example: "  rtcr destroy 12",
		Args:    cobra.ExactArgs(1),
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

			if err := client.DestroySession(cmd.Context(), c); err != nil {
				return fmt.Errorf("failed to destroy session: %w", err)
			}

			return nil
		},
	}

	return cmd
}
