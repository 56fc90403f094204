package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func bootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap [flags] on|off",
		Short: "Enter or leave the bootstrap phase",
		Long: "Enter or leave the bootstrap phase. Every resource recorded while the " +
			"phase is on is tagged as bootstrapped in the ledgers.",
		Example:   "  rtcr bootstrap on",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var active bool
			switch args[0] {
			case "on":
				active = true
			case "off":
				active = false
			default:
				return fmt.Errorf("invalid phase %q (on | off)", args[0])
			}

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			prev, err := client.SetBootstrap(cmd.Context(), active)
			if err != nil {
				return fmt.Errorf("failed to set bootstrap phase: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "bootstrap: %s -> %s\n", phaseName(prev), phaseName(active))

			return nil
		},
	}

	return cmd
}

func phaseName(active bool) string {
	if active {
		return "on"
	}
	return "off"
}
