package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions [flags]",
		Short:   "List intercepted sessions",
		Example: "  rtcr sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			sessions, err := client.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprint(w, "CAP\tID\tLABEL\tRAM\tCAPS\tCREATED\t\n")

			for _, s := range sessions {
				fmt.Fprintf(
					w,
					"%d\t%s\t%s\t%s / %s\t%d / %d\t%s\t\n",
					s.Badge,
					s.ID,
					s.Label,
					humanize.IBytes(uint64(s.UsedRAM)),
					humanize.IBytes(uint64(s.RAMQuota)),
					s.UsedCaps,
					s.CapQuota,
					humanize.Time(s.Created),
				)
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to print sessions: %w", err)
			}

			return nil
		},
	}

	return cmd
}
