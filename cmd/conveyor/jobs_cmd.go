package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/asqrzk/conveyor/engine"
)

func newJobsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show the most recent job log events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			return a.withEngine(cmd.Context(), logger, func(_ *engine.Engine, b *backend) error {
				events, err := b.RecentEvents(cmd.Context(), limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tQUEUE\tENVELOPE\tACTION\tSTATUS\tATTEMPTS\tERROR")
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						humanize.Time(ev.Timestamp), ev.Queue, ev.EnvelopeID, ev.Action,
						ev.Status, ev.Attempts, ev.Error)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("limit", 50, "maximum events to show")
	return cmd
}
