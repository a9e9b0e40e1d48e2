package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/asqrzk/conveyor/engine"
)

func newStatsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [queue]",
		Short: "Show list depths of the configured queues",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			peek, _ := cmd.Flags().GetInt("peek")

			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				ctx := cmd.Context()
				stats, err := eng.Stats(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tMAIN\tPROCESSING\tDELAYED\tFAILED")
				for _, st := range stats {
					if len(args) == 1 && st.Queue != args[0] {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Queue,
						humanize.Comma(st.Main),
						humanize.Comma(st.Processing),
						humanize.Comma(st.Delayed),
						humanize.Comma(st.Failed),
					)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				if peek <= 0 || len(args) == 0 {
					return nil
				}
				envs, err := eng.Manager().Peek(ctx, args[0], peek)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "\nnext %d on %s:\n", len(envs), args[0])
				for _, e := range envs {
					fmt.Fprintf(out, "  %s  %-14s attempts=%d  created %s\n",
						e.ID, e.Action, e.Attempts, humanize.Time(e.CreatedAt))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("peek", 0, "also list the next N envelopes of the named queue")
	return cmd
}
