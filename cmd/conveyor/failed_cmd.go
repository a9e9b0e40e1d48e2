package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/engine"
)

func newFailedCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "failed",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay failed envelopes",
	}
	cmd.AddCommand(newFailedListCommand(a), newFailedReplayCommand(a))
	return cmd
}

func newFailedListCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List failed entries of a queue, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				ctx := cmd.Context()
				total, err := eng.DLQ().Count(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := eng.DLQ().List(ctx, args[0], dlq.ListOpts{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s failed entries on %s\n", humanize.Comma(total), args[0])
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tACTION\tATTEMPTS\tREASON\tFAILED\tERROR")
				for _, e := range entries {
					id, action, attempts := "-", "-", "-"
					if e.Envelope != nil {
						id = e.Envelope.ID.String()
						action = e.Envelope.Action.String()
						attempts = fmt.Sprint(e.Envelope.Attempts)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						id, action, attempts, e.Reason, humanize.Time(e.FailedAt), e.Error)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries to show (0 shows all)")
	cmd.Flags().Int("offset", 0, "entries to skip")
	return cmd
}

func newFailedReplayCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <queue> [envelope-id]",
		Short: "Move failed envelopes back onto the main list with attempts reset",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 2) {
				return fmt.Errorf("give either an envelope id or --all")
			}
			var id uuid.UUID
			if len(args) == 2 {
				parsed, err := uuid.Parse(args[1])
				if err != nil {
					return fmt.Errorf("parse envelope id: %w", err)
				}
				id = parsed
			}
			limit, _ := cmd.Flags().GetInt("limit")

			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				ctx := cmd.Context()
				if all {
					n, err := eng.DLQ().ReplayAll(ctx, args[0], limit)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %s envelopes\n", humanize.Comma(int64(n)))
					return err
				}
				e, err := eng.DLQ().Replay(ctx, args[0], id)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", e.ID)
				return err
			})
		},
	}
	cmd.Flags().Bool("all", false, "replay every replayable entry")
	cmd.Flags().Int("limit", 0, "with --all, replay at most this many (0 means no limit)")
	return cmd
}
