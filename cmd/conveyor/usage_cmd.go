package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/asqrzk/conveyor/engine"
)

func newUsageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Check, consume and reset per-user feature counters",
	}
	cmd.AddCommand(
		newUsageUseCommand(a),
		newUsageCurrentCommand(a),
		newUsageResetCommand(a),
	)
	return cmd
}

func parseUser(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user id %q: %w", s, err)
	}
	return id, nil
}

func newUsageUseCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <user-id> <feature>",
		Short: "Atomically consume delta units if the limit allows it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(args[0])
			if err != nil {
				return err
			}
			delta, _ := cmd.Flags().GetInt64("delta")
			limit, _ := cmd.Flags().GetInt64("limit")

			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				res, err := eng.Use(cmd.Context(), userID, args[1], delta, limit)
				if err != nil {
					return err
				}
				verdict := "allowed"
				if !res.Allowed {
					verdict = "rejected"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s/%s used, %s remaining, resets %s\n",
					verdict,
					humanize.Comma(res.Usage),
					humanize.Comma(res.Limit),
					humanize.Comma(res.Remaining),
					humanize.Time(res.ResetAt),
				)
				return res.Err()
			})
		},
	}
	cmd.Flags().Int64("delta", 1, "units to consume")
	cmd.Flags().Int64("limit", 0, "period limit of the user's plan")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func newUsageCurrentCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "current <user-id> <feature>",
		Short: "Show the effective counter of the current period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(args[0])
			if err != nil {
				return err
			}
			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				c, err := eng.Limiter().Current(cmd.Context(), userID, args[1])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s used, resets %s\n",
					humanize.Comma(c.Count), c.ResetAt.Format("2006-01-02"))
				return err
			})
		},
	}
}

func newUsageResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id> <feature>",
		Short: "Zero a counter and start a new period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(args[0])
			if err != nil {
				return err
			}
			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				if err := eng.Limiter().Reset(cmd.Context(), userID, args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "reset")
				return err
			})
		},
	}
}
