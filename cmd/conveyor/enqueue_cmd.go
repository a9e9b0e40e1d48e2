package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asqrzk/conveyor/engine"
	"github.com/asqrzk/conveyor/envelope"
)

func newEnqueueCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <action> [json-payload]",
		Short: "Publish an envelope onto a queue",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := envelope.ParseAction(args[1])
			if err != nil {
				return err
			}
			payload := json.RawMessage("{}")
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}

			flags := cmd.Flags()
			var opts []envelope.Option
			if v, _ := flags.GetString("correlation-id"); v != "" {
				opts = append(opts, envelope.WithCorrelationID(v))
			}
			if v, _ := flags.GetString("idempotency-key"); v != "" {
				opts = append(opts, envelope.WithIdempotencyKey(v))
			}
			if flags.Changed("max-attempts") {
				n, _ := flags.GetInt("max-attempts")
				opts = append(opts, envelope.WithMaxAttempts(n))
			}

			logger, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), logger, func(eng *engine.Engine, _ *backend) error {
				e, err := eng.Enqueue(cmd.Context(), args[0], action, payload, opts...)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), e.ID)
				return err
			})
		},
	}
	flags := cmd.Flags()
	flags.String("correlation-id", "", "correlation id carried through logs")
	flags.String("idempotency-key", "", "key handlers use to recognise repeats")
	flags.Int("max-attempts", 0, "per-envelope retry budget overriding the queue policy")
	return cmd
}
