package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/asqrzk/conveyor/engine"
	"github.com/asqrzk/conveyor/joblog"
	"github.com/asqrzk/conveyor/store/postgres"
	"github.com/asqrzk/conveyor/usage"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the maintenance loops and the usage sync worker",
		Long: `serve runs the delayed-envelope pump, the orphan sweeper and the queue
health monitor over every configured queue. With --postgres-dsn it also
migrates the durable schema, consumes q:sub:usage_sync into user_usage,
mirrors the job log into Postgres and rolls expired usage rows over.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), cmd)
		},
	}

	flags := cmd.Flags()
	flags.Int("concurrency", 0, "claim loops per queue (0 keeps the configured value)")
	flags.Duration("shutdown-timeout", 0, "time to drain in-flight envelopes on shutdown (0 keeps the configured value)")
	flags.Int64("high-water-mark", 0, "main-list depth that triggers a health warning (0 keeps the configured value)")
	flags.String("metrics-listen", "", "Prometheus scrape address, e.g. :9464 (empty disables)")
	flags.Bool("log-jobs", false, "also write every job transition to the process log")
	flags.Duration("usage-reset-interval", time.Hour, "how often expired durable usage rows are rolled over (0 disables)")
	for _, name := range []string{"concurrency", "shutdown-timeout", "high-water-mark", "metrics-listen", "log-jobs", "usage-reset-interval"} {
		a.bindFlag(flags, name)
	}
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command) error {
	logger, err := a.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, err := a.engineConfig()
	if err != nil {
		return err
	}

	b, err := a.open(ctx, a.v.GetString("store"), logger)
	if err != nil {
		return err
	}
	defer b.Close()

	opts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithJobLog(b),
	}
	if a.v.GetBool("log-jobs") {
		opts = append(opts, engine.WithJobLog(joblog.LogSink(logger)))
	}

	var pg *postgres.Store
	if dsn := a.v.GetString("postgres-dsn"); dsn != "" {
		pg, err = postgres.New(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, engine.WithUsageStore(pg), engine.WithJobLog(pg))
	}

	if listen := a.v.GetString("metrics-listen"); listen != "" {
		tel, err := startTelemetry(listen, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
			}
		}()
		opts = append(opts, engine.WithMeterProvider(tel.provider))
	}

	eng, err := engine.New(b, opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if pg != nil {
		go resetExpiredLoop(ctx, pg, a.v.GetDuration("usage-reset-interval"), logger)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	return eng.Stop(context.Background())
}

// resetExpiredLoop rolls durable usage rows whose period ended into the
// next period.
func resetExpiredLoop(ctx context.Context, store usage.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := usage.ResetExpired(ctx, store, time.Now().UTC())
			if err != nil {
				logger.Error("reset expired usage", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("expired usage rows reset", slog.Int64("rows", n))
			}
		}
	}
}
