package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/asqrzk/conveyor"
)

const (
	envPrefix      = "CONVEYOR"
	configFileName = "conveyor.yaml"
	defaultStore   = "redis://localhost:6379/0"
)

func submain(ctx context.Context) int {
	cmd := newRootCommand(openBackend)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app holds the state shared by every subcommand: the viper instance the
// flags, environment and config file are layered into, and the backend
// opener.
type app struct {
	v    *viper.Viper
	open backendOpener
}

func newApp(open backendOpener) *app {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return &app{v: v, open: open}
}

func newRootCommand(open backendOpener) *cobra.Command {
	a := newApp(open)

	cmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "conveyor runs and inspects the billing job queues and usage counters",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run maintenance loops and the usage sync worker against local Redis and Postgres
  conveyor serve --store redis://localhost:6379/0 --postgres-dsn postgres://localhost/billing

  # Publish a plan change
  conveyor enqueue q:sub:plan_change upgrade '{"subscription_id":"sub_1","new_plan_id":3}'

  # Inspect and replay failed envelopes
  conveyor failed list q:sub:plan_change
  conveyor failed replay q:sub:plan_change 6f1c...

  # Check and consume usage
  conveyor usage use 42 api_calls --delta 1 --limit 1000
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.loadConfigFile()
			return err
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to ./"+configFileName+" when present)")
	persistent.String("store", defaultStore, "queue backend URL (redis://host:port/db or mem:// for tests)")
	persistent.String("postgres-dsn", "", "Postgres connection string for the durable usage table and job log (optional)")
	persistent.String("log-level", "info", "log level (debug, info, warn, error)")
	persistent.String("log-format", "text", "log format (text or json)")

	for _, name := range []string{"config", "store", "postgres-dsn", "log-level", "log-format"} {
		a.bindFlag(persistent, name)
	}

	cmd.AddCommand(
		newServeCommand(a),
		newEnqueueCommand(a),
		newStatsCommand(a),
		newFailedCommand(a),
		newUsageCommand(a),
		newJobsCommand(a),
	)
	return cmd
}

func (a *app) bindFlag(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := a.v.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		cfgPath = configFileName
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// engineConfig layers the "engine" section of the config file over the
// defaults, then applies the flags and environment overrides that serve
// exposes.
func (a *app) engineConfig() (conveyor.Config, error) {
	cfg := conveyor.DefaultConfig()
	if a.v.IsSet("engine") {
		if a.v.IsSet("engine.queues") {
			cfg.Queues = nil
		}
		if err := a.v.UnmarshalKey("engine", &cfg); err != nil {
			return cfg, fmt.Errorf("parse engine config: %w", err)
		}
	}
	if a.v.IsSet("concurrency") {
		cfg.Concurrency = a.v.GetInt("concurrency")
	}
	if a.v.IsSet("shutdown-timeout") {
		cfg.ShutdownTimeout = a.v.GetDuration("shutdown-timeout")
	}
	if a.v.IsSet("high-water-mark") {
		cfg.HighWaterMark = a.v.GetInt64("high-water-mark")
	}
	return cfg, nil
}

func (a *app) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(a.v.GetString("log-level")))); err != nil {
		return nil, fmt.Errorf("parse log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch format := strings.ToLower(strings.TrimSpace(a.v.GetString("log-format"))); format {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log-format %q", format)
	}
	return slog.New(h).With(slog.String("app", "conveyor")), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
