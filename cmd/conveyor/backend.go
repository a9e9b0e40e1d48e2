package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/asqrzk/conveyor/engine"
	"github.com/asqrzk/conveyor/store"
	"github.com/asqrzk/conveyor/store/memory"
	redisstore "github.com/asqrzk/conveyor/store/redis"
)

// backend is an opened hot store together with whatever owns its
// connection.
type backend struct {
	store.Store
	close func() error
}

// Close releases the backend connection.
func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

type backendOpener func(ctx context.Context, url string, logger *slog.Logger) (*backend, error)

// openBackend opens the store named by url: redis://... or rediss://...
// for Redis, mem:// for a process-local store.
func openBackend(ctx context.Context, url string, logger *slog.Logger) (*backend, error) {
	switch {
	case strings.HasPrefix(url, "mem://"):
		s := memory.New()
		return &backend{Store: s, close: s.Close}, nil

	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse store url: %w", err)
		}
		client := goredis.NewClient(opts)
		s := redisstore.New(client, redisstore.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{Store: s, close: client.Close}, nil

	default:
		return nil, fmt.Errorf("unsupported store url %q (want redis:// or mem://)", url)
	}
}

// withEngine opens the backend and builds a producer-side engine over it
// for the duration of fn.
func (a *app) withEngine(ctx context.Context, logger *slog.Logger, fn func(*engine.Engine, *backend) error) error {
	cfg, err := a.engineConfig()
	if err != nil {
		return err
	}
	b, err := a.open(ctx, a.v.GetString("store"), logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("close store", slog.String("error", cerr.Error()))
		}
	}()

	eng, err := engine.New(b,
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithJobLog(b),
	)
	if err != nil {
		return err
	}
	return fn(eng, b)
}
