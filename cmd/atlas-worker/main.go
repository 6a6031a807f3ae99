// atlas-worker is the subprocess side of the worker pool. It speaks the
// framed command/event protocol over stdin/stdout and writes logs to
// stderr so the pipe stays clean.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	atlas "github.com/nevindra/atlas"
	"github.com/nevindra/atlas/internal/config"
	"github.com/nevindra/atlas/provider/resolve"
	"github.com/nevindra/atlas/store/postgres"
	"github.com/nevindra/atlas/store/sqlite"
)

// stdio pairs the worker's read and write halves of the parent pipe.
type stdio struct {
	io.Reader
	io.Writer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "atlas-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(os.Getenv("ATLAS_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := resolve.Registry(providerConfigs(cfg))
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	limiter := atlas.NewLimiter(cfg.Resolver(), atlas.WithLimiterLogger(logger))

	engine := atlas.NewWorkerEngine(stdio{os.Stdin, os.Stdout}, store, registry, limiter,
		atlas.WithWorkerLogger(logger))
	return engine.Run(ctx, os.Stdin)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (atlas.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), nil
	case "", "sqlite":
		return sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func providerConfigs(cfg config.Config) []resolve.Config {
	out := make([]resolve.Config, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, resolve.Config{
			Provider:        p.Name,
			APIKey:          p.APIKey,
			BaseURL:         p.BaseURL,
			Models:          p.Models,
			ReasoningModels: p.ReasoningModels,
		})
	}
	return out
}
