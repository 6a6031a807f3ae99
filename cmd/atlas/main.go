package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	atlas "github.com/nevindra/atlas"
	"github.com/nevindra/atlas/ingest"
	"github.com/nevindra/atlas/internal/config"
	"github.com/nevindra/atlas/internal/server"
	"github.com/nevindra/atlas/observer"
	"github.com/nevindra/atlas/provider/resolve"
	"github.com/nevindra/atlas/store/postgres"
	"github.com/nevindra/atlas/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "atlas:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("ATLAS_CONFIG")
	cfg := config.Load(configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// 2. Providers
	registry, err := resolve.Registry(providerConfigs(cfg))
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	// 3. Observability
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.PricingOverrides())
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer shutdown(context.Background())
		wrapped := atlas.NewRegistry()
		for _, name := range registry.Names() {
			wrapped.Register(observer.WrapProvider(registry.Get(name), inst))
		}
		registry = wrapped
	}

	// 4. Core
	bus := atlas.NewBus(atlas.WithBusLogger(logger))
	limiter := atlas.NewLimiter(cfg.Resolver(), atlas.WithLimiterLogger(logger))

	dispatcherOpts := []atlas.DispatcherOption{
		atlas.WithDispatcherLogger(logger),
		atlas.WithDefaultModel(cfg.LLM.Provider, cfg.LLM.Model),
	}
	if cfg.Router.Enabled {
		dispatcherOpts = append(dispatcherOpts, atlas.WithRouter(atlas.StaticRouter{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
		}))
	}

	engine := atlas.NewEngine(store, bus, limiter, registry, atlas.WithEngineLogger(logger))
	defer engine.Shutdown(context.Background())
	dispatcherOpts = append(dispatcherOpts, atlas.WithEngine(engine))

	if cfg.Engine.Mode == "pool" {
		pool := atlas.NewPool(spawnWorker(cfg.Engine.WorkerBinary, configPath), store, bus,
			atlas.WithPoolSize(cfg.Engine.PoolSize),
			atlas.WithPoolLogger(logger))
		pool.Start(ctx)
		defer pool.Close()
		dispatcherOpts = append(dispatcherOpts, atlas.WithPool(pool))
	}

	dispatcher := atlas.NewDispatcher(store, bus, limiter, registry, dispatcherOpts...)
	versioner := atlas.NewVersioner(store, atlas.WithVersionerLogger(logger))

	// 5. File pipeline: conversion plus per-provider remote upload.
	fileOpts := []atlas.FilePipelineOption{
		atlas.WithFileLogger(logger),
		atlas.WithConverter(ingest.NewConverter()),
	}
	for _, name := range registry.Names() {
		if u, ok := registry.Get(name).(atlas.FileUploader); ok {
			fileOpts = append(fileOpts, atlas.WithUploader(name, u))
		}
	}
	files := atlas.NewFilePipeline(store, bus, cfg.Files.UploadDir, fileOpts...)

	terminals := atlas.NewTerminalManager(store.GetChatWorkspace, atlas.WithTerminalLogger(logger))
	defer terminals.Close()

	// 6. HTTP
	srv := server.New(store, bus, dispatcher, versioner, registry,
		server.WithLogger(logger),
		server.WithFilePipeline(files),
		server.WithTerminalManager(terminals))
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return srv.ListenAndServe(ctx, addr)
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

// spawnWorker launches the worker binary with a framed stdio pipe. The
// worker inherits the parent's config path.
func spawnWorker(binary, configPath string) atlas.SpawnFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		cmd := exec.Command(binary)
		cmd.Env = append(os.Environ(), "ATLAS_CONFIG="+configPath)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		return &procConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}

// procConn adapts a worker subprocess to the pool's pipe interface. Close
// kills the process; the pool treats a closed pipe as a worker loss.
type procConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *procConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *procConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *procConn) Close() error {
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
