package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/avennor/ensemble/internal/agent"
	"github.com/avennor/ensemble/internal/debuglog"
	"github.com/avennor/ensemble/internal/definitions"
	"github.com/avennor/ensemble/internal/engine"
	"github.com/avennor/ensemble/internal/logging"
	"github.com/avennor/ensemble/internal/schedule"
	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/internal/streaming"
	"github.com/avennor/ensemble/internal/validation"
	"github.com/avennor/ensemble/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ensemble:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout belongs to the MCP stdio transport; logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	validator, err := validation.NewPayloadValidator()
	if err != nil {
		return fmt.Errorf("compile definition schema: %w", err)
	}
	defs := definitions.NewStore(db, validator, logger)

	n, err := defs.Reload(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	logger.Info("definitions loaded", slog.Int("count", n))

	invoker := agent.NewProcInvoker(logger)
	defer invoker.Shutdown()

	// Seed file: a definition payload ingested at boot; its agent specs
	// are launched as subprocess executors.
	if cfg.SeedFile != "" {
		payload, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		agents, updated, err := defs.ParsePayload(ctx, payload)
		if err != nil {
			return fmt.Errorf("ingest seed file: %w", err)
		}
		logger.Info("seed definitions ingested", slog.Int("workflows", len(updated)))
		for _, spec := range agents {
			if spec.Command == "" {
				continue
			}
			if err := invoker.Launch(ctx, spec); err != nil {
				logger.Warn("failed to launch agent",
					slog.String("agent", spec.Name), slog.String("error", err.Error()))
			}
		}
	}

	hub := streaming.NewMemoryHub()
	emitter := streaming.NewEmitter(hub, db, logger)
	registry := engine.NewRegistry(db, logger)
	if restored, err := registry.LoadAll(ctx); err != nil {
		logger.Warn("failed to restore instances", slog.String("error", err.Error()))
	} else {
		logger.Info("instances restored", slog.Int("count", restored))
	}

	debug := debuglog.NewWriter(cfg.DebugLogDir, logger)
	eng := engine.New(defs, registry, invoker, emitter, debug, logger)

	if cfg.EnableSchedule {
		sched := schedule.NewScheduler(db, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start schedule loop: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewEnsembleServer(mcp.EnsembleServerDeps{
		Engine: eng,
		Hub:    hub,
		Store:  db,
		Logger: logger,
	})

	logger.Info("ensemble server listening on stdio", slog.String("db", cfg.DBPath))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}

	// Let in-flight instances settle before the store closes.
	eng.Wait()
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
