// Command tabflow moves tabular data units from a source into a repository
// through a field mapping.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tabflow/internal/app"
	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", "", "path to a .env file (default: ./.env when present)")
	once := flag.Bool("once", false, "run a single pass and exit")
	list := flag.Bool("list", false, "print the available source and repository types and exit")
	flag.Parse()

	if *list {
		fmt.Println("sources:     ", strings.Join(etl.SourceTags(), ", "))
		fmt.Println("repositories:", strings.Join(etl.RepositoryTags(), ", "))
		return 0
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", etl.ErrConfiguration, err)
		return 2
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Once: *once})
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 2
	}

	runErr := a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}

	switch {
	case runErr == nil:
		slog.Info("pipeline stopped")
		return 0
	case errors.Is(runErr, etl.ErrConfiguration):
		slog.Error("pipeline stopped", "error", runErr)
		return 2
	default:
		slog.Error("pipeline stopped", "error", runErr)
		return 1
	}
}
