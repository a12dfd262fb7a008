// Preview Machine - per-project ephemeral dev-server supervisor
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/preview-machine/internal/config"
	"github.com/workspace/preview-machine/internal/logging"
	"github.com/workspace/preview-machine/internal/machine"
)

func main() {
	// First call in main(), per the boot order spec.md §4.1 requires.
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	workspaceRoot := filepath.Join(os.TempDir(), "machine-workspace", cfg.ProjectID)

	m, err := machine.New(cfg, workspaceRoot)
	if err != nil {
		slog.Error("failed to construct machine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("machine run failed", "error", err)
		}
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig)
		cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := m.Stop(stopCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}

	slog.Info("Preview machine stopped")
}
