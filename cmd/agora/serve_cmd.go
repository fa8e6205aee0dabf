package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/emergence-labs/agora/pkg/kernel"
	"github.com/emergence-labs/agora/pkg/observability"
)

// runServeCmd implements `agora serve`: boot the kernel, run genesis, start
// the loops, and run until SIGINT or SIGTERM. Shutdown archives a final
// checkpoint before the process exits.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	configPath := cmd.String("config", "", "Path to agora.yaml (defaults + env when empty)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, cfg, kernel.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: assemble kernel: %v\n", err)
		return 2
	}
	if err := k.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: start world: %v\n", err)
		_ = k.Shutdown(context.Background())
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%sagora %s%s serving; ctrl+c to stop\n",
		ColorBold+ColorBlue, kernel.Version, ColorReset)
	<-ctx.Done()
	stop()
	logger.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown())
	defer cancel()
	if err := k.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Shutdown finished with errors: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "world checkpointed and stopped")
	return 0
}
