package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/emergence-labs/agora/pkg/kernel"
	"github.com/emergence-labs/agora/pkg/observability"
)

// runCheckpointCmd implements `agora checkpoint`: boot the world offline
// (restore the newest checkpoint, run genesis, start no loops), archive one
// checkpoint, and exit. Useful for sealing a data directory or migrating
// archives between backends.
func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		reason     string
	)
	cmd.StringVar(&configPath, "config", "", "Path to agora.yaml (defaults + env when empty)")
	cmd.StringVar(&reason, "reason", "manual", "Reason recorded in the checkpoint document")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	ctx := context.Background()
	k, err := kernel.New(ctx, cfg, kernel.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: assemble kernel: %v\n", err)
		return 2
	}
	if err := k.Boot(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: boot world: %v\n", err)
		_ = k.Close(ctx)
		return 2
	}
	name, err := k.Checkpoint(ctx, reason)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: checkpoint: %v\n", err)
		_ = k.Close(ctx)
		return 2
	}
	if err := k.Close(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Close finished with errors: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "✅ checkpoint archived: %s\n", name)
	return 0
}
