package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/genesis"
	"github.com/emergence-labs/agora/pkg/kernel"
)

const probeTimeout = 3 * time.Second

// runDoctorCmd implements `agora doctor`: configuration and environment
// diagnostics. Backends named in the config are probed with a short
// timeout; secrets are reported set or unset, never echoed.
//
// Exit codes:
//
//	0 = no check failed (warnings allowed)
//	1 = one or more checks failed
//	2 = usage error
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to agora.yaml (defaults + env when empty)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true
	add := func(name, status, detail string) {
		results = append(results, checkResult{name, status, detail})
		if status == "fail" {
			allOK = false
		}
	}

	add("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	cfg, err := loadConfig(configPath)
	if err != nil {
		add("config", "fail", err.Error())
	} else {
		source := configPath
		if source == "" {
			if _, statErr := os.Stat(defaultConfigFile); statErr == nil {
				source = defaultConfigFile
			} else {
				source = "defaults + environment"
			}
		}
		add("config", "ok", source)
	}

	if cfg != nil {
		if m, err := genesis.Load(cfg.Genesis.Manifest); err != nil {
			add("genesis_manifest", "fail", fmt.Sprintf("%s: %v", cfg.Genesis.Manifest, err))
		} else {
			add("genesis_manifest", "ok", fmt.Sprintf("%s (%d artifacts)", cfg.Genesis.Manifest, len(m.Artifacts)))
		}
	}

	anthropic := os.Getenv(kernel.EnvAnthropicKey) != ""
	openai := os.Getenv(kernel.EnvOpenAIKey) != ""
	switch {
	case anthropic && openai:
		add("llm_providers", "ok", "anthropic, openai")
	case anthropic:
		add("llm_providers", "ok", "anthropic")
	case openai:
		add("llm_providers", "ok", "openai")
	default:
		add("llm_providers", "warn", "no provider key set; agents cannot think")
	}

	if os.Getenv(checkpoint.EnvSecret) != "" {
		add("checkpoint_secret", "ok", "checkpoints are signed")
	} else {
		add("checkpoint_secret", "warn", checkpoint.EnvSecret+" unset; checkpoints are unsigned")
	}

	if cfg != nil {
		if dir := cfg.Persistence.EventLogDir; dir == "" {
			add("event_log", "warn", "persistence.event_log_dir unset; events stay in memory")
		} else if _, err := os.Stat(dir); err != nil {
			add("event_log", "warn", fmt.Sprintf("%s does not exist (created on first run)", dir))
		} else {
			add("event_log", "ok", dir)
		}

		if cfg.Persistence.ArchiveBackend == "fs" {
			if _, err := os.Stat(cfg.Persistence.CheckpointDir); err != nil {
				add("checkpoint_dir", "warn",
					fmt.Sprintf("%s does not exist (created on first run)", cfg.Persistence.CheckpointDir))
			} else {
				add("checkpoint_dir", "ok", cfg.Persistence.CheckpointDir)
			}
		} else {
			add("checkpoint_dir", "ok", "backend "+cfg.Persistence.ArchiveBackend)
		}

		if addr := cfg.RateLimiting.RedisAddr; addr == "" {
			add("redis", "ok", "in-memory rate windows")
		} else {
			status, detail := probeRedis(addr, cfg.RateLimiting.RedisDB)
			add("redis", status, detail)
		}

		if dsn := cfg.Persistence.LedgerMirrorDSN; dsn == "" {
			add("postgres", "ok", "no ledger mirror configured")
		} else {
			status, detail := probePostgres(dsn)
			add("postgres", status, detail)
		}
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{
			"healthy": allOK,
			"checks":  results,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else {
		_, _ = fmt.Fprintf(stdout, "\n%sagora doctor%s\n", ColorBold+ColorBlue, ColorReset)
		_, _ = fmt.Fprintln(stdout, "────────────")
		for _, r := range results {
			icon := "✅"
			switch r.Status {
			case "warn":
				icon = "⚠️ "
			case "fail":
				icon = "❌"
			}
			_, _ = fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			_, _ = fmt.Fprintf(stdout, "\n%sReady to serve.%s\n", ColorGreen+ColorBold, ColorReset)
		}
	}

	if allOK {
		return 0
	}
	return 1
}

func probeRedis(addr string, db int) (status, detail string) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv(kernel.EnvRedisPassword),
		DB:       db,
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("%s: %v", addr, err)
	}
	return "ok", addr
}

func probePostgres(dsn string) (status, detail string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return "fail", err.Error()
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return "fail", fmt.Sprintf("ledger mirror: %v", err)
	}
	return "ok", "ledger mirror reachable"
}
