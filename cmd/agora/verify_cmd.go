package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
)

// runVerifyCmd implements `agora verify`: recompute every event hash chain
// in the log directory and check the newest checkpoint's HMAC. Offline,
// filesystem paths only; remote archives are verified on restore instead.
//
// Exit codes:
//
//	0 = everything verified
//	1 = a chain is broken or the checkpoint fails authentication
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath     string
		eventsDir      string
		checkpointsDir string
		jsonOutput     bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to agora.yaml (resolves data directories)")
	cmd.StringVar(&eventsDir, "events", "", "Event-log directory (overrides config)")
	cmd.StringVar(&checkpointsDir, "checkpoints", "", "Checkpoint directory (overrides config)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if eventsDir == "" || checkpointsDir == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if eventsDir == "" {
			eventsDir = cfg.Persistence.EventLogDir
		}
		if checkpointsDir == "" {
			checkpointsDir = cfg.Persistence.CheckpointDir
		}
	}

	type check struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}
	var checks []check
	failed := false

	// Event hash chains, one per boot epoch.
	if eventsDir == "" {
		checks = append(checks, check{"event_chain", "warn", "no event-log directory configured"})
	} else if events, err := eventlog.ReadDir(eventsDir, eventlog.Filter{}); err != nil {
		checks = append(checks, check{"event_chain", "fail", err.Error()})
		failed = true
	} else if len(events) == 0 {
		checks = append(checks, check{"event_chain", "warn", "no events recorded"})
	} else {
		epochs := splitEpochs(events)
		broken := false
		for i, epoch := range epochs {
			if seq, err := eventlog.VerifyChain(epoch, eventlog.GenesisHash()); err != nil {
				checks = append(checks, check{"event_chain", "fail",
					fmt.Sprintf("epoch %d/%d broken at seq %d: %v", i+1, len(epochs), seq, err)})
				broken, failed = true, true
				break
			}
		}
		if !broken {
			checks = append(checks, check{"event_chain", "ok",
				fmt.Sprintf("%d events across %d epochs", len(events), len(epochs))})
		}
	}

	// Newest checkpoint: structure and HMAC.
	signer := checkpoint.SignerFromEnv()
	arch, err := checkpoint.NewFSArchive(checkpointsDir)
	if err != nil {
		checks = append(checks, check{"checkpoint", "fail", err.Error()})
		failed = true
	} else if doc, name, err := arch.Latest(context.Background()); err != nil {
		var kerr *contracts.Error
		if errors.As(err, &kerr) && kerr.Code == contracts.CodeNotFound {
			checks = append(checks, check{"checkpoint", "warn", "no checkpoint archived yet"})
		} else {
			checks = append(checks, check{"checkpoint", "fail", err.Error()})
			failed = true
		}
	} else if err := signer.Verify(doc); err != nil {
		checks = append(checks, check{"checkpoint", "fail", fmt.Sprintf("%s: %v", name, err)})
		failed = true
	} else {
		detail := fmt.Sprintf("%s (v%s, %d artifacts, %d accounts", name, doc.Version,
			len(doc.Artifacts), len(doc.Balances))
		switch {
		case doc.HMAC == "":
			detail += ", unsigned)"
		case signer == nil:
			detail += ", signed; set " + checkpoint.EnvSecret + " to verify)"
		default:
			detail += ", hmac ok)"
		}
		checks = append(checks, check{"checkpoint", "ok", detail})
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]any{
			"verified": !failed,
			"checks":   checks,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else {
		for _, c := range checks {
			icon := "✅"
			switch c.Status {
			case "warn":
				icon = "⚠️ "
			case "fail":
				icon = "❌"
			}
			_, _ = fmt.Fprintf(stdout, "  %s  %-14s %s\n", icon, c.Name, c.Detail)
		}
	}

	if failed {
		return 1
	}
	return 0
}
