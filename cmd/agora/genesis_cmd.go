package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/emergence-labs/agora/pkg/genesis"
)

// runGenesisCmd implements `agora genesis`: load and validate a manifest
// without booting anything. With --check only the verdict prints; otherwise
// every entry is summarized.
//
// Exit codes:
//
//	0 = manifest is valid
//	1 = manifest is invalid
//	2 = usage error
func runGenesisCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("genesis", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifestPath string
		check        bool
		jsonOutput   bool
	)
	cmd.StringVar(&manifestPath, "manifest", "genesis.yaml", "Path to the genesis manifest")
	cmd.BoolVar(&check, "check", false, "Validate only; print just the verdict")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	m, err := genesis.Load(manifestPath)
	if err != nil {
		if jsonOutput {
			out, _ := json.MarshalIndent(map[string]any{
				"manifest": manifestPath,
				"valid":    false,
				"error":    err.Error(),
			}, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(out))
		} else {
			_, _ = fmt.Fprintf(stderr, "❌ %s: %v\n", manifestPath, err)
		}
		return 1
	}

	if jsonOutput {
		entries := make([]map[string]any, 0, len(m.Artifacts))
		for i := range m.Artifacts {
			e := &m.Artifacts[i]
			entry := map[string]any{
				"id":           e.ID,
				"kind":         e.Kind,
				"has_standing": e.Interface.HasStanding,
			}
			if e.Runtime != "" {
				entry["runtime"] = e.Runtime
			}
			if e.Balances != nil {
				entry["balances"] = e.Balances
			}
			entries = append(entries, entry)
		}
		out, _ := json.MarshalIndent(map[string]any{
			"manifest":  manifestPath,
			"valid":     true,
			"artifacts": entries,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "✅ %s: %d artifacts\n", manifestPath, len(m.Artifacts))
	if check {
		return 0
	}
	for i := range m.Artifacts {
		e := &m.Artifacts[i]
		runtime := e.Runtime
		if runtime == "" {
			runtime = "cel"
		}
		line := fmt.Sprintf("  %-24s %-10s", e.ID, e.Kind)
		if e.Code != "" {
			line += " " + runtime
		}
		if e.Interface.HasStanding {
			line += " principal"
		}
		if e.Balances != nil {
			line += fmt.Sprintf(" (scrip=%d llm=$%.2f disk=%d)",
				e.Balances.Scrip, e.Balances.LLMBudget, e.Balances.DiskQuota)
		}
		_, _ = fmt.Fprintln(stdout, line)
	}
	return 0
}
