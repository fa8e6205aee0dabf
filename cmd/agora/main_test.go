package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/kernel"
)

const validManifest = `
artifacts:
  - id: handbook
    kind: data
    content: "Rule one: everything costs scrip."
    interface:
      description: The survival handbook.
      data_type: data

  - id: treasury
    kind: data
    content: "town treasury"
    interface:
      description: A funded account.
      data_type: data
      has_standing: true
    balances:
      scrip: 500
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunNoArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "USAGE")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), kernel.Version)
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"agora", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "verify")
}

func TestGenesisCmd(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "genesis.yaml", validManifest)

	var out, errOut bytes.Buffer
	code := runGenesisCmd([]string{"--check", "--manifest", path}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "2 artifacts")

	out.Reset()
	code = runGenesisCmd([]string{"--manifest", path}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "treasury")
	assert.Contains(t, out.String(), "principal")
}

func TestGenesisCmdRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()
	dup := `
artifacts:
  - id: twin
    kind: data
    interface: {description: one, data_type: data}
  - id: twin
    kind: data
    interface: {description: two, data_type: data}
`
	path := writeFile(t, dir, "genesis.yaml", dup)

	var out, errOut bytes.Buffer
	code := runGenesisCmd([]string{"--check", "--manifest", path}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "twin")

	out.Reset()
	code = runGenesisCmd([]string{"--manifest", path, "--json"}, &out, &errOut)
	assert.Equal(t, 1, code)
	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, false, report["valid"])
}

// writeEventDir runs a file-sinked log through a few appends and returns
// the directory.
func writeEventDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sink, err := eventlog.NewFileSink(dir, time.Hour)
	require.NoError(t, err)
	log := eventlog.NewMemoryLog(eventlog.WithSink(sink))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, eventlog.EventAction, "vendor_a", map[string]any{
			"intent": "transfer",
			"n":      i,
		})
		require.NoError(t, err)
	}
	_, err = log.Append(ctx, eventlog.EventAgentFrozen, "vendor_b", map[string]any{"reason": "budget_exhausted"})
	require.NoError(t, err)
	require.NoError(t, log.Close())
	return dir
}

func TestReplayCmd(t *testing.T) {
	dir := writeEventDir(t)

	var out, errOut bytes.Buffer
	code := runReplayCmd([]string{"--dir", dir, "--verify"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "agent_frozen")
	assert.Contains(t, out.String(), "4 of 4 events")

	out.Reset()
	code = runReplayCmd([]string{"--dir", dir, "--type", "agent_frozen", "--json"}, &out, &errOut)
	require.Equal(t, 0, code)
	var e eventlog.Event
	require.NoError(t, json.Unmarshal(out.Bytes(), &e))
	assert.Equal(t, eventlog.EventAgentFrozen, e.Type)
	assert.Equal(t, "vendor_b", e.PrincipalID)
}

func TestReplayCmdDetectsTampering(t *testing.T) {
	dir := writeEventDir(t)
	forgeEvent(t, dir)

	var out, errOut bytes.Buffer
	code := runReplayCmd([]string{"--dir", dir, "--verify"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "hash chain broken")
}

// forgeEvent appends a record with a fabricated hash to the newest log file.
func forgeEvent(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	path := filepath.Join(dir, entries[len(entries)-1].Name())

	forged := eventlog.Event{
		ID:          "forged",
		Seq:         5,
		TS:          time.Now().UTC(),
		Type:        eventlog.EventAction,
		PrincipalID: "mallory",
		Data:        map[string]any{"intent": "transfer", "amount": 1000000},
		Hash:        "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}
	line, err := json.Marshal(forged)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestVerifyCmd(t *testing.T) {
	events := writeEventDir(t)
	checkpoints := t.TempDir()

	var out, errOut bytes.Buffer
	code := runVerifyCmd([]string{"--events", events, "--checkpoints", checkpoints}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "4 events")
	assert.Contains(t, out.String(), "no checkpoint archived yet")

	forgeEvent(t, events)
	out.Reset()
	code = runVerifyCmd([]string{"--events", events, "--checkpoints", checkpoints, "--json"}, &out, &errOut)
	assert.Equal(t, 1, code)
	var report struct {
		Verified bool `json:"verified"`
		Checks   []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.False(t, report.Verified)
	assert.Equal(t, "event_chain", report.Checks[0].Name)
	assert.Equal(t, "fail", report.Checks[0].Status)
}

// writeWorldConfig lays out a full offline deployment in a temp dir and
// returns the config path.
func writeWorldConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	manifest := writeFile(t, dir, "genesis.yaml", validManifest)
	body := fmt.Sprintf(`
contracts:
  default_on_missing: deny
genesis:
  manifest: %s
persistence:
  event_log_dir: %s
  checkpoint_dir: %s
`, manifest, filepath.Join(dir, "events"), filepath.Join(dir, "checkpoints"))
	return writeFile(t, dir, "agora.yaml", body)
}

func TestCheckpointCmd(t *testing.T) {
	cfgPath := writeWorldConfig(t)

	var out, errOut bytes.Buffer
	code := runCheckpointCmd([]string{"--config", cfgPath, "--reason", "seal"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "checkpoint archived")

	// The archived document restores cleanly and carries the genesis world.
	arch, err := checkpoint.NewFSArchive(filepath.Join(filepath.Dir(cfgPath), "checkpoints"))
	require.NoError(t, err)
	doc, _, err := arch.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "seal", doc.Reason)
	assert.Len(t, doc.Artifacts, 2)

	// And verify is happy with the directory the command produced.
	out.Reset()
	code = runVerifyCmd([]string{
		"--events", filepath.Join(filepath.Dir(cfgPath), "events"),
		"--checkpoints", filepath.Join(filepath.Dir(cfgPath), "checkpoints"),
	}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
}

func TestDoctorCmd(t *testing.T) {
	t.Setenv(kernel.EnvAnthropicKey, "")
	t.Setenv(kernel.EnvOpenAIKey, "")
	cfgPath := writeWorldConfig(t)

	var out, errOut bytes.Buffer
	code := runDoctorCmd([]string{"--config", cfgPath, "--json"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var report struct {
		Healthy bool `json:"healthy"`
		Checks  []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, report.Healthy)

	byName := map[string]string{}
	for _, c := range report.Checks {
		byName[c.Name] = c.Status
	}
	assert.Equal(t, "ok", byName["config"])
	assert.Equal(t, "ok", byName["genesis_manifest"])
	assert.Equal(t, "warn", byName["llm_providers"])
	assert.Equal(t, "ok", byName["redis"])
}
