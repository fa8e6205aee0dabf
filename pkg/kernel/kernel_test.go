package kernel_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/config"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/kernel"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/llm"
)

const testManifest = `
artifacts:
  - id: handbook
    kind: data
    content: "Rule one: everything costs scrip."
    interface:
      description: The survival handbook.
      data_type: data

  - id: vendor_a
    kind: data
    content: "trading desk a"
    interface:
      description: A funded trading desk.
      data_type: data
      has_standing: true
    balances:
      scrip: 100

  - id: vendor_b
    kind: data
    content: "trading desk b"
    interface:
      description: Another funded trading desk.
      data_type: data
      has_standing: true
    balances:
      scrip: 50
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds an all-in-memory config: fs checkpoints in a temp dir,
// no event log sink, no sqlite, no redis, telemetry inert.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Contracts.DefaultOnMissing = "deny"

	dir := t.TempDir()
	manifest := filepath.Join(dir, "genesis.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(testManifest), 0o644))
	cfg.Genesis.Manifest = manifest
	cfg.Persistence.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Persistence.EventLogDir = ""
	return cfg
}

func bootKernel(t *testing.T, cfg *config.Config) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(context.Background(), cfg,
		kernel.WithLogger(quietLogger()),
		kernel.WithLLMClient("scripted", llm.NewScriptedClient()))
	require.NoError(t, err)
	return k
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Default()
	_, err := kernel.New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_on_missing")
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	k := bootKernel(t, cfg)

	require.NotNil(t, k.Gateway, "an injected client should enable the gateway")
	require.NoError(t, k.Start(ctx))

	// Genesis placed the manifest.
	assert.True(t, k.Registry.Exists("handbook"))
	assert.True(t, k.Registry.IsPrincipal("vendor_a"))
	balA, err := k.Ledger.Balance("vendor_a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balA.Scrip)

	// The world takes ordinary intents.
	res := k.Dispatcher.Dispatch(ctx, contracts.Intent{
		Kind:        contracts.IntentTransfer,
		PrincipalID: "vendor_a",
		To:          "vendor_b",
		Resource:    contracts.ResourceScrip,
		Amount:      40,
	})
	require.True(t, res.Success, res.Message)

	balA, err = k.Ledger.Balance("vendor_a")
	require.NoError(t, err)
	balB, err := k.Ledger.Balance("vendor_b")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balA.Scrip)
	assert.Equal(t, int64(90), balB.Scrip)

	name, err := k.Checkpoint(ctx, "manual")
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	require.NoError(t, k.Shutdown(ctx))
}

func TestRestartRestoresWorld(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	k1 := bootKernel(t, cfg)
	require.NoError(t, k1.Start(ctx))
	res := k1.Dispatcher.Dispatch(ctx, contracts.Intent{
		Kind:        contracts.IntentTransfer,
		PrincipalID: "vendor_a",
		To:          "vendor_b",
		Resource:    contracts.ResourceScrip,
		Amount:      40,
	})
	require.True(t, res.Success, res.Message)
	require.NoError(t, k1.Shutdown(ctx))

	// Same config, fresh process. Shutdown archived a checkpoint, so the
	// second boot restores it and genesis must not re-fund anyone.
	k2 := bootKernel(t, cfg)
	require.NoError(t, k2.Start(ctx))
	defer func() { require.NoError(t, k2.Shutdown(ctx)) }()

	balA, err := k2.Ledger.Balance("vendor_a")
	require.NoError(t, err)
	balB, err := k2.Ledger.Balance("vendor_b")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balA.Scrip, "restored balance, not genesis funding")
	assert.Equal(t, int64(90), balB.Scrip)
	assert.True(t, k2.Registry.Exists("handbook"))
}

func TestSignedCheckpointsRoundTrip(t *testing.T) {
	t.Setenv(checkpoint.EnvSecret, "kernel-test-secret")

	ctx := context.Background()
	cfg := testConfig(t)

	k1 := bootKernel(t, cfg)
	require.NoError(t, k1.Start(ctx))
	require.NoError(t, k1.Shutdown(ctx))

	k2 := bootKernel(t, cfg)
	require.NoError(t, k2.Start(ctx))
	require.NoError(t, k2.Shutdown(ctx))
}

func TestBootWithoutLoops(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	k := bootKernel(t, cfg)

	require.NoError(t, k.Boot(ctx))
	assert.True(t, k.Registry.Exists("handbook"))
	assert.Empty(t, k.Loops.Running())

	name, err := k.Checkpoint(ctx, "offline")
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	require.NoError(t, k.Shutdown(ctx))
}

func TestStartRequiresManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Genesis.Manifest = ""
	k := bootKernel(t, cfg)
	err := k.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "genesis")
	require.NoError(t, k.Shutdown(context.Background()))

	// A world that never booted is never archived.
	_, _, err = k.Archive.Latest(context.Background())
	require.Error(t, err)
}

func TestShutdownWithoutStart(t *testing.T) {
	cfg := testConfig(t)
	k := bootKernel(t, cfg)
	require.NoError(t, k.Shutdown(context.Background()))

	// Nothing ran, so nothing was archived.
	_, _, err := k.Archive.Latest(context.Background())
	require.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	k := bootKernel(t, cfg)
	require.NoError(t, k.Start(ctx))
	require.Error(t, k.Start(ctx))
	require.NoError(t, k.Shutdown(ctx))
}

func TestLLMSpendLandsInEventLog(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.LLM.DefaultProvider = llm.ProviderScripted

	script := llm.NewScriptedClient()
	script.Enqueue(&llm.Response{
		Content: "ack",
		Usage:   llm.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	})
	k, err := kernel.New(ctx, cfg,
		kernel.WithLogger(quietLogger()),
		kernel.WithLLMClient(llm.ProviderScripted, script))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Shutdown(context.Background())) })

	require.NoError(t, k.Ledger.CreateAccount("payer", ledger.Balances{LLMBudget: 1}))
	resp, err := k.Gateway.Call(ctx, "payer", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)

	evs := k.Log.Snapshot(eventlog.Filter{Types: []eventlog.EventType{eventlog.EventResourceConsumed}})
	require.Len(t, evs, 1)
	assert.Equal(t, "payer", evs[0].PrincipalID)
	assert.Equal(t, "llm_call", evs[0].Data["action_type"])
	spend, ok := evs[0].Data["resources"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, resp.Cost, spend[string(contracts.ResourceLLMBudget)].(float64), 1e-9)
}

func TestNoProviderMeansNoGateway(t *testing.T) {
	t.Setenv(kernel.EnvAnthropicKey, "")
	t.Setenv(kernel.EnvOpenAIKey, "")

	cfg := testConfig(t)
	k, err := kernel.New(context.Background(), cfg, kernel.WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Nil(t, k.Gateway)
	require.NoError(t, k.Shutdown(context.Background()))
}

func TestArchiveBackendNeedsBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persistence.ArchiveBackend = "s3"
	cfg.Persistence.S3.Bucket = ""
	_, err := kernel.New(context.Background(), cfg, kernel.WithLogger(quietLogger()))
	require.Error(t, err)
}
