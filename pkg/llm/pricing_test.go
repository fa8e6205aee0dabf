package llm_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/llm"
)

func TestPricingLookup(t *testing.T) {
	p := &llm.Pricing{
		Default: llm.ModelRate{Prompt: 5, Completion: 15},
		Models: map[string]llm.ModelRate{
			"claude-sonnet-4":   {Prompt: 3, Completion: 15},
			"claude-sonnet-4-5": {Prompt: 4, Completion: 16},
			"gpt-4o":            {Prompt: 2.5, Completion: 10},
		},
	}

	// Exact name wins.
	assert.Equal(t, 4.0, p.Rate("claude-sonnet-4-5").Prompt)
	// Dated ids resolve through the longest prefix.
	assert.Equal(t, 4.0, p.Rate("claude-sonnet-4-5-20250929").Prompt)
	assert.Equal(t, 3.0, p.Rate("claude-sonnet-4-1").Prompt)
	// Unknown models use the default rate.
	assert.Equal(t, 5.0, p.Rate("mystery").Prompt)
}

func TestPricingCost(t *testing.T) {
	p := &llm.Pricing{Default: llm.ModelRate{Prompt: 3, Completion: 15}}
	cost := p.Cost("any", llm.Usage{PromptTokens: 2000, CompletionTokens: 1000})
	assert.InDelta(t, 0.021, cost, 1e-9)

	est := p.Estimate("any", 2000, 1000)
	assert.InDelta(t, cost, est, 1e-9)
}

func TestLoadPricing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  claude-sonnet-4: {prompt: 3, completion: 15}
  gpt-4o: {prompt: 2.5, completion: 10}
`), 0o600))

	p, err := llm.LoadPricing(path)
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.Rate("claude-sonnet-4").Prompt)
	// No default section in the file: the built-in default applies.
	assert.Equal(t, llm.DefaultPricing().Default, p.Default)
}

func TestLoadPricingRejectsNegativeRates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  broken: {prompt: -1, completion: 10}
`), 0o600))

	_, err := llm.LoadPricing(path)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)
}

func TestLoadPricingMissingFile(t *testing.T) {
	_, err := llm.LoadPricing(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeNotFound, contracts.AsError(err).Code)
}
