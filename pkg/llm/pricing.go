package llm

import (
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// ModelRate prices one model in dollars per million tokens.
type ModelRate struct {
	Prompt     float64 `yaml:"prompt" json:"prompt"`
	Completion float64 `yaml:"completion" json:"completion"`
}

// Pricing maps model names to rates. Lookup is exact name first, then the
// longest table key that prefixes the name (model ids grow date suffixes),
// then Default.
type Pricing struct {
	Default ModelRate            `yaml:"default"`
	Models  map[string]ModelRate `yaml:"models"`
}

// DefaultPricing is the built-in table used when no pricing file is
// configured. Rates drift; deployments that care pin a file.
func DefaultPricing() *Pricing {
	return &Pricing{
		Default: ModelRate{Prompt: 5, Completion: 15},
		Models: map[string]ModelRate{
			"claude-opus-4":   {Prompt: 15, Completion: 75},
			"claude-sonnet-4": {Prompt: 3, Completion: 15},
			"claude-haiku-4":  {Prompt: 1, Completion: 5},
			"gpt-4o":          {Prompt: 2.5, Completion: 10},
			"gpt-4o-mini":     {Prompt: 0.15, Completion: 0.6},
			"o3":              {Prompt: 2, Completion: 8},
			"o4-mini":         {Prompt: 1.1, Completion: 4.4},
		},
	}
}

// LoadPricing reads a pricing table from a YAML file. A file with no
// default section inherits the built-in default rate.
func LoadPricing(path string) (*Pricing, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeNotFound, "read pricing table", err)
	}
	p := &Pricing{}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument, "parse pricing table", err)
	}
	if p.Default == (ModelRate{}) {
		p.Default = DefaultPricing().Default
	}
	for name, r := range p.Models {
		if r.Prompt < 0 || r.Completion < 0 {
			return nil, contracts.Errorf(contracts.CodeInvalidArgument,
				"pricing for %q has a negative rate", name)
		}
	}
	return p, nil
}

// Rate resolves the rate for a model name.
func (p *Pricing) Rate(model string) ModelRate {
	if r, ok := p.Models[model]; ok {
		return r
	}
	best := ""
	rate := p.Default
	for name, r := range p.Models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
			rate = r
		}
	}
	return rate
}

// Cost prices reported usage in dollars.
func (p *Pricing) Cost(model string, u Usage) float64 {
	r := p.Rate(model)
	return round6((float64(u.PromptTokens)*r.Prompt + float64(u.CompletionTokens)*r.Completion) / 1e6)
}

// Estimate prices the worst case for a call before it is made: the
// estimated prompt plus a full completion allowance.
func (p *Pricing) Estimate(model string, promptTokens, maxCompletion int) float64 {
	return p.Cost(model, Usage{PromptTokens: promptTokens, CompletionTokens: maxCompletion})
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
