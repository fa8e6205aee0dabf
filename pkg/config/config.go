// Package config is the single boot-time document: a YAML file overlaid on
// built-in defaults, then a small set of environment overrides. Secrets
// (provider API keys, the checkpoint secret, the Redis password) never live
// in the file; the components that need them read the environment directly.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/prompt"
	"github.com/emergence-labs/agora/pkg/rate"
	"github.com/emergence-labs/agora/pkg/sandbox"
	"github.com/emergence-labs/agora/pkg/validate"
)

// Config is the whole configuration surface.
type Config struct {
	Executor        ExecutorConfig      `yaml:"executor"`
	RateLimiting    RateLimitingConfig  `yaml:"rate_limiting"`
	Timeouts        TimeoutsConfig      `yaml:"timeouts"`
	PromptInjection InjectionConfig     `yaml:"prompt_injection"`
	Agent           AgentConfig         `yaml:"agent"`
	AlphaPrime      AlphaPrimeConfig    `yaml:"alpha_prime"`
	Contracts       ContractsConfig     `yaml:"contracts"`
	LLM             LLMConfig           `yaml:"llm"`
	Genesis         GenesisConfig       `yaml:"genesis"`
	Persistence     PersistenceConfig   `yaml:"persistence"`
	Observability   ObservabilityConfig `yaml:"observability"`
}

// ExecutorConfig bounds sandbox execution.
type ExecutorConfig struct {
	MaxInvokeDepth      int        `yaml:"max_invoke_depth"`
	InterfaceValidation string     `yaml:"interface_validation"`
	TimeoutMs           int        `yaml:"timeout_ms"`
	WASM                WASMConfig `yaml:"wasm"`
}

// WASMConfig bounds WASI modules.
type WASMConfig struct {
	MemoryPages    int `yaml:"memory_pages"`
	OutputMaxBytes int `yaml:"output_max_bytes"`
}

// SandboxConfig lowers the section to the executor's own type.
func (e ExecutorConfig) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		MaxInvokeDepth: e.MaxInvokeDepth,
		Timeout:        time.Duration(e.TimeoutMs) * time.Millisecond,
		WASM: sandbox.WASMConfig{
			MemoryPages:    uint32(e.WASM.MemoryPages),
			OutputMaxBytes: e.WASM.OutputMaxBytes,
		},
	}
}

// RateWindow is one rolling-window limit.
type RateWindow struct {
	WindowSeconds int     `yaml:"window_seconds"`
	MaxPerWindow  float64 `yaml:"max_per_window"`
}

// RateLimitingConfig holds the per-resource windows and the optional Redis
// backend for multi-process deployments. The Redis password comes from
// AGORA_REDIS_PASSWORD.
type RateLimitingConfig struct {
	RedisAddr string                `yaml:"redis_addr,omitempty"`
	RedisDB   int                   `yaml:"redis_db,omitempty"`
	Windows   map[string]RateWindow `yaml:"windows"`
}

// Limits lowers the windows to the rate tracker's own type.
func (r RateLimitingConfig) Limits() map[contracts.Resource]rate.Limit {
	out := make(map[contracts.Resource]rate.Limit, len(r.Windows))
	for name, w := range r.Windows {
		out[contracts.Resource(name)] = rate.Limit{
			Window: time.Duration(w.WindowSeconds) * time.Second,
			Max:    w.MaxPerWindow,
		}
	}
	return out
}

// TimeoutsConfig collects the lifecycle deadlines.
type TimeoutsConfig struct {
	LoopGraceMs int `yaml:"loop_grace_ms"`
	ShutdownMs  int `yaml:"shutdown_ms"`
	StateLockMs int `yaml:"state_lock_ms"`
}

func (t TimeoutsConfig) LoopGrace() time.Duration {
	return time.Duration(t.LoopGraceMs) * time.Millisecond
}

func (t TimeoutsConfig) Shutdown() time.Duration {
	return time.Duration(t.ShutdownMs) * time.Millisecond
}

func (t TimeoutsConfig) StateLock() time.Duration {
	return time.Duration(t.StateLockMs) * time.Millisecond
}

// InjectionConfig drives the prompt framing applied before model calls.
type InjectionConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Scope           string `yaml:"scope"`
	MandatoryPrefix string `yaml:"mandatory_prefix,omitempty"`
	MandatorySuffix string `yaml:"mandatory_suffix,omitempty"`
}

// Injector lowers the section to the prompt package's type.
func (i InjectionConfig) Injector() (prompt.Injector, error) {
	scope, err := prompt.ParseScope(i.Scope)
	if err != nil {
		return prompt.Injector{}, err
	}
	return prompt.Injector{
		Enabled: i.Enabled,
		Scope:   scope,
		Prefix:  i.MandatoryPrefix,
		Suffix:  i.MandatorySuffix,
	}, nil
}

// AgentConfig bounds agent prompts and loop pacing.
type AgentConfig struct {
	SystemPrompt SystemPromptConfig `yaml:"system_prompt"`
	Loop         LoopConfig         `yaml:"loop"`
}

// SystemPromptConfig bounds system prompt edits.
type SystemPromptConfig struct {
	MaxSizeBytes         int `yaml:"max_size_bytes"`
	ProtectedPrefixChars int `yaml:"protected_prefix_chars"`
}

// Editor lowers the section to the prompt package's type.
func (s SystemPromptConfig) Editor() prompt.Editor {
	return prompt.Editor{
		MaxSizeBytes:         s.MaxSizeBytes,
		ProtectedPrefixChars: s.ProtectedPrefixChars,
	}
}

// LoopConfig paces agent loops.
type LoopConfig struct {
	MaxToolCalls        int     `yaml:"max_tool_calls"`
	MaxFailureStreak    int     `yaml:"max_failure_streak"`
	IterationsPerSecond float64 `yaml:"iterations_per_second"`
	IdleIntervalMs      int     `yaml:"idle_interval_ms"`
	Model               string  `yaml:"model,omitempty"`
}

func (l LoopConfig) IdleInterval() time.Duration {
	return time.Duration(l.IdleIntervalMs) * time.Millisecond
}

// AlphaPrimeConfig controls the bootstrap agent spawn.
type AlphaPrimeConfig struct {
	Enabled           bool    `yaml:"enabled"`
	StartingScrip     int64   `yaml:"starting_scrip"`
	StartingLLMBudget float64 `yaml:"starting_llm_budget"`
}

// ContractsConfig holds the permission-layer policy. DefaultOnMissing has
// deliberately no default: a deployment states its policy or refuses to
// boot.
type ContractsConfig struct {
	DefaultOnMissing string `yaml:"default_on_missing"`
}

// LLMConfig selects models and pricing. Provider API keys come from
// ANTHROPIC_API_KEY and OPENAI_API_KEY only.
type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider,omitempty"`
	DefaultModel    string `yaml:"default_model"`
	PricingTable    string `yaml:"pricing_table,omitempty"`
	MaxTokens       int    `yaml:"max_tokens"`
}

// GenesisConfig points at the bootstrap manifest.
type GenesisConfig struct {
	Manifest string `yaml:"manifest,omitempty"`
}

// PersistenceConfig lays out everything durable. An empty StatePath keeps
// working state in memory, which suits tests and ephemeral worlds.
type PersistenceConfig struct {
	EventLogDir             string           `yaml:"event_log_dir"`
	RotationIntervalMinutes int              `yaml:"rotation_interval_minutes"`
	StatePath               string           `yaml:"state_path,omitempty"`
	CheckpointDir           string           `yaml:"checkpoint_dir"`
	ArchiveBackend          string           `yaml:"archive_backend"`
	S3                      S3ArchiveConfig  `yaml:"s3,omitempty"`
	GCS                     GCSArchiveConfig `yaml:"gcs,omitempty"`
	LedgerMirrorDSN         string           `yaml:"ledger_mirror_dsn,omitempty"`
}

func (p PersistenceConfig) RotationInterval() time.Duration {
	return time.Duration(p.RotationIntervalMinutes) * time.Minute
}

// S3ArchiveConfig selects the S3 checkpoint archive.
type S3ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// GCSArchiveConfig selects the GCS checkpoint archive.
type GCSArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix,omitempty"`
}

// ObservabilityConfig wires logging and OTLP export. An empty OTLPEndpoint
// disables export.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	OTLPInsecure bool   `yaml:"otlp_insecure,omitempty"`
	ServiceName  string `yaml:"service_name"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// Default returns the built-in configuration: a single-process world with
// in-memory rate windows and filesystem persistence under ./data.
// contracts.default_on_missing stays empty because there is no safe
// universal answer; Validate forces deployments to choose.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxInvokeDepth:      5,
			InterfaceValidation: string(validate.ModeWarn),
			TimeoutMs:           10_000,
			WASM:                WASMConfig{MemoryPages: 256, OutputMaxBytes: 1 << 20},
		},
		RateLimiting: RateLimitingConfig{
			Windows: map[string]RateWindow{
				string(contracts.ResourceLLMTokenRate): {WindowSeconds: 60, MaxPerWindow: 100_000},
				string(contracts.ResourceLLMCallRate):  {WindowSeconds: 60, MaxPerWindow: 60},
				string(contracts.ResourceCPURate):      {WindowSeconds: 60, MaxPerWindow: 600},
			},
		},
		Timeouts: TimeoutsConfig{
			LoopGraceMs: 8_000,
			ShutdownMs:  30_000,
			StateLockMs: 5_000,
		},
		PromptInjection: InjectionConfig{
			Enabled: false,
			Scope:   string(prompt.ScopeNone),
		},
		Agent: AgentConfig{
			SystemPrompt: SystemPromptConfig{
				MaxSizeBytes:         32_768,
				ProtectedPrefixChars: 256,
			},
			Loop: LoopConfig{
				MaxToolCalls:        3,
				MaxFailureStreak:    2,
				IterationsPerSecond: 1,
				IdleIntervalMs:      2_000,
			},
		},
		AlphaPrime: AlphaPrimeConfig{
			Enabled:           false,
			StartingScrip:     100,
			StartingLLMBudget: 1.0,
		},
		LLM: LLMConfig{
			DefaultModel: "claude-sonnet-4",
			MaxTokens:    4_096,
		},
		Genesis: GenesisConfig{
			Manifest: "genesis.yaml",
		},
		Persistence: PersistenceConfig{
			EventLogDir:             "data/events",
			RotationIntervalMinutes: 60,
			CheckpointDir:           "data/checkpoints",
			ArchiveBackend:          "fs",
		},
		Observability: ObservabilityConfig{
			ServiceName: "agora",
			LogLevel:    "info",
			LogFormat:   "text",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// when path is non-empty, then environment overrides, then validation.
// Unknown YAML keys are rejected so typos fail loudly instead of silently
// keeping a default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override the file without editing it. The set
// is deliberately small: endpoints and paths, never policy.
func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		"AGORA_LOG_LEVEL":         &c.Observability.LogLevel,
		"AGORA_OTLP_ENDPOINT":     &c.Observability.OTLPEndpoint,
		"AGORA_REDIS_ADDR":        &c.RateLimiting.RedisAddr,
		"AGORA_STATE_PATH":        &c.Persistence.StatePath,
		"AGORA_EVENT_LOG_DIR":     &c.Persistence.EventLogDir,
		"AGORA_CHECKPOINT_DIR":    &c.Persistence.CheckpointDir,
		"AGORA_LEDGER_MIRROR_DSN": &c.Persistence.LedgerMirrorDSN,
		"AGORA_DEFAULT_MODEL":     &c.LLM.DefaultModel,
		"AGORA_GENESIS_MANIFEST":  &c.Genesis.Manifest,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// Validate rejects configurations that would boot a broken world.
func (c *Config) Validate() error {
	if c.Executor.MaxInvokeDepth < 1 {
		return fmt.Errorf("executor.max_invoke_depth must be at least 1, got %d", c.Executor.MaxInvokeDepth)
	}
	if c.Executor.TimeoutMs <= 0 {
		return fmt.Errorf("executor.timeout_ms must be positive, got %d", c.Executor.TimeoutMs)
	}
	if _, err := validate.ParseMode(c.Executor.InterfaceValidation); err != nil {
		return fmt.Errorf("executor.interface_validation: %w", err)
	}
	for name, w := range c.RateLimiting.Windows {
		if !trackedResource(name) {
			return fmt.Errorf("rate_limiting.windows: %q is not a tracked resource", name)
		}
		if w.WindowSeconds <= 0 || w.MaxPerWindow <= 0 {
			return fmt.Errorf("rate_limiting.windows.%s: window_seconds and max_per_window must be positive", name)
		}
	}
	if _, err := prompt.ParseScope(c.PromptInjection.Scope); err != nil {
		return fmt.Errorf("prompt_injection.scope: %w", err)
	}
	if c.Agent.SystemPrompt.MaxSizeBytes <= 0 {
		return fmt.Errorf("agent.system_prompt.max_size_bytes must be positive")
	}
	if c.Agent.SystemPrompt.ProtectedPrefixChars < 0 {
		return fmt.Errorf("agent.system_prompt.protected_prefix_chars must be non-negative")
	}
	if c.AlphaPrime.StartingScrip < 0 || c.AlphaPrime.StartingLLMBudget < 0 {
		return fmt.Errorf("alpha_prime starting balances must be non-negative")
	}
	if _, err := access.ParseDefaultPolicy(c.Contracts.DefaultOnMissing); err != nil {
		return err
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	switch c.Persistence.ArchiveBackend {
	case "fs":
	case "s3":
		if c.Persistence.S3.Bucket == "" {
			return fmt.Errorf("persistence.s3.bucket is required for the s3 archive backend")
		}
	case "gcs":
		if c.Persistence.GCS.Bucket == "" {
			return fmt.Errorf("persistence.gcs.bucket is required for the gcs archive backend")
		}
	default:
		return fmt.Errorf("persistence.archive_backend must be fs, s3 or gcs, got %q", c.Persistence.ArchiveBackend)
	}
	if c.Persistence.RotationIntervalMinutes <= 0 {
		return fmt.Errorf("persistence.rotation_interval_minutes must be positive")
	}
	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("observability.log_format must be text or json, got %q", c.Observability.LogFormat)
	}
	return nil
}

func trackedResource(name string) bool {
	switch contracts.Resource(name) {
	case contracts.ResourceLLMTokenRate, contracts.ResourceLLMCallRate, contracts.ResourceCPURate:
		return true
	}
	return false
}
