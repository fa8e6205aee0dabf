// Package kernel assembles the world from configuration and owns its
// lifecycle. New builds every store and wires the dispatcher; Start
// restores the newest checkpoint, runs genesis, and brings the agent loops
// up; Shutdown stops the loops, snapshots the world, and closes everything
// in dependency order. Embedders that want a different surface can skip
// this package and wire the parts themselves.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/artifact"
	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/config"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/dispatch"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/genesis"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/llm"
	"github.com/emergence-labs/agora/pkg/loop"
	"github.com/emergence-labs/agora/pkg/metering"
	"github.com/emergence-labs/agora/pkg/observability"
	"github.com/emergence-labs/agora/pkg/rate"
	"github.com/emergence-labs/agora/pkg/registry"
	"github.com/emergence-labs/agora/pkg/sandbox"
	"github.com/emergence-labs/agora/pkg/state"
	"github.com/emergence-labs/agora/pkg/trigger"
	"github.com/emergence-labs/agora/pkg/validate"
)

// Version is the kernel release version, printed by the CLI and recorded in
// boot logs. Checkpoint document compatibility is governed separately by
// checkpoint.Version.
const Version = "0.3.0"

// Provider API key environment variables. Keys never appear in config.
const (
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvRedisPassword = "AGORA_REDIS_PASSWORD"
)

// Kernel is one assembled world.
type Kernel struct {
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Store      *artifact.Store
	Access     *access.Registry
	Rates      *rate.Tracker
	Log        eventlog.Log
	Triggers   *trigger.Manager
	Executor   *sandbox.Executor
	Gateway    *llm.Gateway // nil when no provider key is configured
	Dispatcher *dispatch.Dispatcher
	States     state.Store
	Loops      *loop.Manager
	Meter      metering.Meter
	Archive    checkpoint.Archive

	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Provider
	genesis *genesis.Loader
	signer  *checkpoint.Signer
	mirror  *ledger.PostgresMirror
	pg      *sql.DB

	extraClients map[string]llm.Client
	booted       bool
	started      bool
}

// Option configures assembly.
type Option func(*Kernel)

// WithLogger overrides the root logger built from config.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithLLMClient registers an extra provider client, on top of the ones the
// environment keys enable. Tests use this to install the scripted client.
func WithLLMClient(provider string, c llm.Client) Option {
	return func(k *Kernel) { k.extraClients[provider] = c }
}

// New assembles a kernel from cfg. Nothing moves yet: no goroutines, no
// genesis writes, no checkpoint reads. Callers must Shutdown whatever New
// returns successfully.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{cfg: cfg, extraClients: make(map[string]llm.Client)}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       cfg.Observability.OTLPInsecure,
	}, k.logger)
	if err != nil {
		return nil, err
	}
	k.obs = obs

	k.Registry = registry.New()
	k.Ledger = ledger.New()
	k.Store = artifact.New(k.Registry, k.Ledger)

	policy, err := access.ParseDefaultPolicy(cfg.Contracts.DefaultOnMissing)
	if err != nil {
		return nil, err
	}
	k.Access = access.NewRegistry(policy)

	var rateStore rate.Store
	if addr := cfg.RateLimiting.RedisAddr; addr != "" {
		rateStore = rate.NewRedisStore(addr, os.Getenv(EnvRedisPassword), cfg.RateLimiting.RedisDB)
		k.logger.Info("rate windows on redis", "addr", addr, "db", cfg.RateLimiting.RedisDB)
	} else {
		rateStore = rate.NewMemoryStore()
	}
	k.Rates = rate.New(rateStore, cfg.RateLimiting.Limits())

	var logOpts []eventlog.Option
	if dir := cfg.Persistence.EventLogDir; dir != "" {
		sink, err := eventlog.NewFileSink(dir, cfg.Persistence.RotationInterval())
		if err != nil {
			return nil, fmt.Errorf("open event log dir: %w", err)
		}
		logOpts = append(logOpts, eventlog.WithSink(sink))
	}
	k.Log = eventlog.NewMemoryLog(logOpts...)

	k.Triggers = trigger.NewManager(k.Log, trigger.WithLogger(k.logger))

	natives := sandbox.NewNativeRegistry()
	k.Executor, err = sandbox.NewExecutor(ctx, cfg.Executor.SandboxConfig(), natives, k.logger)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	mode, err := validate.ParseMode(cfg.Executor.InterfaceValidation)
	if err != nil {
		return nil, err
	}
	validator := validate.New(mode, k.logger)

	if err := k.openPostgres(ctx); err != nil {
		return nil, err
	}
	if k.pg != nil {
		meter := metering.NewPostgresMeter(k.pg)
		if err := meter.Init(ctx); err != nil {
			return nil, fmt.Errorf("init metering tables: %w", err)
		}
		k.Meter = meter
	} else {
		k.Meter = metering.NewMemoryMeter()
	}

	if err := k.buildGateway(); err != nil {
		return nil, err
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithTriggers(k.Triggers),
		dispatch.WithPromptEditor(cfg.Agent.SystemPrompt.Editor()),
		dispatch.WithObserver(composeObservers(
			k.obs.DispatchObserver(),
			meterObserver(k.Meter, k.logger),
		)),
		dispatch.WithLogger(k.logger),
	}
	if k.Gateway != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithGateway(k.Gateway))
	}
	k.Dispatcher = dispatch.New(dispatch.Deps{
		Store:     k.Store,
		Ledger:    k.Ledger,
		Registry:  k.Registry,
		Access:    k.Access,
		Rates:     k.Rates,
		Log:       k.Log,
		Executor:  k.Executor,
		Validator: validator,
	}, dispatchOpts...)

	if path := cfg.Persistence.StatePath; path != "" {
		k.States, err = state.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		k.logger.Info("agent state on sqlite", "path", path)
	} else {
		k.States = state.NewMemoryStore()
	}

	injector, err := cfg.PromptInjection.Injector()
	if err != nil {
		return nil, err
	}
	k.Loops = loop.NewManager(loop.Deps{
		Store:    k.Store,
		Ledger:   k.Ledger,
		Rates:    k.Rates,
		Log:      k.Log,
		States:   k.States,
		Dispatch: k.Dispatcher,
		Gateway:  k.Gateway,
		Triggers: k.Triggers,
	}, loop.Config{
		MaxToolCalls:        cfg.Agent.Loop.MaxToolCalls,
		MaxFailureStreak:    cfg.Agent.Loop.MaxFailureStreak,
		IterationsPerSecond: cfg.Agent.Loop.IterationsPerSecond,
		IdleInterval:        cfg.Agent.Loop.IdleInterval(),
		GracePeriod:         cfg.Timeouts.LoopGrace(),
		Model:               cfg.Agent.Loop.Model,
		Injector:            injector,
		GenesisPrincipal:    genesis.Principal,
	}, loop.WithLogger(k.logger))

	if err := k.obs.ObserveLoops(
		func() int { return len(k.Loops.Running()) },
		func() int {
			n := 0
			for _, id := range k.Loops.Running() {
				if k.Loops.Frozen(id) {
					n++
				}
			}
			return n
		},
	); err != nil {
		return nil, fmt.Errorf("register loop gauge: %w", err)
	}

	k.genesis = genesis.NewLoader(genesis.Deps{
		Dispatch: k.Dispatcher,
		Registry: k.Registry,
		Ledger:   k.Ledger,
		Access:   k.Access,
		Natives:  natives,
		Log:      k.Log,
		Logger:   k.logger,
	})

	k.signer = checkpoint.SignerFromEnv()
	k.Archive, err = newArchive(ctx, cfg.Persistence)
	if err != nil {
		return nil, err
	}

	k.logger.Info("kernel assembled",
		"version", Version,
		"policy_on_missing", cfg.Contracts.DefaultOnMissing,
		"archive", cfg.Persistence.ArchiveBackend,
		"signed_checkpoints", k.signer != nil)
	return k, nil
}

// openPostgres connects the optional write-behind Postgres when a DSN is
// configured. The same database carries the ledger mirror and the metering
// tables.
func (k *Kernel) openPostgres(ctx context.Context) error {
	dsn := k.cfg.Persistence.LedgerMirrorDSN
	if dsn == "" {
		return nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres mirror: %w", err)
	}
	k.pg = db
	k.mirror = ledger.NewPostgresMirror(db, k.logger)
	if err := k.mirror.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate ledger mirror: %w", err)
	}
	k.mirror.Attach(k.Ledger)
	k.logger.Info("ledger mirror attached")
	return nil
}

// buildGateway wires the LLM gateway with whichever provider keys the
// environment carries plus any injected clients. With no client at all the
// gateway stays nil and the llm syscall reports unavailable.
func (k *Kernel) buildGateway() error {
	clients := make(map[string]llm.Client, len(k.extraClients)+2)
	for name, c := range k.extraClients {
		clients[name] = c
	}
	if key := os.Getenv(EnvAnthropicKey); key != "" {
		c, err := llm.NewAnthropicClient(key)
		if err != nil {
			return fmt.Errorf("anthropic client: %w", err)
		}
		clients[llm.ProviderAnthropic] = c
	}
	if key := os.Getenv(EnvOpenAIKey); key != "" {
		c, err := llm.NewOpenAIClient(key)
		if err != nil {
			return fmt.Errorf("openai client: %w", err)
		}
		clients[llm.ProviderOpenAI] = c
	}
	if len(clients) == 0 {
		k.logger.Warn("no llm provider configured; agents cannot think")
		return nil
	}

	pricing := llm.DefaultPricing()
	if path := k.cfg.LLM.PricingTable; path != "" {
		p, err := llm.LoadPricing(path)
		if err != nil {
			return err
		}
		pricing = p
	}

	gwOpts := []llm.GatewayOption{
		llm.WithDefaultModel(k.cfg.LLM.DefaultModel),
		llm.WithMaxTokens(k.cfg.LLM.MaxTokens),
		llm.WithPricing(pricing),
		llm.WithRecorder(k.llmRecorder()),
	}
	providers := make([]string, 0, len(clients))
	for name, c := range clients {
		gwOpts = append(gwOpts, llm.WithClient(name, c))
		providers = append(providers, name)
	}
	if p := k.cfg.LLM.DefaultProvider; p != "" {
		gwOpts = append(gwOpts, llm.WithDefaultProvider(p))
	}
	k.Gateway = llm.NewGateway(k.Ledger, k.Rates, k.logger, gwOpts...)
	k.logger.Info("llm gateway ready", "providers", providers, "default_model", k.cfg.LLM.DefaultModel)
	return nil
}

// llmRecorder tees settled calls to the metrics provider and the meter.
// Dollar spend is metered here because the gateway debits budget internally
// and dispatch results never itemize it.
func (k *Kernel) llmRecorder() llm.RecordFunc {
	metrics := k.obs.LLMRecorder()
	return func(ctx context.Context, rec llm.CallRecord) {
		metrics(ctx, rec)
		err := k.Meter.Record(ctx, metering.Event{
			PrincipalID: rec.CallerID,
			Resource:    contracts.ResourceLLMBudget,
			Quantity:    rec.Cost,
			Action:      "llm_call",
			At:          time.Now().UTC(),
			Metadata: map[string]any{
				"provider": rec.Provider,
				"model":    rec.Model,
				"tokens":   rec.Usage.TotalTokens,
			},
		})
		if err != nil {
			k.logger.Warn("metering llm call failed", "caller", rec.CallerID, "error", err)
		}
		_, err = k.Log.Append(context.WithoutCancel(ctx), eventlog.EventResourceConsumed, rec.CallerID, map[string]any{
			"action_type": "llm_call",
			"resources":   map[string]any{string(contracts.ResourceLLMBudget): rec.Cost},
			"provider":    rec.Provider,
			"model":       rec.Model,
			"tokens":      rec.Usage.TotalTokens,
		})
		if err != nil {
			k.logger.Warn("llm spend event append failed", "caller", rec.CallerID, "error", err)
		}
	}
}

// Boot materializes the world without starting loops: restore the newest
// checkpoint if one exists, then run genesis (restored artifacts are
// skipped, never re-funded). Offline commands that need a world but no
// agents stop here; servers call Start. The booted flag is set only on
// success so a failed boot never gets checkpointed over a good archive.
func (k *Kernel) Boot(ctx context.Context) error {
	if k.booted {
		return errors.New("kernel already booted")
	}

	if err := k.restoreLatest(ctx); err != nil {
		return err
	}

	manifestPath := k.cfg.Genesis.Manifest
	if manifestPath == "" {
		return contracts.NewError(contracts.CodeInvalidArgument,
			"genesis.manifest is not configured; a world needs its genesis document")
	}
	m, err := genesis.Load(manifestPath)
	if err != nil {
		return err
	}
	if err := k.genesis.Run(ctx, m, genesis.AlphaPrime{
		Enabled:           k.cfg.AlphaPrime.Enabled,
		StartingScrip:     k.cfg.AlphaPrime.StartingScrip,
		StartingLLMBudget: k.cfg.AlphaPrime.StartingLLMBudget,
	}); err != nil {
		return err
	}
	k.booted = true
	return nil
}

// Start boots the world and brings the loops up. ctx scopes startup only.
func (k *Kernel) Start(ctx context.Context) error {
	if k.started {
		return errors.New("kernel already started")
	}
	k.started = true

	if !k.booted {
		if err := k.Boot(ctx); err != nil {
			return err
		}
	}
	if err := k.Loops.Start(ctx); err != nil {
		return err
	}
	k.logger.Info("world running",
		"artifacts", len(k.Store.Export()),
		"loops", len(k.Loops.Running()),
		"last_seq", k.Log.LastSeq())
	return nil
}

// restoreLatest loads the newest archived checkpoint into the world. A
// fresh archive is not an error; a checkpoint that fails verification is.
func (k *Kernel) restoreLatest(ctx context.Context) error {
	doc, name, err := k.Archive.Latest(ctx)
	if err != nil {
		if ke := contracts.AsError(err); ke.Code == contracts.CodeNotFound {
			k.logger.Info("no checkpoint found, starting fresh")
			return nil
		}
		return err
	}
	if err := checkpoint.Restore(ctx, doc, k.source(), k.signer); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", name, err)
	}
	k.logger.Info("world restored",
		"checkpoint", name,
		"taken", doc.Timestamp.Format(time.RFC3339),
		"artifacts", len(doc.Artifacts),
		"accounts", len(doc.Balances))
	return nil
}

func (k *Kernel) source() checkpoint.Source {
	return checkpoint.Source{
		Registry: k.Registry,
		Ledger:   k.Ledger,
		Store:    k.Store,
		States:   k.States,
		Gateway:  k.Gateway,
		Log:      k.Log,
	}
}

// Checkpoint snapshots the world, signs the document when a secret is
// configured, and archives it. Safe while loops are running; each exported
// store snapshots under its own lock.
func (k *Kernel) Checkpoint(ctx context.Context, reason string) (string, error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.checkpoint")
	doc, err := checkpoint.Take(ctx, k.source(), reason)
	if err == nil {
		err = k.signer.Sign(doc)
	}
	var name string
	if err == nil {
		name, err = k.Archive.Put(ctx, doc)
	}
	finish(err)
	if err != nil {
		return "", err
	}
	k.logger.Info("checkpoint archived", "name", name, "reason", reason, "last_seq", doc.LastSeq)
	return name, nil
}

// Shutdown winds the world down: loops first so nothing new dispatches,
// then a final checkpoint, then Close. Every step runs even when an
// earlier one fails; errors accumulate.
func (k *Kernel) Shutdown(ctx context.Context) error {
	var errs []error

	if k.started {
		if err := k.Loops.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.booted {
		if _, err := k.Checkpoint(ctx, "shutdown"); err != nil {
			errs = append(errs, fmt.Errorf("shutdown checkpoint: %w", err))
		}
	}
	if err := k.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases every store and connection without checkpointing. Callers
// that already sealed the world use this instead of Shutdown.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error

	if k.started {
		if err := k.Loops.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.Triggers.Close()

	if err := k.States.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := k.Log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := k.Executor.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if k.mirror != nil {
		if err := k.mirror.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.pg != nil {
		if err := k.pg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	k.logger.Info("kernel stopped", "errors", len(errs))
	return errors.Join(errs...)
}

// composeObservers fans one dispatch callback out to several.
func composeObservers(fns ...dispatch.Observer) dispatch.Observer {
	return func(ctx context.Context, in *contracts.Intent, res *contracts.ActionResult, elapsed time.Duration) {
		for _, fn := range fns {
			fn(ctx, in, res, elapsed)
		}
	}
}

// meterObserver records every itemized charge from settled dispatches.
func meterObserver(m metering.Meter, logger *slog.Logger) dispatch.Observer {
	return func(ctx context.Context, in *contracts.Intent, res *contracts.ActionResult, _ time.Duration) {
		if len(res.ResourcesConsumed) == 0 {
			return
		}
		payer := res.ChargedTo
		if payer == "" {
			payer = in.PrincipalID
		}
		now := time.Now().UTC()
		events := make([]metering.Event, 0, len(res.ResourcesConsumed))
		for r, q := range res.ResourcesConsumed {
			events = append(events, metering.Event{
				PrincipalID: payer,
				Resource:    r,
				Quantity:    q,
				Action:      string(in.Kind),
				At:          now,
			})
		}
		if err := m.RecordBatch(ctx, events); err != nil {
			logger.Warn("metering dispatch failed", "principal", payer, "error", err)
		}
	}
}
