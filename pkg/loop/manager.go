// Package loop drives the autonomous side of the world: one goroutine per
// artifact with has_loop, each cycling observe, think, act, pace against
// the same dispatcher every other caller uses. The manager owns loop
// lifetimes, drains the trigger queue, and wakes hibernating agents when
// money arrives.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/artifact"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/llm"
	"github.com/emergence-labs/agora/pkg/prompt"
	"github.com/emergence-labs/agora/pkg/rate"
	"github.com/emergence-labs/agora/pkg/state"
	"github.com/emergence-labs/agora/pkg/trigger"
)

// Config tunes every loop the manager runs.
type Config struct {
	// MaxToolCalls caps how many tool-call intents one think pass may
	// dispatch before the loop yields.
	MaxToolCalls int
	// MaxFailureStreak ends an iteration early after this many consecutive
	// dispatch failures, and backs the loop off when iterations keep
	// failing.
	MaxFailureStreak int
	// IterationsPerSecond paces the loop; burst 1 keeps iterations evenly
	// spaced.
	IterationsPerSecond float64
	// IdleInterval is how long a loop with nothing to do parks before
	// looking again.
	IdleInterval time.Duration
	// GracePeriod bounds how long Close waits for loops to wind down.
	GracePeriod time.Duration
	// Model overrides the gateway default for think calls.
	Model string
	// Injector frames system prompts at call time, so an agent editing its
	// own prompt cannot strip the frame. The zero value injects nothing.
	Injector prompt.Injector
	// GenesisPrincipal is the created_by value marking boot-loader
	// artifacts, which the injector's genesis scope keys on.
	GenesisPrincipal string
}

func (c Config) withDefaults() Config {
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 3
	}
	if c.MaxFailureStreak <= 0 {
		c.MaxFailureStreak = 2
	}
	if c.IterationsPerSecond <= 0 {
		c.IterationsPerSecond = 1
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 8 * time.Second
	}
	if c.GenesisPrincipal == "" {
		c.GenesisPrincipal = "genesis"
	}
	return c
}

// Dispatcher is the slice of the kernel loops act through.
type Dispatcher interface {
	Dispatch(ctx context.Context, in contracts.Intent) contracts.ActionResult
}

// Deps are the manager's collaborators. Gateway and Triggers are optional;
// everything else is required.
type Deps struct {
	Store    *artifact.Store
	Ledger   *ledger.Ledger
	Rates    *rate.Tracker
	Log      eventlog.Log
	States   state.Store
	Dispatch Dispatcher
	Gateway  *llm.Gateway
	Triggers *trigger.Manager
}

// Manager owns every running loop.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	loops map[string]*Loop

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager wires a manager; Start brings the loops up.
func NewManager(deps Deps, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: slog.Default(),
		loops:  make(map[string]*Loop),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "loop")
	return m
}

// Start spawns loops for every live looped artifact, begins watching for
// newly created ones, hooks ledger changes for wakeups, and starts the
// trigger drain. The passed context scopes startup only; the manager owns
// its loops' lifetime until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("loop manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.deps.Ledger.OnChange(m.onBalanceChange)

	looped := true
	for _, a := range m.deps.Store.List(artifact.Filter{HasLoop: &looped}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Ensure(a.ID)
	}

	m.wg.Add(1)
	go m.watchCreations()

	if m.deps.Triggers != nil {
		m.wg.Add(1)
		go m.drainTriggers()
	}

	m.logger.Info("loop manager started", "loops", len(m.Running()))
	return nil
}

// Ensure starts a loop for agentID if the artifact is live, looped, and
// not already running.
func (m *Manager) Ensure(agentID string) {
	a, err := m.deps.Store.Get(agentID)
	if err != nil || a.Deleted || !a.HasLoop {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.ctx.Err() != nil {
		return
	}
	if _, running := m.loops[agentID]; running {
		return
	}
	lctx, lcancel := context.WithCancel(m.ctx)
	lp := newLoop(m, agentID, lcancel)
	m.loops[agentID] = lp
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.remove(agentID)
		lp.run(lctx)
	}()
	m.logger.Info("loop started", "agent", agentID)
}

// Stop cancels one loop; the goroutine unwinds at its next suspension
// point.
func (m *Manager) Stop(agentID string) {
	m.mu.Lock()
	lp := m.loops[agentID]
	m.mu.Unlock()
	if lp != nil {
		lp.cancel()
	}
}

// Running returns the ids of live loops in lexical order.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Frozen reports whether the agent's loop is currently hibernating.
func (m *Manager) Frozen(agentID string) bool {
	m.mu.Lock()
	lp := m.loops[agentID]
	m.mu.Unlock()
	return lp != nil && lp.frozen.Load()
}

// Close signals every loop, waits up to the grace period, then gives up on
// stragglers. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.started || m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("loop manager stopped")
		return nil
	case <-time.After(m.cfg.GracePeriod):
		m.logger.Warn("loops still winding down after grace period",
			"grace", m.cfg.GracePeriod, "remaining", m.Running())
		return errors.New("loop shutdown exceeded grace period")
	}
}

func (m *Manager) remove(agentID string) {
	m.mu.Lock()
	delete(m.loops, agentID)
	m.mu.Unlock()
}

// onBalanceChange runs under the ledger's account lock: poke and get out.
func (m *Manager) onBalanceChange(principalID string, _ ledger.Balances) {
	m.mu.Lock()
	lp := m.loops[principalID]
	m.mu.Unlock()
	if lp != nil {
		lp.poke()
	}
}

// watchCreations tails artifact_created events and starts loops for looped
// newcomers, so agents spawned mid-run come alive without a restart.
func (m *Manager) watchCreations() {
	defer m.wg.Done()
	it := m.deps.Log.Iterator(eventlog.Filter{
		FromSeq: m.deps.Log.LastSeq() + 1,
		Types:   []eventlog.EventType{eventlog.EventArtifactCreated},
	})
	for {
		ev, err := it.Next(m.ctx)
		if err != nil {
			return
		}
		hasLoop, _ := ev.Data["has_loop"].(bool)
		id, _ := ev.Data["artifact_id"].(string)
		if hasLoop && id != "" {
			m.Ensure(id)
		}
	}
}

// drainTriggers executes queued trigger firings as ordinary invoke
// dispatches under the trigger creator's principal. A callback can do
// nothing its creator could not do directly.
func (m *Manager) drainTriggers() {
	defer m.wg.Done()
	queue := m.deps.Triggers.Queue()
	for {
		inv, err := queue.Dequeue(m.ctx)
		if err != nil {
			return
		}
		in := contracts.Intent{
			Kind:        contracts.IntentInvoke,
			PrincipalID: inv.RunAs,
			ArtifactID:  inv.CallbackID,
			Method:      inv.Method,
			Args: []any{map[string]any{
				"trigger_id": inv.TriggerID,
				"event_seq":  inv.EventSeq,
				"event_type": string(inv.EventType),
			}},
		}
		res := m.deps.Dispatch.Dispatch(m.ctx, in)
		if !res.Success {
			m.logger.Warn("trigger callback failed",
				"trigger", inv.TriggerID, "callback", inv.CallbackID,
				"run_as", inv.RunAs, "error_code", res.ErrorCode)
		}
	}
}
