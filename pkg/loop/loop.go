package loop

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/llm"
	"github.com/emergence-labs/agora/pkg/state"
	"github.com/emergence-labs/agora/pkg/workflow"
)

// metaWorkflowID names the artifact whose content is the agent's workflow
// definition.
const metaWorkflowID = "workflow_id"

// Loop is one agent's autonomous cycle. Everything mutable outside wake
// and frozen is touched only by the loop's own goroutine.
type Loop struct {
	m       *Manager
	agentID string
	cancel  context.CancelFunc
	wake    chan struct{}
	limiter *xrate.Limiter
	frozen  atomic.Bool
	logger  *slog.Logger

	streak   int
	lastErr  string
	wfSource string
	wf       *workflow.Workflow
}

func newLoop(m *Manager, agentID string, cancel context.CancelFunc) *Loop {
	return &Loop{
		m:       m,
		agentID: agentID,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		limiter: xrate.NewLimiter(xrate.Limit(m.cfg.IterationsPerSecond), 1),
		logger:  m.logger.With("agent", agentID),
	}
}

// poke nudges the loop awake. Non-blocking: it runs under ledger locks.
func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.flushTerminal(ctx)
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		a, err := l.m.deps.Store.Get(l.agentID)
		if err != nil || a.Deleted {
			l.logger.Info("loop ending, agent gone")
			return
		}

		st := l.loadState(ctx)
		acted, iterErr := l.iterate(ctx, a, st)
		if err := l.m.deps.States.Save(ctx, st); err != nil && ctx.Err() == nil {
			l.logger.Warn("state save failed", "error", err)
		}

		switch {
		case iterErr == nil:
			if acted {
				continue
			}
			if !l.sleep(ctx, l.m.cfg.IdleInterval) {
				return
			}
		case errors.Is(iterErr, context.Canceled) || ctx.Err() != nil:
			return
		case contracts.AsError(iterErr).Code == contracts.CodeBudgetExhausted:
			if !l.hibernate(ctx, iterErr) {
				return
			}
		case contracts.AsError(iterErr).Code == contracts.CodeQuotaExceeded:
			if !l.sleep(ctx, retryAfter(iterErr, l.m.cfg.IdleInterval)) {
				return
			}
		default:
			l.logger.Warn("iteration failed", "error", iterErr)
			l.lastErr = iterErr.Error()
			if !l.sleep(ctx, l.m.cfg.IdleInterval) {
				return
			}
		}
	}
}

// iterate is one observe/think/act pass. acted reports whether the agent
// did anything meaningful; false lets the loop park instead of spinning.
func (l *Loop) iterate(ctx context.Context, a *contracts.Artifact, st *state.AgentState) (bool, error) {
	l.observe(ctx, st)

	if wfID := a.Meta(metaWorkflowID); wfID != "" {
		return l.runWorkflow(ctx, wfID, st)
	}
	if l.m.deps.Gateway != nil && a.HasCapability(contracts.CapCallLLM) {
		return l.think(ctx, a, st)
	}
	// Nothing to drive this agent; stay registered but quiet.
	return false, nil
}

// observe refreshes the snapshot the agent reasons over: balances, window
// headroom, queued trigger work, and its own recent track record.
func (l *Loop) observe(ctx context.Context, st *state.AgentState) {
	obs := map[string]any{}
	if bal, err := l.m.deps.Ledger.Balance(l.agentID); err == nil {
		obs["balances"] = map[string]any{
			string(contracts.ResourceScrip):     bal.Scrip,
			string(contracts.ResourceLLMBudget): bal.LLMBudget,
			string(contracts.ResourceDiskQuota): bal.DiskQuota,
		}
	}
	windows := map[string]any{}
	for _, r := range []contracts.Resource{contracts.ResourceCPURate, contracts.ResourceLLMCallRate, contracts.ResourceLLMTokenRate} {
		if remaining, tracked := l.m.deps.Rates.Peek(ctx, l.agentID, r); tracked {
			windows[string(r)] = remaining
		}
	}
	if len(windows) > 0 {
		obs["rate_remaining"] = windows
	}
	if l.m.deps.Triggers != nil {
		obs["pending_triggers"] = len(l.m.deps.Triggers.Queue().Pending(l.agentID))
	}
	if l.lastErr != "" {
		obs["last_error"] = l.lastErr
	}
	recent := l.m.deps.Log.Snapshot(eventlog.Filter{PrincipalID: l.agentID})
	if n := len(recent); n > 0 {
		if n > 5 {
			recent = recent[n-5:]
		}
		events := make([]any, 0, len(recent))
		for _, ev := range recent {
			events = append(events, map[string]any{"seq": ev.Seq, "type": string(ev.Type)})
		}
		obs["recent_events"] = events
	}

	if st.WorkingMemory == nil {
		st.WorkingMemory = map[string]any{}
	}
	st.WorkingMemory["observation"] = obs
}

// runWorkflow executes one iteration of the agent's referenced workflow,
// recompiling only when the artifact's content changed.
func (l *Loop) runWorkflow(ctx context.Context, wfID string, st *state.AgentState) (bool, error) {
	wfArt, err := l.m.deps.Store.Get(wfID)
	if err != nil {
		return false, err
	}
	if wfArt.Deleted {
		return false, contracts.Errorf(contracts.CodeDeleted, "workflow %q is deleted", wfID)
	}
	if l.wf == nil || l.wfSource != wfArt.Content {
		wf, err := workflow.Parse([]byte(wfArt.Content))
		if err != nil {
			return false, err
		}
		l.wf, l.wfSource = wf, wfArt.Content
	}

	runner := workflow.NewRunner(l.wf,
		workflow.WithLLM(l.workflowLLM()),
		workflow.WithLogger(l.logger),
	)
	inst := &workflow.Instance{State: st.CurrentState, Context: st.WorkingMemory}
	if inst.State == "" {
		inst.State = l.wf.InitialState()
	}
	res, err := runner.RunIteration(ctx, inst)
	st.CurrentState = inst.State
	if err != nil {
		return false, err
	}
	if res.Intent == nil {
		return res.Transitioned, nil
	}

	in := *res.Intent
	in.PrincipalID = l.agentID
	l.act(ctx, st, in)
	return true, nil
}

// workflowLLM adapts the gateway to the workflow runner's single-prompt
// shape. The agent pays; taxonomy errors pass through untouched.
func (l *Loop) workflowLLM() workflow.LLMFunc {
	return func(ctx context.Context, model, prompt string) (any, error) {
		if l.m.deps.Gateway == nil {
			return nil, contracts.NewError(contracts.CodeNotAuthorized, "no llm gateway configured")
		}
		if model == "" {
			model = l.m.cfg.Model
		}
		resp, err := l.m.deps.Gateway.Call(ctx, l.agentID, llm.Request{
			Model:    model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return nil, err
		}
		l.logThinking(ctx, resp)
		return resp.Content, nil
	}
}

// think is the default cycle for agents without a workflow: one completion
// with the intent toolset, then up to MaxToolCalls dispatches from the
// reply.
func (l *Loop) think(ctx context.Context, a *contracts.Artifact, st *state.AgentState) (bool, error) {
	obs, _ := json.Marshal(st.WorkingMemory["observation"])
	system := l.m.cfg.Injector.Frame(strings.TrimSpace(a.Content), a.CreatedBy == l.m.cfg.GenesisPrincipal)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: "Current snapshot:\n" + string(obs) +
			"\nChoose your next actions with the tools, or answer with a single JSON intent. Do nothing if nothing is worth doing."},
	}
	resp, err := l.m.deps.Gateway.Call(ctx, l.agentID, llm.Request{
		Model:    l.m.cfg.Model,
		Messages: messages,
		Tools:    intentTools(),
	})
	if err != nil {
		return false, err
	}
	l.logThinking(ctx, resp)

	intents := l.plan(resp)
	if len(intents) == 0 {
		return false, nil
	}

	acted := false
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return acted, err
		}
		in.PrincipalID = l.agentID
		res := l.act(ctx, st, in)
		acted = true
		if !res.Success && l.streak >= l.m.cfg.MaxFailureStreak {
			l.logger.Warn("ending iteration early on failure streak", "streak", l.streak)
			break
		}
	}
	return acted, nil
}

// plan turns a model reply into intents: tool calls first, else a JSON
// intent in the text.
func (l *Loop) plan(resp *llm.Response) []contracts.Intent {
	max := l.m.cfg.MaxToolCalls
	var intents []contracts.Intent
	for _, tc := range resp.ToolCalls {
		if len(intents) == max {
			l.logger.Debug("dropping tool calls over the per-iteration cap", "cap", max)
			break
		}
		in, err := intentFromToolCall(tc)
		if err != nil {
			l.logger.Warn("unusable tool call", "tool", tc.Name, "error", err)
			continue
		}
		intents = append(intents, in)
	}
	if len(intents) > 0 {
		return intents
	}
	if in, ok := intentFromText(resp.Content); ok {
		return []contracts.Intent{in}
	}
	return nil
}

// act dispatches one intent and records the turn.
func (l *Loop) act(ctx context.Context, st *state.AgentState, in contracts.Intent) contracts.ActionResult {
	res := l.m.deps.Dispatch.Dispatch(ctx, in)
	if res.Success {
		l.streak = 0
		l.lastErr = ""
	} else {
		l.streak++
		l.lastErr = string(res.ErrorCode) + ": " + res.Message
	}
	st.RecordTurn(state.Turn{
		At:        time.Now().UTC(),
		Intent:    string(in.Kind),
		Summary:   res.Message,
		Success:   res.Success,
		ErrorCode: string(res.ErrorCode),
	})
	return res
}

func (l *Loop) logThinking(ctx context.Context, resp *llm.Response) {
	summary := resp.Content
	if len(summary) > 200 {
		summary = summary[:200]
	}
	_, err := l.m.deps.Log.Append(context.WithoutCancel(ctx), eventlog.EventThinking, l.agentID, map[string]any{
		"summary":    summary,
		"cost":       resp.Cost,
		"tool_calls": len(resp.ToolCalls),
	})
	if err != nil {
		l.logger.Warn("thinking event dropped", "error", err)
	}
}

// hibernate parks the loop after a budget refusal and waits for money. A
// poke re-checks the budget; anything positive unfreezes.
func (l *Loop) hibernate(ctx context.Context, cause error) bool {
	ke := contracts.AsError(cause)
	if !l.frozen.Swap(true) {
		data := map[string]any{"reason": string(contracts.CodeBudgetExhausted)}
		for k, v := range ke.Details {
			data[k] = v
		}
		if _, err := l.m.deps.Log.Append(context.WithoutCancel(ctx), eventlog.EventAgentFrozen, l.agentID, data); err != nil {
			l.logger.Warn("freeze event dropped", "error", err)
		}
		l.logger.Info("hibernating", "reason", "budget_exhausted")
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-l.wake:
			bal, err := l.m.deps.Ledger.Balance(l.agentID)
			if err != nil {
				return false
			}
			if bal.LLMBudget <= 0 {
				continue
			}
			l.frozen.Store(false)
			if _, err := l.m.deps.Log.Append(context.WithoutCancel(ctx), eventlog.EventAgentUnfrozen, l.agentID, map[string]any{
				"reason":     "budget_restored",
				"llm_budget": bal.LLMBudget,
			}); err != nil {
				l.logger.Warn("unfreeze event dropped", "error", err)
			}
			l.logger.Info("woke up", "llm_budget", bal.LLMBudget)
			return true
		}
	}
}

// sleep parks until the duration passes, a poke arrives, or the context
// ends. False means the loop should exit.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (l *Loop) loadState(ctx context.Context) *state.AgentState {
	st, err := l.m.deps.States.Load(ctx, l.agentID)
	if err != nil {
		return state.Blank(l.agentID)
	}
	return st
}

// flushTerminal marks the loop's end in the log unless the agent is
// already frozen, which is its own terminal record.
func (l *Loop) flushTerminal(ctx context.Context) {
	if l.frozen.Load() {
		return
	}
	_, err := l.m.deps.Log.Append(context.WithoutCancel(ctx), eventlog.EventAgentFrozen, l.agentID, map[string]any{
		"reason": "shutdown",
	})
	if err != nil {
		l.logger.Warn("terminal event dropped", "error", err)
	}
}

// retryAfter pulls the window hint off a quota_exceeded error.
func retryAfter(err error, fallback time.Duration) time.Duration {
	ke := contracts.AsError(err)
	if ms, ok := ke.Details["retry_after_ms"].(int64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if ms, ok := ke.Details["retry_after_ms"].(float64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
