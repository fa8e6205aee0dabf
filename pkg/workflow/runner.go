package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// LLMFunc satisfies LLM steps. Implementations are expected to meter and
// bill the call; errors they return keep their taxonomy codes, so a
// budget_exhausted from the gateway reaches the loop intact.
type LLMFunc func(ctx context.Context, model, prompt string) (any, error)

// Instance is the mutable half of a workflow: the state machine position
// and the shared context map steps read and write. Loops persist it between
// iterations.
type Instance struct {
	State   string         `json:"state,omitempty"`
	Context map[string]any `json:"context"`
}

// NewInstance returns a fresh instance positioned at the initial state.
func (w *Workflow) NewInstance() *Instance {
	return &Instance{State: w.def.InitialState, Context: map[string]any{}}
}

// StepOutcome records how one step ended within an iteration.
type StepOutcome struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // ok | skipped
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is what one iteration produced. Intent is nil when every step ran
// to completion without emitting; the caller stamps PrincipalID before
// dispatching.
type Result struct {
	Intent       *contracts.Intent
	EmittedBy    string
	State        string
	Transitioned bool
	Outcomes     []StepOutcome
}

// Runner executes iterations of one compiled workflow. It is stateless
// across calls; everything mutable lives in the Instance.
type Runner struct {
	wf     *Workflow
	llm    LLMFunc
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLLM binds the function LLM steps call.
func WithLLM(fn LLMFunc) Option {
	return func(r *Runner) { r.llm = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner builds a runner for a compiled workflow.
func NewRunner(wf *Workflow, opts ...Option) *Runner {
	r := &Runner{wf: wf, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "workflow", "workflow", wf.def.Name)
	return r
}

// RunIteration executes steps in order until one emits a non-noop intent or
// the list ends, then advances the state machine by at most one transition.
// The instance's context carries every exported step result forward.
func (r *Runner) RunIteration(ctx context.Context, inst *Instance) (*Result, error) {
	if inst == nil {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "nil workflow instance")
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}

	res := &Result{}
	for i := range r.wf.steps {
		cs := &r.wf.steps[i]
		if err := ctx.Err(); err != nil {
			return nil, contracts.WrapError(contracts.CodeTimeout, "workflow interrupted", err)
		}

		if cs.runIf != nil {
			ok, err := evalGuard(cs.runIf, inst)
			if err != nil {
				if cs.OnError == OnErrorSkip {
					res.Outcomes = append(res.Outcomes, StepOutcome{Name: cs.Name, Status: "skipped", Error: err.Error()})
					continue
				}
				return nil, stepError(cs.Name, err)
			}
			if !ok {
				res.Outcomes = append(res.Outcomes, StepOutcome{Name: cs.Name, Status: "skipped"})
				continue
			}
		}

		out, intent, attempts, err := r.runStep(ctx, cs, inst)
		if err != nil {
			if cs.OnError == OnErrorSkip {
				r.logger.Warn("step skipped after failure", "step", cs.Name, "error", err)
				res.Outcomes = append(res.Outcomes, StepOutcome{Name: cs.Name, Status: "skipped", Attempts: attempts, Error: err.Error()})
				continue
			}
			return nil, stepError(cs.Name, err)
		}

		inst.Context[cs.Export] = out
		res.Outcomes = append(res.Outcomes, StepOutcome{Name: cs.Name, Status: "ok", Attempts: attempts})

		if intent != nil && intent.Kind != contracts.IntentNoop {
			res.Intent = intent
			res.EmittedBy = cs.Name
			break
		}
	}

	res.Transitioned = r.advance(inst)
	res.State = inst.State
	return res, nil
}

// runStep evaluates one step, retrying per its policy. The emitted intent
// is parsed inside the attempt loop: an LLM step that answers with a
// malformed intent gets its retries.
func (r *Runner) runStep(ctx context.Context, cs *compiledStep, inst *Instance) (any, *contracts.Intent, int, error) {
	var (
		out    any
		intent *contracts.Intent
		err    error
	)
	attempts := 0
	for {
		attempts++
		out, intent, err = r.attempt(ctx, cs, inst)
		if err == nil || cs.OnError != OnErrorRetry || attempts > cs.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}
		r.logger.Debug("retrying step", "step", cs.Name, "attempt", attempts, "error", err)
	}
	return out, intent, attempts, err
}

func (r *Runner) attempt(ctx context.Context, cs *compiledStep, inst *Instance) (any, *contracts.Intent, error) {
	var out any
	var err error
	switch cs.Kind {
	case StepCode:
		out, err = evalExpr(cs.expr, inst)
	case StepLLM:
		out, err = r.callLLM(ctx, cs, inst)
	}
	if err != nil {
		return nil, nil, err
	}
	if !cs.Emit {
		return out, nil, nil
	}
	intent, err := intentFromValue(out)
	if err != nil {
		return nil, nil, err
	}
	return out, intent, nil
}

func (r *Runner) callLLM(ctx context.Context, cs *compiledStep, inst *Instance) (any, error) {
	if r.llm == nil {
		return nil, contracts.Errorf(contracts.CodeRuntimeError,
			"step %q needs an llm binding and the runner has none", cs.Name)
	}
	var buf strings.Builder
	if err := cs.prompt.Execute(&buf, inst.Context); err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument, "render prompt", err)
	}
	reply, err := r.llm(ctx, cs.Model, buf.String())
	if err != nil {
		return nil, err
	}
	return parseReply(reply), nil
}

// advance applies the first transition out of the current state whose guard
// holds. A broken guard is logged and treated as false so one bad condition
// cannot wedge the whole loop.
func (r *Runner) advance(inst *Instance) bool {
	if r.wf.states == nil {
		return false
	}
	for _, tr := range r.wf.states[inst.State] {
		ok, err := evalGuard(tr.when, inst)
		if err != nil {
			r.logger.Warn("transition guard failed", "state", inst.State, "to", tr.to, "error", err)
			continue
		}
		if ok {
			inst.State = tr.to
			return true
		}
	}
	return false
}

// parseReply unwraps a model answer: JSON text becomes structured data,
// anything else passes through untouched.
func parseReply(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	return s
}

// intentFromValue interprets a step result as a dispatcher intent. The
// value must be a map in the wire shape: action_type plus the kind's
// fields. PrincipalID is deliberately not required here.
func intentFromValue(v any) (*contracts.Intent, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, contracts.Errorf(contracts.CodeInvalidType, "intent step returned %T, want a map", v)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument, "encode intent", err)
	}
	var in contracts.Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument, "decode intent", err)
	}
	if in.Kind == "" {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "intent map is missing action_type")
	}
	return &in, nil
}

func stepError(name string, err error) error {
	ke := contracts.AsError(err)
	return contracts.WrapError(ke.Code, fmt.Sprintf("step %q", name), err)
}
