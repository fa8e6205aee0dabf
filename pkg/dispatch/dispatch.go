// Package dispatch is the narrow waist of the kernel: every state mutation
// in the world, whether it comes from an agent loop, sandboxed artifact
// code, a trigger firing, or the CLI, arrives here as an Intent and leaves
// as an ActionResult plus exactly one action event. The pipeline is fixed:
// validate, resolve the target, ask the permission layer, meter cost
// against rate windows and budgets, execute the effect, log, reply.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/artifact"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/llm"
	"github.com/emergence-labs/agora/pkg/prompt"
	"github.com/emergence-labs/agora/pkg/rate"
	"github.com/emergence-labs/agora/pkg/registry"
	"github.com/emergence-labs/agora/pkg/sandbox"
	"github.com/emergence-labs/agora/pkg/trigger"
	"github.com/emergence-labs/agora/pkg/validate"
)

// Observer sees every completed dispatch. The observability provider hangs
// RED metrics here; implementations must not call back into the dispatcher.
type Observer func(ctx context.Context, in *contracts.Intent, res *contracts.ActionResult, elapsed time.Duration)

// Dispatcher routes intents through the pipeline. One instance is shared by
// every loop; serialization happens at the ledger, rate-tracker and
// artifact-store level, never here.
type Dispatcher struct {
	store     *artifact.Store
	led       *ledger.Ledger
	reg       *registry.Registry
	acl       *access.Registry
	rates     *rate.Tracker
	log       eventlog.Log
	exec      *sandbox.Executor
	validator *validate.Validator
	editor    prompt.Editor

	gateway  *llm.Gateway     // nil: _syscall_llm unavailable
	triggers *trigger.Manager // nil: trigger artifacts are inert

	observe Observer
	logger  *slog.Logger
}

// Deps are the required collaborators.
type Deps struct {
	Store     *artifact.Store
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Access    *access.Registry
	Rates     *rate.Tracker
	Log       eventlog.Log
	Executor  *sandbox.Executor
	Validator *validate.Validator
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGateway enables the LLM syscall for artifacts holding can_call_llm.
func WithGateway(g *llm.Gateway) Option {
	return func(d *Dispatcher) { d.gateway = g }
}

// WithTriggers wires the trigger manager: trigger-kind artifacts register
// on create, re-register on update, and unregister on delete.
func WithTriggers(m *trigger.Manager) Option {
	return func(d *Dispatcher) { d.triggers = m }
}

// WithPromptEditor overrides the system-prompt edit rules.
func WithPromptEditor(e prompt.Editor) Option {
	return func(d *Dispatcher) { d.editor = e }
}

// WithObserver installs the metrics hook.
func WithObserver(fn Observer) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a Dispatcher and installs the artifact-backed access resolver:
// access_contract_id values the registry does not know are loaded from the
// arena and executed as contract code.
func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     deps.Store,
		led:       deps.Ledger,
		reg:       deps.Registry,
		acl:       deps.Access,
		rates:     deps.Rates,
		log:       deps.Log,
		exec:      deps.Executor,
		validator: deps.Validator,
		editor:    prompt.DefaultEditor(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	d.acl.SetResolver(d.resolveContract)
	return d
}

// Dispatch runs one intent through the pipeline. It never panics and never
// returns without appending an action event; failures of any stage come
// back as a failed ActionResult with taxonomy fields set.
func (d *Dispatcher) Dispatch(ctx context.Context, in contracts.Intent) contracts.ActionResult {
	return d.dispatch(ctx, &in, 0)
}

// dispatch is the re-entrant core. depth counts sandbox frames already on
// the stack: 0 for loop and CLI calls, >0 when artifact code calls back in
// through its kernel_actions handle.
func (d *Dispatcher) dispatch(ctx context.Context, in *contracts.Intent, depth int) contracts.ActionResult {
	start := time.Now()
	res := d.process(ctx, in, depth)

	// 6. Exactly one action event per dispatch, success or failure.
	d.logAction(ctx, in, &res)
	if len(res.ResourcesConsumed) > 0 {
		payer := res.ChargedTo
		if payer == "" {
			payer = in.PrincipalID
		}
		consumed := make(map[string]any, len(res.ResourcesConsumed))
		for r, q := range res.ResourcesConsumed {
			consumed[string(r)] = q
		}
		d.append(ctx, eventlog.EventResourceConsumed, payer, map[string]any{
			"action_type": string(in.Kind),
			"artifact_id": in.ArtifactID,
			"resources":   consumed,
		})
	}

	elapsed := time.Since(start)
	if d.observe != nil {
		d.observe(ctx, in, &res, elapsed)
	}
	d.logger.Debug("dispatched",
		"intent", in.String(),
		"success", res.Success,
		"error_code", string(res.ErrorCode),
		"depth", depth,
		"elapsed_ms", elapsed.Milliseconds())

	// 7. Reply.
	return res
}

func (d *Dispatcher) process(ctx context.Context, in *contracts.Intent, depth int) contracts.ActionResult {
	// 1. Shape validation. Nothing is touched before the intent parses.
	if err := in.Validate(); err != nil {
		return contracts.Fail(err)
	}
	normalize(in)

	// 2. Target resolution.
	target, err := d.resolveTarget(in)
	if err != nil {
		return contracts.Fail(err)
	}

	// 3. Permission check.
	perm, err := d.checkPermission(ctx, in, target, depth)
	if err != nil {
		return contracts.Fail(err)
	}
	if !perm.Allowed {
		return contracts.Fail(contracts.Errorf(contracts.CodeNotAuthorized,
			"%s denied: %s", in.Kind, perm.Reason))
	}

	// 4. Metering. Permission cost plus, for invokes, the method price and
	// one cpu_rate unit. Evaluated before the effect; a metered failure
	// leaves no state behind.
	consumed, payer, err := d.meter(ctx, in, target, perm)
	if err != nil {
		return contracts.Fail(err)
	}

	// 5. Effect.
	res := d.applyEffect(ctx, in, target, perm, depth)

	// Metered charges stand whether or not the effect succeeded: the
	// attempt itself was the paid-for service.
	for r, v := range consumed {
		res.ResourcesConsumed.Add(r, v)
	}
	if res.ChargedTo == "" && len(res.ResourcesConsumed) > 0 {
		res.ChargedTo = payer
	}
	return res
}

// normalize fills the defaults Validate leaves open.
func normalize(in *contracts.Intent) {
	switch in.Kind {
	case contracts.IntentModifySystemPrompt:
		if in.ArtifactID == "" {
			in.ArtifactID = in.PrincipalID
		}
	case contracts.IntentInvoke:
		if in.Method == "" {
			in.Method = "run"
		}
	}
}

// resolveTarget loads the artifact the intent addresses, applying the
// per-kind tombstone rules: reads return tombstones to the effect, every
// other operation on a tombstone fails here.
func (d *Dispatcher) resolveTarget(in *contracts.Intent) (*contracts.Artifact, error) {
	switch in.Kind {
	case contracts.IntentTransfer, contracts.IntentQuery, contracts.IntentNoop:
		return nil, nil

	case contracts.IntentRead:
		return d.store.Get(in.ArtifactID)

	case contracts.IntentWrite:
		if !d.store.Exists(in.ArtifactID) {
			return nil, nil // create path
		}
		a, err := d.store.Get(in.ArtifactID)
		if err != nil {
			return nil, err
		}
		if a.Deleted {
			return nil, artifact.DeletedError(a)
		}
		return a, nil

	case contracts.IntentModifySystemPrompt:
		if in.ArtifactID != in.PrincipalID {
			return nil, contracts.Errorf(contracts.CodeNotAuthorized,
				"modify_system_prompt edits the caller's own artifact, not %q", in.ArtifactID)
		}
		fallthrough

	case contracts.IntentInvoke, contracts.IntentDelete, contracts.IntentUpdateMetadata:
		a, err := d.store.Get(in.ArtifactID)
		if err != nil {
			return nil, err
		}
		if a.Deleted {
			return nil, artifact.DeletedError(a)
		}
		return a, nil
	}
	return nil, contracts.Errorf(contracts.CodeInvalidType, "unknown action_type %q", in.Kind)
}

// checkPermission runs the target's access handler. Intents without a
// governed target (transfer, query, noop, creates) pass trivially, as does
// an invoke of an artifact that declares handle_request: such artifacts do
// their own access control inside the call.
func (d *Dispatcher) checkPermission(ctx context.Context, in *contracts.Intent, target *contracts.Artifact, depth int) (contracts.PermissionResult, error) {
	if target == nil {
		return contracts.Allow("no governed target"), nil
	}
	switch in.Kind {
	case contracts.IntentModifySystemPrompt:
		// Kernel-enforced self-edit; the protected prefix and size cap are
		// the policy.
		return contracts.Allow("self prompt edit"), nil
	case contracts.IntentInvoke:
		if target.Interface.Method("handle_request") != nil {
			return contracts.Allow("target self-governs via handle_request"), nil
		}
	}

	req := access.Request{
		Caller:    in.PrincipalID,
		Operation: in.OperationName(),
		Args:      permissionArgs(in),
		Artifact:  target,
		Depth:     depth,
	}
	return d.acl.Check(ctx, target.AccessContractID, req)
}

// permissionArgs is the operation description handlers (and CEL contract
// expressions, as the args variable) decide on.
func permissionArgs(in *contracts.Intent) map[string]any {
	args := map[string]any{}
	switch in.Kind {
	case contracts.IntentInvoke:
		args["method"] = in.Method
		args["args"] = in.Args
	case contracts.IntentWrite:
		args["content_size"] = len(in.Content)
		if in.Code != "" {
			args["has_code"] = true
		}
	case contracts.IntentUpdateMetadata:
		keys := make([]string, 0, len(in.Updates))
		for k := range in.Updates {
			keys = append(keys, k)
		}
		args["keys"] = keys
	}
	return args
}

// meter applies stage-4 charges: the handler's scrip cost, the invoked
// method's declared price, and one cpu_rate unit per invoke. Scrip is
// debited before the rate window is consumed so a broke caller hears the
// permanent error; a rate refusal refunds the debit.
func (d *Dispatcher) meter(ctx context.Context, in *contracts.Intent, target *contracts.Artifact, perm contracts.PermissionResult) (contracts.ResourcesConsumed, string, error) {
	payer := perm.Payer
	if payer == "" {
		payer = in.PrincipalID
	}

	scripCost := perm.Cost
	if in.Kind == contracts.IntentInvoke && target != nil {
		if spec := target.Interface.Method(in.Method); spec != nil {
			scripCost += spec.Cost
		}
	}

	var consumed contracts.ResourcesConsumed
	if scripCost > 0 {
		if _, err := d.led.DebitScrip(payer, scripCost); err != nil {
			return nil, payer, err
		}
		consumed.Add(contracts.ResourceScrip, float64(scripCost))
	}

	if in.Kind == contracts.IntentInvoke {
		if err := d.rates.Consume(ctx, in.PrincipalID, contracts.ResourceCPURate, 1); err != nil {
			if scripCost > 0 {
				_, _ = d.led.CreditScrip(payer, scripCost)
			}
			return nil, payer, err
		}
		consumed.Add(contracts.ResourceCPURate, 1)
	}
	return consumed, payer, nil
}

func (d *Dispatcher) applyEffect(ctx context.Context, in *contracts.Intent, target *contracts.Artifact, perm contracts.PermissionResult, depth int) contracts.ActionResult {
	switch in.Kind {
	case contracts.IntentRead:
		return d.effectRead(target)
	case contracts.IntentWrite:
		return d.effectWrite(ctx, in, target)
	case contracts.IntentInvoke:
		return d.effectInvoke(ctx, in, target, depth)
	case contracts.IntentTransfer:
		return d.effectTransfer(in)
	case contracts.IntentDelete:
		return d.effectDelete(in)
	case contracts.IntentQuery:
		return d.effectQuery(in)
	case contracts.IntentNoop:
		return d.effectNoop(in)
	case contracts.IntentUpdateMetadata:
		return d.effectUpdateMetadata(in, target, perm)
	case contracts.IntentModifySystemPrompt:
		return d.effectModifyPrompt(in, target)
	}
	return contracts.Fail(contracts.Errorf(contracts.CodeInvalidType, "unknown action_type %q", in.Kind))
}

// logAction appends the one action event this dispatch owes the log. The
// event survives caller cancellation: an audit trail with holes where
// contexts died is not an audit trail.
func (d *Dispatcher) logAction(ctx context.Context, in *contracts.Intent, res *contracts.ActionResult) {
	data := map[string]any{
		"intent": jsonMap(in),
		"result": jsonMap(res),
	}
	if _, err := d.log.Append(context.WithoutCancel(ctx), eventlog.EventAction, in.PrincipalID, data); err != nil {
		d.logger.Warn("action event append failed", "intent", in.String(), "error", err)
	}
}

// append emits an auxiliary typed event (artifact_created, invoke_success,
// ...). Best-effort for the same reason logAction is.
func (d *Dispatcher) append(ctx context.Context, typ eventlog.EventType, principalID string, data map[string]any) {
	if _, err := d.log.Append(context.WithoutCancel(ctx), typ, principalID, data); err != nil {
		d.logger.Warn("event append failed", "type", string(typ), "error", err)
	}
}

// jsonMap lowers v to the wire shape the event log stores.
func jsonMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	return out
}
