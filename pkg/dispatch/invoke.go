package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/sandbox"
)

// effectInvoke executes the target's code one sandbox frame deeper than the
// caller. Targets declaring handle_request receive (caller, method, args)
// and do their own access control; everyone else gets the requested method
// after the access handler already said yes.
func (d *Dispatcher) effectInvoke(ctx context.Context, in *contracts.Intent, target *contracts.Artifact, depth int) contracts.ActionResult {
	if spec := target.Interface.Method(in.Method); spec != nil {
		if err := d.validator.CheckArgs(target.ID, spec, in.Args); err != nil {
			d.invokeFailed(ctx, in, contracts.AsError(err))
			return contracts.Fail(err)
		}
	}

	method := in.Method
	args := in.Args
	if method != "handle_request" && target.Interface.Method("handle_request") != nil {
		orig := in.Args
		if orig == nil {
			orig = []any{}
		}
		method = "handle_request"
		args = []any{in.PrincipalID, in.Method, orig}
	}

	env := d.frameEnv(ctx, in.PrincipalID, target, depth+1)
	start := time.Now()
	out, err := d.exec.Execute(ctx, env, sandbox.Call{Target: target, Method: method, Args: args})
	elapsed := time.Since(start)

	if err != nil {
		d.invokeFailed(ctx, in, contracts.AsError(err))
		return contracts.Fail(err)
	}

	data := map[string]any{
		"artifact_id": target.ID,
		"method":      in.Method,
		"duration_ms": elapsed.Milliseconds(),
	}
	if method != in.Method {
		data["via"] = method
	}
	d.append(ctx, eventlog.EventInvokeSuccess, in.PrincipalID, data)

	return contracts.OKData(fmt.Sprintf("invoked %s.%s", target.ID, in.Method), map[string]any{
		"result": out,
	})
}

func (d *Dispatcher) invokeFailed(ctx context.Context, in *contracts.Intent, ke *contracts.Error) {
	d.append(ctx, eventlog.EventInvokeFailure, in.PrincipalID, map[string]any{
		"artifact_id": in.ArtifactID,
		"method":      in.Method,
		"error_code":  string(ke.Code),
		"retriable":   ke.Retriable(),
	})
}

// frameEnv assembles the environment one sandbox frame runs under. The
// handles act as the running artifact, not the invoker: nested actions spend
// the artifact's funds and answer to its own rate windows, and the LLM
// syscall appears only when the artifact carries can_call_llm.
func (d *Dispatcher) frameEnv(ctx context.Context, callerID string, target *contracts.Artifact, frameDepth int) sandbox.Env {
	env := sandbox.Env{
		CallerID: callerID,
		SelfID:   target.ID,
		Depth:    frameDepth,
		State:    &stateHandle{d: d, ctx: ctx, selfID: target.ID, depth: frameDepth},
		Actions:  &actionsHandle{d: d, selfID: target.ID, depth: frameDepth},
	}
	if d.gateway != nil && target.HasCapability(contracts.CapCallLLM) {
		env.LLM = d.gateway.Syscall(target.ID)
	}
	return env
}

// resolveContract is the access.Resolver the dispatcher installs: it turns
// access_contract_id values that name an artifact with code into handlers
// that execute that code. Dangling ids, tombstones and code-less artifacts
// resolve to nothing, leaving the default policy in charge.
func (d *Dispatcher) resolveContract(_ context.Context, contractID string) (access.Handler, bool) {
	a, err := d.store.Get(contractID)
	if err != nil || a.Deleted || strings.TrimSpace(a.Code) == "" {
		return nil, false
	}
	return access.HandlerFunc(func(ctx context.Context, req access.Request) (contracts.PermissionResult, error) {
		return d.runContract(ctx, contractID, req)
	}), true
}

// runContract executes a contract artifact's check_access and interprets the
// result. Contracts run one frame deeper than the operation they judge and
// hold the same handles as any invocation, so a handler that calls back into
// the dispatcher is bounded by the depth cap like everything else. Execution
// failures deny.
func (d *Dispatcher) runContract(ctx context.Context, contractID string, req access.Request) (contracts.PermissionResult, error) {
	contract, err := d.store.Get(contractID)
	if err != nil || contract.Deleted {
		return contracts.Deny(fmt.Sprintf("access contract %q is gone", contractID)), nil
	}

	env := d.frameEnv(ctx, req.Caller, contract, req.Depth+1)
	env.Bindings = map[string]any{
		"operation": req.Operation,
		"args":      req.Args,
		"artifact":  jsonMap(req.Artifact),
	}
	reqMap := map[string]any{
		"caller":    req.Caller,
		"operation": req.Operation,
		"args":      req.Args,
		"artifact":  jsonMap(req.Artifact),
	}

	out, err := d.exec.Execute(ctx, env, sandbox.Call{
		Target: contract,
		Method: "check_access",
		Args:   []any{reqMap},
	})
	if err != nil {
		ke := contracts.AsError(err)
		d.logger.Warn("access contract failed; denying",
			"contract_id", contractID, "operation", req.Operation, "error", ke.Error())
		return contracts.Deny(fmt.Sprintf("access contract %q failed: %s", contractID, ke.Message)), nil
	}
	return contractVerdict(contractID, out), nil
}

// contractVerdict lowers whatever the contract returned to a
// PermissionResult. Booleans are the common case; maps may carry reason,
// cost, payer and conditions. Anything else denies.
func contractVerdict(contractID string, out any) contracts.PermissionResult {
	switch v := out.(type) {
	case bool:
		if v {
			return contracts.Allow(fmt.Sprintf("access contract %q", contractID))
		}
		return contracts.Deny(fmt.Sprintf("access contract %q", contractID))
	case map[string]any:
		perm := contracts.PermissionResult{}
		perm.Allowed, _ = v["allowed"].(bool)
		perm.Reason, _ = v["reason"].(string)
		if c, ok := filterNumber(v, "cost"); ok {
			perm.Cost = int64(c)
		}
		perm.Payer, _ = v["payer"].(string)
		if cond, ok := v["conditions"].(map[string]any); ok {
			perm.Conditions = cond
		}
		if perm.Reason == "" {
			perm.Reason = fmt.Sprintf("access contract %q", contractID)
		}
		return perm
	}
	return contracts.Deny(fmt.Sprintf("access contract %q returned %T, want bool or decision map", contractID, out))
}
