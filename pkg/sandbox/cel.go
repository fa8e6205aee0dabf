package sandbox

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// celCostLimit bounds interpreter work per invocation; the wall-clock
// deadline still applies on top.
const celCostLimit = 1 << 20

// hostErrors records the taxonomy error behind the most recent failed
// handle call. CEL flattens errors to strings, so when Eval fails this is
// how budget_exhausted and friends keep their codes.
type hostErrors struct {
	mu   sync.Mutex
	last *contracts.Error
}

func (h *hostErrors) capture(err error) ref.Val {
	ke := contracts.AsError(err)
	h.mu.Lock()
	h.last = ke
	h.mu.Unlock()
	return types.NewErr("%s", ke.Error())
}

func (e *Executor) execCEL(ctx context.Context, env Env, call Call) (any, error) {
	expr, err := selectExpression(call.Target.Code, call.Method)
	if err != nil {
		return nil, err
	}

	rec := &hostErrors{}
	celEnv, err := newCELEnv(ctx, env, rec)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError, "cel environment", err)
	}
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError,
			"artifact code does not compile", issues.Err())
	}
	prg, err := celEnv.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, contracts.WrapError(contracts.CodeRuntimeError, "build program", err)
	}

	args := call.Args
	if args == nil {
		args = []any{}
	}
	vars := map[string]any{
		"caller": env.CallerID,
		"self":   env.SelfID,
		"method": call.Method,
		"args":   args,
	}
	for name, v := range env.Bindings {
		vars[name] = v
	}
	val, _, err := prg.Eval(vars)
	if err != nil {
		rec.mu.Lock()
		last := rec.last
		rec.mu.Unlock()
		if last != nil {
			return nil, last
		}
		return nil, contracts.WrapError(contracts.CodeRuntimeError, "evaluation failed", err)
	}
	return nativeValue(val)
}

// selectExpression picks the expression for method. Code is either one
// expression serving every method (branch on the bound method variable) or
// a JSON object of method name to expression.
func selectExpression(code, method string) (string, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "", contracts.NewError(contracts.CodeRuntimeError, "artifact has no code")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	var byMethod map[string]string
	if err := json.Unmarshal([]byte(trimmed), &byMethod); err != nil {
		// Not a method table; CEL map literals also start with "{".
		return trimmed, nil
	}
	if expr, ok := byMethod[method]; ok {
		return expr, nil
	}
	if expr, ok := byMethod["run"]; ok {
		return expr, nil
	}
	return "", contracts.Errorf(contracts.CodeInvalidArgument, "method %q is not implemented", method)
}

// newCELEnv builds the evaluation environment: caller/self/method/args
// variables plus the kernel handle functions, bound as closures over this
// invocation's Env.
func newCELEnv(ctx context.Context, env Env, rec *hostErrors) (*cel.Env, error) {
	adapter := types.DefaultTypeAdapter
	wrap := func(v any, err error) ref.Val {
		if err != nil {
			return rec.capture(err)
		}
		return adapter.NativeToValue(v)
	}
	str := func(v ref.Val) string {
		s, _ := v.Value().(string)
		return s
	}

	opts := []cel.EnvOption{
		cel.Variable("caller", cel.StringType),
		cel.Variable("self", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("args", cel.DynType),
	}
	for name := range env.Bindings {
		switch name {
		case "caller", "self", "method", "args":
			continue
		}
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	opts = append(opts,

		cel.Function("get_balance",
			cel.Overload("get_balance_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(id ref.Val) ref.Val {
					if env.State == nil {
						return rec.capture(errNoState)
					}
					return wrap(env.State.GetBalance(str(id)))
				}))),
		cel.Function("get_resource",
			cel.Overload("get_resource_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.DoubleType,
				cel.BinaryBinding(func(id, resource ref.Val) ref.Val {
					if env.State == nil {
						return rec.capture(errNoState)
					}
					return wrap(env.State.GetResource(str(id), str(resource)))
				}))),
		cel.Function("get_artifact_metadata",
			cel.Overload("get_artifact_metadata_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(id ref.Val) ref.Val {
					if env.State == nil {
						return rec.capture(errNoState)
					}
					return wrap(env.State.GetArtifactMetadata(str(id)))
				}))),
		cel.Function("read_artifact",
			cel.Overload("read_artifact_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(id ref.Val) ref.Val {
					if env.State == nil {
						return rec.capture(errNoState)
					}
					return wrap(env.State.ReadArtifact(str(id)))
				}))),
		cel.Function("list_artifacts_by_owner",
			cel.Overload("list_artifacts_by_owner_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(owner ref.Val) ref.Val {
					if env.State == nil {
						return rec.capture(errNoState)
					}
					return wrap(env.State.ListArtifactsByOwner(str(owner)))
				}))),
		cel.Function("get_pending_triggers",
			cel.Overload("get_pending_triggers", []*cel.Type{}, cel.DynType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					if env.State == nil {
						return rec.capture(errNoState)
					}
					return wrap(env.State.PendingTriggers())
				}))),

		cel.Function("write_artifact",
			cel.Overload("write_artifact_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.DynType,
				cel.BinaryBinding(func(id, content ref.Val) ref.Val {
					if env.Actions == nil {
						return rec.capture(errNoActions)
					}
					return wrap(env.Actions.WriteArtifact(ctx, str(id), str(content)))
				}))),
		cel.Function("transfer_scrip",
			cel.Overload("transfer_scrip_string_int", []*cel.Type{cel.StringType, cel.IntType}, cel.DynType,
				cel.BinaryBinding(func(to, amount ref.Val) ref.Val {
					if env.Actions == nil {
						return rec.capture(errNoActions)
					}
					n, _ := amount.Value().(int64)
					return wrap(env.Actions.TransferScrip(ctx, str(to), n))
				}))),
		cel.Function("transfer_resource",
			cel.Overload("transfer_resource_string_string_double", []*cel.Type{cel.StringType, cel.StringType, cel.DoubleType}, cel.DynType,
				cel.FunctionBinding(func(vals ...ref.Val) ref.Val {
					if env.Actions == nil {
						return rec.capture(errNoActions)
					}
					amtVal := vals[2].ConvertToType(types.DoubleType)
					if types.IsError(amtVal) {
						return rec.capture(contracts.NewError(contracts.CodeInvalidArgument,
							"transfer_resource amount must be numeric"))
					}
					amount, _ := amtVal.Value().(float64)
					return wrap(env.Actions.TransferResource(ctx, str(vals[0]), str(vals[1]), amount))
				}))),
		cel.Function("invoke",
			cel.Overload("invoke_string_string_list", []*cel.Type{cel.StringType, cel.StringType, cel.DynType}, cel.DynType,
				cel.FunctionBinding(func(vals ...ref.Val) ref.Val {
					if env.Actions == nil {
						return rec.capture(errNoActions)
					}
					callArgs, err := nativeList(vals[2])
					if err != nil {
						return rec.capture(err)
					}
					return wrap(env.Actions.Invoke(ctx, str(vals[0]), str(vals[1]), callArgs))
				}))),

		cel.Function("_syscall_llm",
			cel.Overload("syscall_llm_string_dyn", []*cel.Type{cel.StringType, cel.DynType}, cel.DynType,
				cel.BinaryBinding(func(model, messages ref.Val) ref.Val {
					return llmCall(ctx, env, rec, model, messages, nil)
				})),
			cel.Overload("syscall_llm_string_dyn_dyn", []*cel.Type{cel.StringType, cel.DynType, cel.DynType}, cel.DynType,
				cel.FunctionBinding(func(vals ...ref.Val) ref.Val {
					return llmCall(ctx, env, rec, vals[0], vals[1], vals[2])
				}))),
	)
	return cel.NewEnv(opts...)
}

var (
	errNoState = contracts.NewError(contracts.CodeRuntimeError,
		"kernel_state handle is not available in this context")
	errNoActions = contracts.NewError(contracts.CodeRuntimeError,
		"kernel_actions handle is not available in this context")
)

func llmCall(ctx context.Context, env Env, rec *hostErrors, model, messages, tools ref.Val) ref.Val {
	if env.LLM == nil {
		return rec.capture(contracts.NewError(contracts.CodeNotAuthorized,
			"can_call_llm capability is required for _syscall_llm"))
	}
	modelName, _ := model.Value().(string)
	msgs, err := nativeMapList(messages)
	if err != nil {
		return rec.capture(err)
	}
	var toolDefs []map[string]any
	if tools != nil {
		if toolDefs, err = nativeMapList(tools); err != nil {
			return rec.capture(err)
		}
	}
	out, err := env.LLM(ctx, modelName, msgs, toolDefs)
	if err != nil {
		return rec.capture(err)
	}
	return types.DefaultTypeAdapter.NativeToValue(out)
}

// nativeValue lowers a CEL value to plain Go shapes.
func nativeValue(val ref.Val) (any, error) {
	switch val.(type) {
	case traits.Mapper:
		native, err := val.ConvertToNative(reflect.TypeOf(map[string]any{}))
		if err != nil {
			return nil, contracts.WrapError(contracts.CodeRuntimeError, "convert result map", err)
		}
		return native, nil
	case traits.Lister:
		native, err := val.ConvertToNative(reflect.TypeOf([]any{}))
		if err != nil {
			return nil, contracts.WrapError(contracts.CodeRuntimeError, "convert result list", err)
		}
		return native, nil
	}
	if val == types.NullValue {
		return nil, nil
	}
	return val.Value(), nil
}

func nativeList(val ref.Val) ([]any, error) {
	out, err := nativeValue(val)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	list, ok := out.([]any)
	if !ok {
		return nil, contracts.Errorf(contracts.CodeInvalidArgument, "expected a list, got %T", out)
	}
	return list, nil
}

func nativeMapList(val ref.Val) ([]map[string]any, error) {
	list, err := nativeList(val)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, contracts.Errorf(contracts.CodeInvalidArgument,
				"expected a list of maps, got element %T", item)
		}
		out = append(out, m)
	}
	return out, nil
}
