package access

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// celCostLimit bounds the interpreter so a hostile contract cannot stall
// every dispatch that consults it.
const celCostLimit = 100000

// CELHandler evaluates a contract artifact's code as a CEL expression over
// caller, operation, args and artifact. The expression returns either a
// bare boolean or a PermissionResult-shaped map.
type CELHandler struct {
	program cel.Program
	source  string
}

// NewCELHandler compiles code once; the returned handler is safe for
// concurrent use.
func NewCELHandler(code string) (*CELHandler, error) {
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("artifact", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(code)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile access expression: %w", issues.Err())
	}
	program, err := env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("build access program: %w", err)
	}
	return &CELHandler{program: program, source: code}, nil
}

// Check implements Handler.
func (h *CELHandler) Check(_ context.Context, req Request) (contracts.PermissionResult, error) {
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	val, _, err := h.program.Eval(map[string]any{
		"caller":    req.Caller,
		"operation": req.Operation,
		"args":      args,
		"artifact":  artifactMap(req.Artifact),
	})
	if err != nil {
		return contracts.PermissionResult{}, contracts.WrapError(contracts.CodeRuntimeError,
			"access expression failed", err)
	}

	switch out := val.Value().(type) {
	case bool:
		if out {
			return contracts.Allow("expression allowed"), nil
		}
		return contracts.Deny("expression denied"), nil
	}

	native, err := val.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return contracts.PermissionResult{}, contracts.Errorf(contracts.CodeRuntimeError,
			"access expression must return bool or map, got %s", val.Type().TypeName())
	}
	return resultFromMap(native.(map[string]any)), nil
}

func resultFromMap(m map[string]any) contracts.PermissionResult {
	out := contracts.PermissionResult{}
	if v, ok := m["allowed"].(bool); ok {
		out.Allowed = v
	}
	if v, ok := m["reason"].(string); ok {
		out.Reason = v
	}
	switch v := m["cost"].(type) {
	case int64:
		out.Cost = v
	case uint64:
		out.Cost = int64(v)
	case float64:
		out.Cost = int64(v)
	}
	if v, ok := m["payer"].(string); ok {
		out.Payer = v
	}
	if v, ok := m["conditions"].(map[string]any); ok {
		out.Conditions = v
	}
	return out
}

// artifactMap exposes the target to expressions with wire-shape fields.
func artifactMap(a *contracts.Artifact) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return map[string]any{"id": a.ID}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"id": a.ID}
	}
	return out
}
