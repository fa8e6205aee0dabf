package loop

import (
	"encoding/json"
	"strings"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/llm"
)

// intentTools advertises the dispatcher's surface to the model, one tool
// per intent kind. Arguments mirror the intent wire shape minus
// principal_id, which the loop stamps.
func intentTools() []llm.ToolDefinition {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}

	return []llm.ToolDefinition{
		{
			Name:        "read",
			Description: "Read an artifact's content, interface and metadata. Deleted artifacts return a tombstone.",
			Parameters:  obj(map[string]any{"artifact_id": str}, "artifact_id"),
		},
		{
			Name:        "write",
			Description: "Create an artifact, or update one you may write. Creation needs kind and interface.",
			Parameters: obj(map[string]any{
				"artifact_id": str,
				"content":     str,
				"code":        str,
				"kind":        map[string]any{"type": "string", "enum": []string{"data", "executable", "agent", "contract", "trigger", "workflow", "reflex"}},
				"interface":   map[string]any{"type": "object"},
				"metadata":    map[string]any{"type": "object"},
			}, "artifact_id"),
		},
		{
			Name:        "invoke",
			Description: "Invoke a method on an executable artifact. Costs what the method's interface declares.",
			Parameters: obj(map[string]any{
				"artifact_id": str,
				"method":      str,
				"args":        map[string]any{"type": "array"},
			}, "artifact_id"),
		},
		{
			Name:        "transfer",
			Description: "Move scrip, llm_budget, or disk_quota to another principal.",
			Parameters: obj(map[string]any{
				"to":       str,
				"amount":   num,
				"resource": map[string]any{"type": "string", "enum": []string{"scrip", "llm_budget", "disk_quota"}},
			}, "to", "amount", "resource"),
		},
		{
			Name:        "query",
			Description: "Inspect the world: artifacts, principals, balances, events, or triggers.",
			Parameters: obj(map[string]any{
				"query_type": map[string]any{"type": "string", "enum": []string{"artifacts", "principals", "balances", "events", "triggers"}},
				"filter":     map[string]any{"type": "object"},
			}, "query_type"),
		},
		{
			Name:        "delete",
			Description: "Soft-delete an artifact you may delete. The tombstone stays observable.",
			Parameters:  obj(map[string]any{"artifact_id": str}, "artifact_id"),
		},
		{
			Name:        "update_metadata",
			Description: "Merge keys into an artifact's metadata. Reserved keys are refused.",
			Parameters: obj(map[string]any{
				"artifact_id": str,
				"updates":     map[string]any{"type": "object"},
			}, "artifact_id", "updates"),
		},
		{
			Name:        "noop",
			Description: "Do nothing this turn, with an optional reason.",
			Parameters:  obj(map[string]any{"reason": str}),
		},
	}
}

// intentFromToolCall maps a tool call onto an intent: the tool name is the
// action_type, the arguments are the intent fields.
func intentFromToolCall(tc llm.ToolCall) (contracts.Intent, error) {
	args := make(map[string]any, len(tc.Arguments)+1)
	for k, v := range tc.Arguments {
		args[k] = v
	}
	args["action_type"] = tc.Name
	raw, err := json.Marshal(args)
	if err != nil {
		return contracts.Intent{}, contracts.WrapError(contracts.CodeInvalidArgument, "encode tool call", err)
	}
	var in contracts.Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return contracts.Intent{}, contracts.WrapError(contracts.CodeInvalidArgument, "decode tool call", err)
	}
	return in, nil
}

// intentFromText accepts the non-tool fallback: a reply that is one JSON
// intent object.
func intentFromText(content string) (contracts.Intent, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return contracts.Intent{}, false
	}
	var in contracts.Intent
	if err := json.Unmarshal([]byte(trimmed), &in); err != nil || in.Kind == "" {
		return contracts.Intent{}, false
	}
	return in, true
}
