package genesis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/sandbox"
)

// Native shim names. Executable artifacts with runtime=native carry one of
// these in code; the conventional genesis artifact ids match.
const (
	NativeLedgerAPI   = "ledger_api"
	NativeStoreAPI    = "store_api"
	NativeEventLogAPI = "event_log_api"
)

// tailCap bounds how much history the event-log shim hands to artifact
// code in one call.
const tailCap = 1000

// RegisterNatives installs the kernel API shims and the built-in access
// handlers on the executor's native registry. Shims act through the same
// env handles as sandboxed code; metering, permissions and the depth cap
// apply upstream, so none of this is privileged.
func RegisterNatives(reg *sandbox.NativeRegistry, acl *access.Registry, log eventlog.Log) error {
	shims := map[string]sandbox.NativeFunc{
		NativeLedgerAPI:   ledgerShim(),
		NativeStoreAPI:    storeShim(),
		NativeEventLogAPI: eventLogShim(log),
	}
	for _, id := range []string{
		access.HandlerOpen,
		access.HandlerCreatorOnly,
		access.HandlerAuthorizedWriter,
		access.HandlerDenyAll,
	} {
		h, ok := acl.Lookup(id)
		if !ok {
			return contracts.Errorf(contracts.CodeNotFound,
				"built-in access handler %q is not registered", id)
		}
		shims[id] = accessShim(h)
	}
	for name, fn := range shims {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// ledgerShim exposes the balance sheet to artifact code. Reads default to
// the executing artifact; transfers always move the artifact's own funds.
func ledgerShim() sandbox.NativeFunc {
	return func(ctx context.Context, env sandbox.Env, method string, args []any) (any, error) {
		switch method {
		case "get_balance":
			return env.State.GetBalance(stringArg(args, 0, env.SelfID))
		case "get_resource":
			if len(args) == 1 {
				resource, err := requireString(args, 0, "resource")
				if err != nil {
					return nil, err
				}
				return env.State.GetResource(env.SelfID, resource)
			}
			id, err := requireString(args, 0, "principal_id")
			if err != nil {
				return nil, err
			}
			resource, err := requireString(args, 1, "resource")
			if err != nil {
				return nil, err
			}
			return env.State.GetResource(id, resource)
		case "transfer":
			to, err := requireString(args, 0, "to")
			if err != nil {
				return nil, err
			}
			amount, err := requireNumber(args, 1, "amount")
			if err != nil {
				return nil, err
			}
			return env.Actions.TransferScrip(ctx, to, int64(amount))
		case "transfer_resource":
			to, err := requireString(args, 0, "to")
			if err != nil {
				return nil, err
			}
			resource, err := requireString(args, 1, "resource")
			if err != nil {
				return nil, err
			}
			amount, err := requireNumber(args, 2, "amount")
			if err != nil {
				return nil, err
			}
			return env.Actions.TransferResource(ctx, to, resource, amount)
		}
		return nil, contracts.Errorf(contracts.CodeInvalidArgument,
			"%s has no method %q", NativeLedgerAPI, method)
	}
}

// storeShim is the artifact arena as seen from inside the sandbox.
func storeShim() sandbox.NativeFunc {
	return func(ctx context.Context, env sandbox.Env, method string, args []any) (any, error) {
		switch method {
		case "read":
			id, err := requireString(args, 0, "artifact_id")
			if err != nil {
				return nil, err
			}
			return env.State.ReadArtifact(id)
		case "metadata":
			id, err := requireString(args, 0, "artifact_id")
			if err != nil {
				return nil, err
			}
			return env.State.GetArtifactMetadata(id)
		case "list_by_owner":
			return env.State.ListArtifactsByOwner(stringArg(args, 0, env.SelfID))
		case "write":
			id, err := requireString(args, 0, "artifact_id")
			if err != nil {
				return nil, err
			}
			content, err := requireString(args, 1, "content")
			if err != nil {
				return nil, err
			}
			return env.Actions.WriteArtifact(ctx, id, content)
		}
		return nil, contracts.Errorf(contracts.CodeInvalidArgument,
			"%s has no method %q", NativeStoreAPI, method)
	}
}

// eventLogShim grants read access to the public event stream, the same
// view the query intent serves. Appends stay impossible: only the
// dispatcher writes events.
func eventLogShim(log eventlog.Log) sandbox.NativeFunc {
	return func(_ context.Context, env sandbox.Env, method string, args []any) (any, error) {
		switch method {
		case "last_seq":
			return log.LastSeq(), nil
		case "tail":
			n := clamp(int(numberArg(args, 0, 20)), 1, tailCap)
			var from uint64
			if last := log.LastSeq(); uint64(n) < last {
				from = last - uint64(n) + 1
			}
			return eventMaps(log.Snapshot(eventlog.Filter{FromSeq: from})), nil
		case "since":
			from, err := requireNumber(args, 0, "from_seq")
			if err != nil {
				return nil, err
			}
			events := log.Snapshot(eventlog.Filter{FromSeq: uint64(from)})
			if len(events) > tailCap {
				events = events[:tailCap]
			}
			return eventMaps(events), nil
		case "pending_triggers":
			return env.State.PendingTriggers()
		}
		return nil, contracts.Errorf(contracts.CodeInvalidArgument,
			"%s has no method %q", NativeEventLogAPI, method)
	}
}

// accessShim wraps a built-in handler so policy is also invokable: agents
// probe a decision by calling check_access with the same request map the
// dispatcher builds. Enforcement stays with the registry fast path; this
// is an oracle.
func accessShim(h access.Handler) sandbox.NativeFunc {
	return func(ctx context.Context, env sandbox.Env, method string, args []any) (any, error) {
		if method != "check_access" && method != "run" {
			return nil, contracts.Errorf(contracts.CodeInvalidArgument,
				"access handlers answer check_access, not %q", method)
		}
		req := access.Request{Caller: env.CallerID, Depth: env.Depth}
		if len(args) > 0 {
			m, ok := args[0].(map[string]any)
			if !ok {
				return nil, contracts.NewError(contracts.CodeInvalidArgument,
					"check_access takes a request map")
			}
			if s, ok := m["caller"].(string); ok && s != "" {
				req.Caller = s
			}
			req.Operation, _ = m["operation"].(string)
			if a, ok := m["args"].(map[string]any); ok {
				req.Args = a
			}
			req.Artifact = decodeArtifact(m["artifact"])
		}
		perm, err := h.Check(ctx, req)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"allowed": perm.Allowed, "reason": perm.Reason}
		if perm.Cost != 0 {
			out["cost"] = perm.Cost
		}
		if perm.Payer != "" {
			out["payer"] = perm.Payer
		}
		if len(perm.Conditions) > 0 {
			out["conditions"] = perm.Conditions
		}
		return out, nil
	}
}

func decodeArtifact(v any) *contracts.Artifact {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var a contracts.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	return &a
}

func eventMaps(events []eventlog.Event) []any {
	out := make([]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"id":           e.ID,
			"seq":          e.Seq,
			"ts":           e.TS.UTC().Format(time.RFC3339Nano),
			"type":         string(e.Type),
			"principal_id": e.PrincipalID,
			"data":         e.Data,
			"hash":         e.Hash,
		})
	}
	return out
}

func stringArg(args []any, i int, def string) string {
	if i < len(args) {
		if s, ok := args[i].(string); ok && s != "" {
			return s
		}
	}
	return def
}

func requireString(args []any, i int, name string) (string, error) {
	if i < len(args) {
		if s, ok := args[i].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", contracts.Errorf(contracts.CodeInvalidArgument, "argument %d (%s) must be a string", i, name)
}

func requireNumber(args []any, i int, name string) (float64, error) {
	if i < len(args) {
		if f, ok := asNumber(args[i]); ok {
			return f, nil
		}
	}
	return 0, contracts.Errorf(contracts.CodeInvalidArgument, "argument %d (%s) must be a number", i, name)
}

func numberArg(args []any, i int, def float64) float64 {
	if i < len(args) {
		if f, ok := asNumber(args[i]); ok {
			return f
		}
	}
	return def
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
