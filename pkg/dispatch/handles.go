package dispatch

import (
	"context"
	"time"

	"github.com/emergence-labs/agora/pkg/access"
	"github.com/emergence-labs/agora/pkg/artifact"
	"github.com/emergence-labs/agora/pkg/contracts"
)

// stateHandle answers an executing artifact's read-only queries as of call
// time, without dispatching: state reads are free of action events. The
// handle acts as the running artifact (selfID); artifact reads still go
// through the target's access contract. ctx is the invocation's context,
// held here because the kernel_state surface predates context plumbing in
// artifact code.
type stateHandle struct {
	d      *Dispatcher
	ctx    context.Context
	selfID string
	depth  int
}

func (h *stateHandle) GetBalance(principalID string) (map[string]float64, error) {
	bal, err := h.d.led.Balance(principalID)
	if err != nil {
		return nil, err
	}
	return map[string]float64{
		string(contracts.ResourceScrip):     float64(bal.Scrip),
		string(contracts.ResourceLLMBudget): bal.LLMBudget,
		string(contracts.ResourceDiskQuota): float64(bal.DiskQuota),
	}, nil
}

// GetResource returns a single balance, or the remaining capacity of a rate
// window for the tracked resources.
func (h *stateHandle) GetResource(principalID string, resource string) (float64, error) {
	r := contracts.Resource(resource)
	if contracts.TransferableResource(r) {
		bal, err := h.d.led.Balance(principalID)
		if err != nil {
			return 0, err
		}
		return bal.Get(r), nil
	}
	if remaining, ok := h.d.rates.Peek(h.ctx, principalID, r); ok {
		return remaining, nil
	}
	return 0, contracts.Errorf(contracts.CodeInvalidType, "unknown resource %q", resource)
}

func (h *stateHandle) GetArtifactMetadata(artifactID string) (map[string]string, error) {
	a, err := h.d.store.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if a.Deleted {
		return nil, artifact.DeletedError(a)
	}
	if a.Metadata == nil {
		return map[string]string{}, nil
	}
	return a.Metadata, nil
}

func (h *stateHandle) ReadArtifact(artifactID string) (map[string]any, error) {
	a, err := h.d.store.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if a.Deleted {
		return map[string]any{
			"id":         a.ID,
			"kind":       string(a.Kind),
			"created_by": a.CreatedBy,
			"deleted":    true,
			"deleted_at": a.DeletedAt.UTC().Format(time.RFC3339),
			"deleted_by": a.DeletedBy,
		}, nil
	}

	perm, err := h.d.acl.Check(h.ctx, a.AccessContractID, access.Request{
		Caller:    h.selfID,
		Operation: string(contracts.IntentRead),
		Args:      map[string]any{},
		Artifact:  a,
		Depth:     h.depth,
	})
	if err != nil {
		return nil, err
	}
	if !perm.Allowed {
		return nil, contracts.Errorf(contracts.CodeNotAuthorized,
			"read of %q denied: %s", a.ID, perm.Reason)
	}
	if perm.Cost > 0 {
		payer := perm.Payer
		if payer == "" {
			payer = h.selfID
		}
		if _, err := h.d.led.DebitScrip(payer, perm.Cost); err != nil {
			return nil, err
		}
	}
	return jsonMap(a), nil
}

func (h *stateHandle) ListArtifactsByOwner(owner string) ([]string, error) {
	items := h.d.store.List(artifact.Filter{CreatedBy: owner})
	ids := make([]string, 0, len(items))
	for _, a := range items {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (h *stateHandle) PendingTriggers() ([]map[string]any, error) {
	if h.d.triggers == nil {
		return []map[string]any{}, nil
	}
	pending := h.d.triggers.Queue().Pending(h.selfID)
	out := make([]map[string]any, 0, len(pending))
	for i := range pending {
		out = append(out, jsonMap(&pending[i]))
	}
	return out, nil
}

// actionsHandle is the mutating handle: every call re-enters the dispatcher
// at the frame's depth, so sandboxed mutations meter, permission-check and
// log exactly like loop actions. The acting principal is the running
// artifact, never the caller that invoked it.
type actionsHandle struct {
	d      *Dispatcher
	selfID string
	depth  int
}

func (h *actionsHandle) WriteArtifact(ctx context.Context, artifactID, content string) (map[string]any, error) {
	return h.do(ctx, contracts.Intent{
		Kind:        contracts.IntentWrite,
		PrincipalID: h.selfID,
		ArtifactID:  artifactID,
		Content:     content,
	})
}

func (h *actionsHandle) TransferScrip(ctx context.Context, to string, amount int64) (map[string]any, error) {
	return h.do(ctx, contracts.Intent{
		Kind:        contracts.IntentTransfer,
		PrincipalID: h.selfID,
		To:          to,
		Resource:    contracts.ResourceScrip,
		Amount:      float64(amount),
	})
}

func (h *actionsHandle) TransferResource(ctx context.Context, to string, resource string, amount float64) (map[string]any, error) {
	return h.do(ctx, contracts.Intent{
		Kind:        contracts.IntentTransfer,
		PrincipalID: h.selfID,
		To:          to,
		Resource:    contracts.Resource(resource),
		Amount:      amount,
	})
}

func (h *actionsHandle) Invoke(ctx context.Context, targetID, method string, args []any) (map[string]any, error) {
	return h.do(ctx, contracts.Intent{
		Kind:        contracts.IntentInvoke,
		PrincipalID: h.selfID,
		ArtifactID:  targetID,
		Method:      method,
		Args:        args,
	})
}

func (h *actionsHandle) do(ctx context.Context, in contracts.Intent) (map[string]any, error) {
	res := h.d.dispatch(ctx, &in, h.depth)
	if !res.Success {
		return nil, res.Err()
	}
	return jsonMap(&res), nil
}
