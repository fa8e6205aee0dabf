package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emergence-labs/agora/pkg/artifact"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/trigger"
)

// Intent metadata keys the write effect consumes instead of storing.
const (
	// metaGrantCapabilities lists capabilities to grant the target,
	// comma-separated. The writer must hold every listed capability
	// unless it is a bare principal (an account with no backing artifact,
	// like the genesis loader).
	metaGrantCapabilities = "grant_capabilities"
	// metaAccessContract routes to the artifact's access_contract_id field.
	metaAccessContract = "access_contract_id"
)

func (d *Dispatcher) effectRead(a *contracts.Artifact) contracts.ActionResult {
	if a.Deleted {
		return contracts.OKData(fmt.Sprintf("artifact %q is deleted", a.ID), map[string]any{
			"id":         a.ID,
			"kind":       string(a.Kind),
			"created_by": a.CreatedBy,
			"deleted":    true,
			"deleted_at": a.DeletedAt.UTC().Format(time.RFC3339),
			"deleted_by": a.DeletedBy,
		})
	}
	return contracts.OKData(fmt.Sprintf("artifact %q", a.ID), jsonMap(a))
}

func (d *Dispatcher) effectWrite(ctx context.Context, in *contracts.Intent, target *contracts.Artifact) contracts.ActionResult {
	if target == nil {
		return d.createArtifact(ctx, in)
	}
	return d.updateArtifact(in, target)
}

func (d *Dispatcher) createArtifact(ctx context.Context, in *contracts.Intent) contracts.ActionResult {
	if in.ArtifactKind == "" {
		return contracts.Fail(contracts.NewError(contracts.CodeInvalidArgument,
			"creating an artifact requires kind"))
	}
	if in.Interface == nil {
		return contracts.Fail(contracts.NewError(contracts.CodeInvalidArgument,
			"creating an artifact requires interface"))
	}

	meta, grants, contractID, err := d.splitMetadata(in.PrincipalID, in.Metadata)
	if err != nil {
		return contracts.Fail(err)
	}

	hasStanding := in.Interface.HasStanding
	hasLoop := in.ArtifactKind == contracts.KindAgent && hasStanding
	if hasLoop {
		if err := d.writerHolds(in.PrincipalID, contracts.CapSpawnAgent); err != nil {
			return contracts.Fail(err)
		}
	}

	a := &contracts.Artifact{
		ID:               in.ArtifactID,
		Kind:             in.ArtifactKind,
		Content:          in.Content,
		Code:             in.Code,
		Interface:        *in.Interface,
		CreatedBy:        in.PrincipalID,
		AccessContractID: contractID,
		Capabilities:     grants,
		HasStanding:      hasStanding,
		HasLoop:          hasLoop,
		Metadata:         meta,
	}

	// Trigger content must parse before anything is committed.
	var def trigger.Definition
	if a.Kind == contracts.KindTrigger {
		if def, err = trigger.ParseArtifact(a); err != nil {
			return contracts.Fail(err)
		}
	}

	stored, err := d.store.Create(a)
	if err != nil {
		return contracts.Fail(err)
	}
	if hasStanding {
		if err := d.led.CreateAccount(stored.ID, ledger.Balances{}); err != nil {
			return contracts.Fail(contracts.WrapError(contracts.CodeRuntimeError,
				"artifact created but account open failed", err))
		}
	}

	size := artifact.Size(stored)
	d.append(ctx, eventlog.EventArtifactCreated, in.PrincipalID, map[string]any{
		"artifact_id":  stored.ID,
		"kind":         string(stored.Kind),
		"size_bytes":   size,
		"has_standing": stored.HasStanding,
		"has_loop":     stored.HasLoop,
	})

	// Triggers go live after their own artifact_created event: a definition
	// without from_seq sees only what happens next, while an explicit
	// from_seq backfills history.
	if a.Kind == contracts.KindTrigger && d.triggers != nil {
		if def.FromSeq == 0 {
			def.FromSeq = d.log.LastSeq() + 1
		}
		if err := d.triggers.Register(def); err != nil {
			return contracts.Fail(err)
		}
	}

	res := contracts.OKData(fmt.Sprintf("artifact %q created", stored.ID), map[string]any{
		"artifact_id": stored.ID,
		"kind":        string(stored.Kind),
		"created":     true,
		"size_bytes":  size,
	})
	res.ResourcesConsumed.Add(contracts.ResourceDiskQuota, float64(size))
	res.ChargedTo = in.PrincipalID
	return res
}

func (d *Dispatcher) updateArtifact(in *contracts.Intent, target *contracts.Artifact) contracts.ActionResult {
	if in.ArtifactKind != "" && in.ArtifactKind != target.Kind {
		return contracts.Fail(contracts.Errorf(contracts.CodeInvalidArgument,
			"artifact %q is a %s; kind cannot change", target.ID, target.Kind))
	}

	meta, grants, contractID, err := d.splitMetadata(in.PrincipalID, in.Metadata)
	if err != nil {
		return contracts.Fail(err)
	}

	if target.Kind == contracts.KindTrigger {
		probe := target.Clone()
		probe.Content = in.Content
		if _, err := trigger.ParseArtifact(probe); err != nil {
			return contracts.Fail(err)
		}
	}

	before := artifact.Size(target)
	updated, err := d.store.Update(target.ID, func(a *contracts.Artifact) error {
		a.Content = in.Content
		if in.Code != "" {
			a.Code = in.Code
		}
		if in.Interface != nil {
			a.Interface = *in.Interface
		}
		if contractID != "" {
			a.AccessContractID = contractID
		}
		for _, cap := range grants {
			if !a.HasCapability(cap) {
				a.Capabilities = append(a.Capabilities, cap)
			}
		}
		if len(meta) > 0 {
			if a.Metadata == nil {
				a.Metadata = make(map[string]string, len(meta))
			}
			for k, v := range meta {
				a.Metadata[k] = v
			}
		}
		return nil
	})
	if err != nil {
		return contracts.Fail(err)
	}

	if updated.Kind == contracts.KindTrigger && d.triggers != nil {
		d.triggers.Unregister(updated.ID)
		def, err := trigger.ParseArtifact(updated)
		if err == nil {
			if def.FromSeq == 0 {
				def.FromSeq = d.log.LastSeq() + 1
			}
			err = d.triggers.Register(def)
		}
		if err != nil {
			return contracts.Fail(err)
		}
	}

	res := contracts.OKData(fmt.Sprintf("artifact %q updated", updated.ID), map[string]any{
		"artifact_id": updated.ID,
		"created":     false,
		"size_bytes":  artifact.Size(updated),
	})
	if delta := artifact.Size(updated) - before; delta > 0 {
		res.ResourcesConsumed.Add(contracts.ResourceDiskQuota, float64(delta))
		res.ChargedTo = updated.CreatedBy
	}
	return res
}

// splitMetadata strips the keys the kernel consumes from the stored map and
// verifies the writer may grant what it is granting.
func (d *Dispatcher) splitMetadata(writerID string, meta map[string]string) (map[string]string, []contracts.Capability, string, error) {
	if len(meta) == 0 {
		return nil, nil, "", nil
	}
	stored := make(map[string]string, len(meta))
	var grants []contracts.Capability
	var contractID string
	for k, v := range meta {
		switch k {
		case metaGrantCapabilities:
			for _, tok := range strings.Split(v, ",") {
				tok = strings.TrimSpace(tok)
				if tok == "" {
					continue
				}
				grants = append(grants, contracts.Capability(tok))
			}
		case metaAccessContract:
			contractID = v
		default:
			stored[k] = v
		}
	}
	for _, cap := range grants {
		if err := d.writerHolds(writerID, cap); err != nil {
			return nil, nil, "", err
		}
	}
	if len(stored) == 0 {
		stored = nil
	}
	return stored, grants, contractID, nil
}

// writerHolds checks that writerID may confer cap. Bare principals (ledger
// accounts with no backing artifact) answer to nobody here; artifact-backed
// writers can only pass on capabilities they carry themselves.
func (d *Dispatcher) writerHolds(writerID string, cap contracts.Capability) error {
	if entry, ok := d.reg.Lookup(writerID); ok && entry.IsPrincipal && !entry.IsArtifact {
		return nil
	}
	a, err := d.store.Get(writerID)
	if err != nil {
		return contracts.Errorf(contracts.CodeNotAuthorized,
			"%s cannot grant %q: no artifact backs the writer", writerID, cap)
	}
	if a.Deleted || !a.HasCapability(cap) {
		return contracts.Errorf(contracts.CodeNotAuthorized,
			"%s cannot grant %q without holding it", writerID, cap)
	}
	return nil
}

func (d *Dispatcher) effectTransfer(in *contracts.Intent) contracts.ActionResult {
	fromBal, toBal, err := d.led.Transfer(in.PrincipalID, in.To, in.Resource, in.Amount)
	if err != nil {
		return contracts.Fail(err)
	}
	return contracts.OKData(
		fmt.Sprintf("transferred %v %s to %s", in.Amount, in.Resource, in.To),
		map[string]any{
			"resource":     string(in.Resource),
			"amount":       in.Amount,
			"new_balances": []any{fromBal.Get(in.Resource), toBal.Get(in.Resource)},
		})
}

func (d *Dispatcher) effectDelete(in *contracts.Intent) contracts.ActionResult {
	tomb, err := d.store.Delete(in.ArtifactID, in.PrincipalID)
	if err != nil {
		return contracts.Fail(err)
	}
	if tomb.Kind == contracts.KindTrigger && d.triggers != nil {
		d.triggers.Unregister(tomb.ID)
	}
	return contracts.OKData(fmt.Sprintf("artifact %q deleted", tomb.ID), map[string]any{
		"artifact_id": tomb.ID,
		"deleted_at":  tomb.DeletedAt.UTC().Format(time.RFC3339),
		"deleted_by":  tomb.DeletedBy,
	})
}

func (d *Dispatcher) effectQuery(in *contracts.Intent) contracts.ActionResult {
	switch in.QueryType {
	case contracts.QueryArtifacts:
		return d.queryArtifacts(in)
	case contracts.QueryPrincipals:
		return contracts.OKData("principals", map[string]any{
			"principals": d.reg.Principals(),
		})
	case contracts.QueryBalances:
		id := filterString(in.Filter, "principal_id")
		if id == "" {
			id = in.PrincipalID
		}
		bal, err := d.led.Balance(id)
		if err != nil {
			return contracts.Fail(err)
		}
		data := jsonMap(bal)
		data["principal_id"] = id
		return contracts.OKData(fmt.Sprintf("balances of %s", id), data)
	case contracts.QueryEvents:
		return d.queryEvents(in)
	case contracts.QueryTriggers:
		pending := d.pendingTriggers(in.PrincipalID)
		return contracts.OKData("pending trigger invocations", map[string]any{
			"pending": pending,
			"count":   len(pending),
		})
	}
	return contracts.Fail(contracts.Errorf(contracts.CodeInvalidType, "unknown query_type %q", in.QueryType))
}

func (d *Dispatcher) queryArtifacts(in *contracts.Intent) contracts.ActionResult {
	f := artifact.Filter{
		Kind:           contracts.ArtifactKind(filterString(in.Filter, "kind")),
		CreatedBy:      filterString(in.Filter, "created_by"),
		IncludeDeleted: filterBool(in.Filter, "include_deleted"),
	}
	if v, ok := in.Filter["has_loop"].(bool); ok {
		f.HasLoop = &v
	}
	if v, ok := in.Filter["has_standing"].(bool); ok {
		f.HasStanding = &v
	}

	items := d.store.List(f)
	summaries := make([]any, 0, len(items))
	for _, a := range items {
		s := map[string]any{
			"id":         a.ID,
			"kind":       string(a.Kind),
			"created_by": a.CreatedBy,
		}
		if a.Deleted {
			s["deleted"] = true
		}
		summaries = append(summaries, s)
	}
	return contracts.OKData(fmt.Sprintf("%d artifacts", len(summaries)), map[string]any{
		"artifacts": summaries,
		"count":     len(summaries),
	})
}

const (
	queryEventsDefaultLimit = 100
	queryEventsMaxLimit     = 1000
)

func (d *Dispatcher) queryEvents(in *contracts.Intent) contracts.ActionResult {
	f := eventlog.Filter{
		PrincipalID: filterString(in.Filter, "principal_id"),
	}
	if v, ok := filterNumber(in.Filter, "from_seq"); ok {
		f.FromSeq = uint64(v)
	}
	if raw, ok := in.Filter["types"].([]any); ok {
		for _, t := range raw {
			s, _ := t.(string)
			if !eventlog.ValidType(eventlog.EventType(s)) {
				return contracts.Fail(contracts.Errorf(contracts.CodeInvalidType,
					"unknown event type %q", s))
			}
			f.Types = append(f.Types, eventlog.EventType(s))
		}
	}
	limit := queryEventsDefaultLimit
	if v, ok := filterNumber(in.Filter, "limit"); ok && v > 0 {
		limit = int(v)
	}
	if limit > queryEventsMaxLimit {
		limit = queryEventsMaxLimit
	}

	events := d.log.Snapshot(f)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	wire := make([]any, 0, len(events))
	for i := range events {
		wire = append(wire, jsonMap(&events[i]))
	}
	return contracts.OKData(fmt.Sprintf("%d events", len(wire)), map[string]any{
		"events": wire,
		"count":  len(wire),
	})
}

func (d *Dispatcher) effectNoop(in *contracts.Intent) contracts.ActionResult {
	if in.Reason != "" {
		return contracts.OK("noop: " + in.Reason)
	}
	return contracts.OK("noop")
}

func (d *Dispatcher) effectUpdateMetadata(in *contracts.Intent, target *contracts.Artifact, perm contracts.PermissionResult) contracts.ActionResult {
	reserved := make(map[string]bool)
	for _, k := range contracts.ReservedMetadataKeys() {
		reserved[k] = true
	}
	// Handlers may widen the reserved set through conditions, never shrink it.
	if extra, ok := perm.Conditions["reserved_keys"]; ok {
		switch keys := extra.(type) {
		case []string:
			for _, k := range keys {
				reserved[k] = true
			}
		case []any:
			for _, k := range keys {
				if s, ok := k.(string); ok {
					reserved[s] = true
				}
			}
		}
	}

	updatedKeys := make([]string, 0, len(in.Updates))
	for k := range in.Updates {
		if reserved[k] {
			return contracts.Fail(contracts.Errorf(contracts.CodeNotAuthorized,
				"metadata key %q is reserved", k))
		}
		updatedKeys = append(updatedKeys, k)
	}
	sort.Strings(updatedKeys)

	if _, err := d.store.Update(target.ID, func(a *contracts.Artifact) error {
		if a.Metadata == nil {
			a.Metadata = make(map[string]string, len(in.Updates))
		}
		for k, v := range in.Updates {
			a.Metadata[k] = v
		}
		return nil
	}); err != nil {
		return contracts.Fail(err)
	}

	return contracts.OKData(fmt.Sprintf("metadata of %q updated", target.ID), map[string]any{
		"artifact_id":  target.ID,
		"updated_keys": updatedKeys,
	})
}

func (d *Dispatcher) effectModifyPrompt(in *contracts.Intent, target *contracts.Artifact) contracts.ActionResult {
	if target.Kind != contracts.KindAgent {
		return contracts.Fail(contracts.Errorf(contracts.CodeInvalidType,
			"artifact %q is a %s; only agent artifacts carry a system prompt", target.ID, target.Kind))
	}

	next, err := d.editor.Apply(target.Content, in.Operation, in.Section, in.Text)
	if err != nil {
		return contracts.Fail(err)
	}

	before := artifact.Size(target)
	updated, err := d.store.Update(target.ID, func(a *contracts.Artifact) error {
		a.Content = next
		return nil
	})
	if err != nil {
		return contracts.Fail(err)
	}

	res := contracts.OKData(fmt.Sprintf("system prompt %s", in.Operation), map[string]any{
		"artifact_id": updated.ID,
		"operation":   string(in.Operation),
		"size_bytes":  len(updated.Content),
	})
	if delta := artifact.Size(updated) - before; delta > 0 {
		res.ResourcesConsumed.Add(contracts.ResourceDiskQuota, float64(delta))
		res.ChargedTo = updated.CreatedBy
	}
	return res
}

func filterString(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func filterBool(f map[string]any, key string) bool {
	b, _ := f[key].(bool)
	return b
}

func filterNumber(f map[string]any, key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// pendingTriggers snapshots the caller's queued firings as wire maps.
func (d *Dispatcher) pendingTriggers(principalID string) []any {
	if d.triggers == nil {
		return []any{}
	}
	pending := d.triggers.Queue().Pending(principalID)
	out := make([]any, 0, len(pending))
	for i := range pending {
		out = append(out, jsonMap(&pending[i]))
	}
	return out
}
