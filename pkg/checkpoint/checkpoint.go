// Package checkpoint snapshots the whole world into one signed, versioned
// document and brings it back. A checkpoint captures the id registry, all
// balances, every artifact including tombstones, per-agent loop state, the
// cumulative API spend, and the event-log position, so a restored kernel
// continues exactly where the snapshot was taken. Documents are archived
// through pluggable backends with atomic writes.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/emergence-labs/agora/pkg/artifact"
	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/llm"
	"github.com/emergence-labs/agora/pkg/registry"
	"github.com/emergence-labs/agora/pkg/state"
)

// Version is the document schema version. Restore accepts any checkpoint
// sharing the current major; a major bump declares the layout incompatible.
const Version = "1.0.0"

// Document is one complete world snapshot.
//
//nolint:govet // fieldalignment: wire layout is human-readable
type Document struct {
	Version           string                     `json:"version"`
	ID                string                     `json:"id"`
	Timestamp         time.Time                  `json:"timestamp"`
	Reason            string                     `json:"reason"`
	Registry          []registry.Entry           `json:"registry,omitempty"`
	Balances          map[string]ledger.Balances `json:"balances"`
	Artifacts         []*contracts.Artifact      `json:"artifacts"`
	AgentStates       []*state.AgentState        `json:"agent_states,omitempty"`
	CumulativeAPICost float64                    `json:"cumulative_api_cost"`
	LastSeq           uint64                     `json:"last_seq"`
	HMAC              string                     `json:"hmac,omitempty"`
}

// Source bundles the world parts a checkpoint reads from or restores into.
// Ledger and Store are required; the rest participate when present.
type Source struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Store    *artifact.Store
	States   state.Store
	Gateway  *llm.Gateway
	Log      eventlog.Log
}

// Take snapshots src into a new unsigned document. Reason is a free-form
// label ("shutdown", "interval", "manual") recorded for operators.
func Take(ctx context.Context, src Source, reason string) (*Document, error) {
	if src.Ledger == nil || src.Store == nil {
		return nil, contracts.NewError(contracts.CodeInvalidArgument,
			"checkpoint needs at least a ledger and an artifact store")
	}
	doc := &Document{
		Version:   Version,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Balances:  src.Ledger.Export(),
		Artifacts: src.Store.Export(),
	}
	if src.Registry != nil {
		doc.Registry = src.Registry.Export()
	}
	if src.States != nil {
		states, err := src.States.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: snapshot agent states: %w", err)
		}
		doc.AgentStates = states
	}
	if src.Gateway != nil {
		doc.CumulativeAPICost = src.Gateway.CumulativeCost()
	}
	if src.Log != nil {
		doc.LastSeq = src.Log.LastSeq()
	}
	return doc, nil
}

// Restore writes doc back into dst. When signer is non-nil verification is
// mandatory and runs first; then the version gate, then state, in dependency
// order: ids, artifacts, balances, agent states, API spend.
func Restore(ctx context.Context, doc *Document, dst Source, signer *Signer) error {
	if doc == nil {
		return contracts.NewError(contracts.CodeInvalidArgument, "nil checkpoint document")
	}
	if err := signer.Verify(doc); err != nil {
		return err
	}
	if err := compatible(doc.Version); err != nil {
		return err
	}

	if dst.Registry != nil {
		dst.Registry.Restore(doc.Registry)
	}
	if dst.Store != nil {
		dst.Store.Restore(doc.Artifacts)
	}
	if dst.Ledger != nil {
		if err := dst.Ledger.Restore(doc.Balances); err != nil {
			return err
		}
	}
	if dst.States != nil {
		for _, st := range doc.AgentStates {
			if err := dst.States.Save(ctx, st); err != nil {
				return fmt.Errorf("checkpoint: restore state of %s: %w", st.AgentID, err)
			}
		}
	}
	if dst.Gateway != nil {
		dst.Gateway.RestoreCumulativeCost(doc.CumulativeAPICost)
	}
	return nil
}

// compatible rejects documents from a different major version.
func compatible(v string) error {
	docVer, err := semver.NewVersion(v)
	if err != nil {
		return contracts.WrapError(contracts.CodeInvalidArgument,
			fmt.Sprintf("checkpoint version %q does not parse", v), err)
	}
	cur := semver.MustParse(Version)
	if docVer.Major() != cur.Major() {
		return contracts.Errorf(contracts.CodeInvalidArgument,
			"checkpoint version %s is incompatible with kernel checkpoint version %s", v, Version)
	}
	return nil
}
