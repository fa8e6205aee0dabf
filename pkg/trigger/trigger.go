// Package trigger turns log events into deferred callback invocations. A
// trigger artifact declares a filter over future events and a callback
// artifact id; the manager runs one filtered cursor over the event log per
// registered trigger and enqueues a pending invocation for every match. The
// loop manager executes the queue later: nothing ever fires synchronously
// inside event logging, and a callback always runs under the trigger
// creator's principal, so a trigger can never lend its owner authority they
// do not already hold.
package trigger

import (
	"encoding/json"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
)

// Definition is the parsed content of a trigger artifact.
type Definition struct {
	// TriggerID and RunAs come from the artifact envelope, not its content.
	TriggerID string `json:"-"`
	RunAs     string `json:"-"`

	CallbackID  string   `json:"callback_id"`
	Method      string   `json:"method,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	PrincipalID string   `json:"principal_id,omitempty"`
	FromSeq     uint64   `json:"from_seq,omitempty"`
}

// ParseArtifact reads a trigger definition out of a trigger-kind artifact.
// FromSeq in the content lets a late-created trigger backfill history; zero
// means live-tail from the beginning of the log.
func ParseArtifact(a *contracts.Artifact) (Definition, error) {
	if a.Kind != contracts.KindTrigger {
		return Definition{}, contracts.Errorf(contracts.CodeInvalidType,
			"artifact %s has kind %q, not trigger", a.ID, a.Kind)
	}
	var def Definition
	if err := json.Unmarshal([]byte(a.Content), &def); err != nil {
		return Definition{}, contracts.WrapError(contracts.CodeInvalidArgument,
			"trigger content is not a JSON definition", err)
	}
	def.TriggerID = a.ID
	def.RunAs = a.CreatedBy
	if def.Method == "" {
		def.Method = "run"
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate checks the definition is complete enough to watch the log.
func (d Definition) Validate() error {
	if d.TriggerID == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "trigger id is required")
	}
	if d.RunAs == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "trigger creator is required")
	}
	if d.CallbackID == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "trigger callback_id is required")
	}
	for _, t := range d.EventTypes {
		if !eventlog.ValidType(eventlog.EventType(t)) {
			return contracts.Errorf(contracts.CodeInvalidType, "unknown event type %q in trigger filter", t)
		}
	}
	return nil
}

// Filter renders the definition as an event-log filter.
func (d Definition) Filter() eventlog.Filter {
	f := eventlog.Filter{FromSeq: d.FromSeq, PrincipalID: d.PrincipalID}
	for _, t := range d.EventTypes {
		f.Types = append(f.Types, eventlog.EventType(t))
	}
	return f
}
