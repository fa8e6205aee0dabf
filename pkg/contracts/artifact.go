// Package contracts defines the wire-level data contracts of the kernel:
// the artifact model, the intents accepted by the action dispatcher, the
// results it returns, permission decisions, and the error taxonomy. Every
// other package speaks these types; none of them carry behavior beyond
// validation and cloning.
package contracts

import (
	"fmt"
	"time"
)

// ArtifactKind discriminates the universal entity.
type ArtifactKind string

const (
	KindData       ArtifactKind = "data"
	KindExecutable ArtifactKind = "executable"
	KindAgent      ArtifactKind = "agent"
	KindContract   ArtifactKind = "contract"
	KindTrigger    ArtifactKind = "trigger"
	KindWorkflow   ArtifactKind = "workflow"
	KindReflex     ArtifactKind = "reflex"
)

// ValidKind reports whether k names a known artifact kind.
func ValidKind(k ArtifactKind) bool {
	switch k {
	case KindData, KindExecutable, KindAgent, KindContract, KindTrigger, KindWorkflow, KindReflex:
		return true
	}
	return false
}

// DataType classifies what an artifact's interface exposes.
type DataType string

const (
	DataTypeData     DataType = "data"
	DataTypeService  DataType = "service"
	DataTypeAgent    DataType = "agent"
	DataTypeContract DataType = "contract"
)

// Capability names a kernel-granted permission carried by an artifact.
type Capability string

const (
	// CapCallLLM allows artifact code to reach the LLM gateway syscall.
	CapCallLLM Capability = "can_call_llm"
	// CapSpawnAgent allows artifact code to create artifacts with has_loop set.
	CapSpawnAgent Capability = "can_spawn_agent"
)

// Reserved metadata keys the kernel refuses to mutate through
// update_metadata. Access handlers may widen this set via conditions but can
// never shrink it.
const (
	MetaAuthorizedWriter    = "authorized_writer"
	MetaAuthorizedPrincipal = "authorized_principal"
	// MetaRuntime selects the execution runtime for executable code
	// ("cel", "wasm", or "native"); empty means cel.
	MetaRuntime = "runtime"
	// MetaRecipient is read by escrow-style handlers; not kernel-enforced.
	MetaRecipient = "recipient"
)

// ReservedMetadataKeys returns the keys update_metadata always rejects.
func ReservedMetadataKeys() []string {
	return []string{MetaAuthorizedWriter, MetaAuthorizedPrincipal}
}

// MethodSpec describes one invokable method of an executable artifact.
type MethodSpec struct {
	Name         string         `json:"name"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Cost         int64          `json:"cost,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
}

// InterfaceSpec is the required self-description of every artifact.
type InterfaceSpec struct {
	Description   string       `json:"description"`
	DataType      DataType     `json:"data_type"`
	Methods       []MethodSpec `json:"methods,omitempty"`
	Linearization string       `json:"linearization,omitempty"`
	Examples      []string     `json:"examples,omitempty"`
	HasStanding   bool         `json:"has_standing,omitempty"`
}

// Method returns the named method spec, or nil.
func (s *InterfaceSpec) Method(name string) *MethodSpec {
	for i := range s.Methods {
		if s.Methods[i].Name == name {
			return &s.Methods[i]
		}
	}
	return nil
}

// Artifact is the universal unit of world state. Cross-references between
// artifacts are always id strings resolved through the store, never
// pointers, so the whole world serializes without cycles.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Artifact struct {
	ID               string            `json:"id"`
	Kind             ArtifactKind      `json:"kind"`
	Content          string            `json:"content,omitempty"`
	Code             string            `json:"code,omitempty"`
	Interface        InterfaceSpec     `json:"interface"`
	CreatedBy        string            `json:"created_by"`
	CreatedAt        time.Time         `json:"created_at"`
	AccessContractID string            `json:"access_contract_id,omitempty"`
	Capabilities     []Capability      `json:"capabilities,omitempty"`
	HasStanding      bool              `json:"has_standing,omitempty"`
	HasLoop          bool              `json:"has_loop,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	Deleted   bool      `json:"deleted,omitempty"`
	DeletedAt time.Time `json:"deleted_at,omitempty"`
	DeletedBy string    `json:"deleted_by,omitempty"`
}

// HasCapability reports whether the artifact carries cap.
func (a *Artifact) HasCapability(cap Capability) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Meta returns the metadata value for key, or "".
func (a *Artifact) Meta(key string) string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata[key]
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate the arena behind the per-artifact lock.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	if a.Capabilities != nil {
		out.Capabilities = append([]Capability(nil), a.Capabilities...)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Interface.Methods = append([]MethodSpec(nil), a.Interface.Methods...)
	out.Interface.Examples = append([]string(nil), a.Interface.Examples...)
	return &out
}

// Validate enforces the structural invariants that hold for every artifact
// regardless of how it entered the world.
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return NewError(CodeInvalidArgument, "artifact id is required")
	}
	if !ValidKind(a.Kind) {
		return NewError(CodeInvalidType, fmt.Sprintf("unknown artifact kind %q", a.Kind))
	}
	if a.Interface.Description == "" {
		return NewError(CodeInvalidArgument, "interface.description is required")
	}
	switch a.Interface.DataType {
	case DataTypeData, DataTypeService, DataTypeAgent, DataTypeContract:
	default:
		return NewError(CodeInvalidType, fmt.Sprintf("unknown interface.data_type %q", a.Interface.DataType))
	}
	if a.Kind == KindExecutable && len(a.Interface.Methods) == 0 {
		return NewError(CodeInvalidArgument, "executable artifacts require interface.methods")
	}
	if a.HasLoop && !a.HasStanding {
		return NewError(CodeInvalidArgument, "has_loop requires has_standing")
	}
	if a.CreatedBy == "" {
		return NewError(CodeInvalidArgument, "created_by is required")
	}
	return nil
}
