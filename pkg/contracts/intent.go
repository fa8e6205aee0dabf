package contracts

import (
	"fmt"
	"math"
)

// IntentKind enumerates the closed set of actions the dispatcher accepts.
type IntentKind string

const (
	IntentRead               IntentKind = "read"
	IntentWrite              IntentKind = "write"
	IntentInvoke             IntentKind = "invoke"
	IntentTransfer           IntentKind = "transfer"
	IntentDelete             IntentKind = "delete"
	IntentQuery              IntentKind = "query"
	IntentNoop               IntentKind = "noop"
	IntentUpdateMetadata     IntentKind = "update_metadata"
	IntentModifySystemPrompt IntentKind = "modify_system_prompt"
)

// Resource names a transferable or meterable quantity.
type Resource string

const (
	ResourceScrip     Resource = "scrip"
	ResourceLLMBudget Resource = "llm_budget"
	ResourceDiskQuota Resource = "disk_quota"

	// Rolling-window rate resources; tracked, never transferred.
	ResourceLLMTokenRate Resource = "llm_token_rate"
	ResourceLLMCallRate  Resource = "llm_call_rate"
	ResourceCPURate      Resource = "cpu_rate"
)

// TransferableResource reports whether r can move between principals.
func TransferableResource(r Resource) bool {
	switch r {
	case ResourceScrip, ResourceLLMBudget, ResourceDiskQuota:
		return true
	}
	return false
}

// QueryType selects a read-only catalogue for the query intent.
type QueryType string

const (
	QueryArtifacts  QueryType = "artifacts"
	QueryPrincipals QueryType = "principals"
	QueryBalances   QueryType = "balances"
	QueryEvents     QueryType = "events"
	QueryTriggers   QueryType = "triggers"
)

// PromptOp is a structured edit applied by modify_system_prompt.
type PromptOp string

const (
	PromptAppend         PromptOp = "append"
	PromptPrepend        PromptOp = "prepend"
	PromptReplaceSection PromptOp = "replace_section"
	PromptReset          PromptOp = "reset"
)

// Intent is the single request shape the dispatcher accepts. Kind decides
// which fields are meaningful; Validate enforces that per kind.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Intent struct {
	Kind        IntentKind `json:"action_type"`
	PrincipalID string     `json:"principal_id"`

	// read / write / invoke / delete / update_metadata / modify_system_prompt
	ArtifactID string `json:"artifact_id,omitempty"`

	// write
	Content      string            `json:"content,omitempty"`
	ArtifactKind ArtifactKind      `json:"kind,omitempty"`
	Interface    *InterfaceSpec    `json:"interface,omitempty"`
	Code         string            `json:"code,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// invoke
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`

	// transfer
	To       string   `json:"to,omitempty"`
	Amount   float64  `json:"amount,omitempty"`
	Resource Resource `json:"resource,omitempty"`

	// query
	QueryType QueryType      `json:"query_type,omitempty"`
	Filter    map[string]any `json:"filter,omitempty"`

	// noop
	Reason string `json:"reason,omitempty"`

	// update_metadata
	Updates map[string]string `json:"updates,omitempty"`

	// modify_system_prompt
	Operation PromptOp `json:"operation,omitempty"`
	Section   string   `json:"section,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// Operation returns the permission-layer operation name for the intent,
// which access handlers switch on.
func (in *Intent) OperationName() string { return string(in.Kind) }

// Validate checks the intent's shape against its kind's contract. It is the
// first dispatcher stage; failures surface as invalid_argument or
// invalid_type before any state is touched.
func (in *Intent) Validate() error {
	if in.PrincipalID == "" {
		return NewError(CodeInvalidArgument, "principal_id is required")
	}
	switch in.Kind {
	case IntentRead, IntentDelete:
		if in.ArtifactID == "" {
			return Errorf(CodeInvalidArgument, "%s requires artifact_id", in.Kind)
		}
	case IntentWrite:
		if in.ArtifactID == "" {
			return NewError(CodeInvalidArgument, "write requires artifact_id")
		}
		if in.ArtifactKind != "" && !ValidKind(in.ArtifactKind) {
			return Errorf(CodeInvalidType, "unknown artifact kind %q", in.ArtifactKind)
		}
	case IntentInvoke:
		if in.ArtifactID == "" {
			return NewError(CodeInvalidArgument, "invoke requires artifact_id")
		}
	case IntentTransfer:
		if in.To == "" {
			return NewError(CodeInvalidArgument, "transfer requires to")
		}
		if !TransferableResource(in.Resource) {
			return Errorf(CodeInvalidType, "resource %q is not transferable", in.Resource)
		}
		if in.Amount <= 0 {
			return NewError(CodeInvalidArgument, "transfer amount must be positive")
		}
		if in.Resource != ResourceLLMBudget && in.Amount != math.Trunc(in.Amount) {
			return Errorf(CodeInvalidArgument, "%s transfers must be whole units", in.Resource)
		}
	case IntentQuery:
		switch in.QueryType {
		case QueryArtifacts, QueryPrincipals, QueryBalances, QueryEvents, QueryTriggers:
		default:
			return Errorf(CodeInvalidType, "unknown query_type %q", in.QueryType)
		}
	case IntentNoop:
		// Reason is optional.
	case IntentUpdateMetadata:
		if in.ArtifactID == "" {
			return NewError(CodeInvalidArgument, "update_metadata requires artifact_id")
		}
		if len(in.Updates) == 0 {
			return NewError(CodeInvalidArgument, "update_metadata requires updates")
		}
	case IntentModifySystemPrompt:
		switch in.Operation {
		case PromptAppend, PromptPrepend:
			if in.Text == "" {
				return Errorf(CodeInvalidArgument, "%s requires text", in.Operation)
			}
		case PromptReplaceSection:
			if in.Section == "" {
				return NewError(CodeInvalidArgument, "replace_section requires section")
			}
		case PromptReset:
		default:
			return Errorf(CodeInvalidType, "unknown prompt operation %q", in.Operation)
		}
	default:
		return Errorf(CodeInvalidType, "unknown action_type %q", in.Kind)
	}
	return nil
}

// String renders a compact description for logs.
func (in *Intent) String() string {
	switch in.Kind {
	case IntentTransfer:
		return fmt.Sprintf("%s %s %v %s->%s", in.Kind, in.Resource, in.Amount, in.PrincipalID, in.To)
	case IntentQuery:
		return fmt.Sprintf("%s %s by %s", in.Kind, in.QueryType, in.PrincipalID)
	case IntentNoop:
		return fmt.Sprintf("%s by %s", in.Kind, in.PrincipalID)
	default:
		return fmt.Sprintf("%s %s by %s", in.Kind, in.ArtifactID, in.PrincipalID)
	}
}
