// Package access is the permission layer. Every action on a target passes
// through the target's access handler, which returns an allow/deny decision
// plus the scrip cost of performing the action. Handlers are ordinary
// artifacts; the built-ins are well-known ids registered at genesis.
package access

import (
	"context"
	"fmt"
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Well-known handler ids. Genesis registers an artifact for each so agents
// can read what the policy does.
const (
	HandlerOpen             = "open"
	HandlerCreatorOnly      = "creator_only"
	HandlerAuthorizedWriter = "authorized_writer"
	HandlerDenyAll          = "deny_all"
	HandlerCELExpression    = "cel_expression"
)

// Request is what a handler decides on: one caller performing one operation
// against one target artifact. Depth counts sandbox frames already on the
// stack; artifact-backed handlers execute their code at Depth+1, so checks
// are bounded by the same invoke-depth cap as everything else.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Request struct {
	Caller    string
	Operation string
	Args      map[string]any
	Artifact  *contracts.Artifact
	Depth     int
}

// Mutating reports whether op changes the target. Built-in handlers that
//"restrict mutations" gate exactly this set.
func Mutating(op string) bool {
	switch contracts.IntentKind(op) {
	case contracts.IntentWrite, contracts.IntentDelete,
		contracts.IntentUpdateMetadata, contracts.IntentModifySystemPrompt:
		return true
	}
	return false
}

// Handler decides a Request. Returning an error (as opposed to a deny)
// fails the whole action: permission handlers fail closed.
type Handler interface {
	Check(ctx context.Context, req Request) (contracts.PermissionResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (contracts.PermissionResult, error)

// Check implements Handler.
func (f HandlerFunc) Check(ctx context.Context, req Request) (contracts.PermissionResult, error) {
	return f(ctx, req)
}

// DefaultPolicy is the boot-time answer for targets without a handler.
// There is deliberately no zero-value default: deployments state their
// policy or refuse to boot.
type DefaultPolicy string

const (
	DefaultAllow DefaultPolicy = "allow"
	DefaultDeny  DefaultPolicy = "deny"
)

// ParseDefaultPolicy maps the contracts.default_on_missing config value.
func ParseDefaultPolicy(s string) (DefaultPolicy, error) {
	switch DefaultPolicy(s) {
	case DefaultAllow, DefaultDeny:
		return DefaultPolicy(s), nil
	}
	return "", fmt.Errorf("contracts.default_on_missing must be %q or %q, got %q",
		DefaultAllow, DefaultDeny, s)
}

// Resolver materializes a handler for a contract id the registry does not
// know. The dispatcher installs one that loads contract artifacts from the
// arena and wraps their code.
type Resolver func(ctx context.Context, contractID string) (Handler, bool)

// Registry maps access_contract_id to Handler and applies the default
// policy when nothing matches.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	resolve  Resolver
	missing  DefaultPolicy
}

// NewRegistry builds a registry with the built-in handlers installed.
func NewRegistry(missing DefaultPolicy) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		missing:  missing,
	}
	r.handlers[HandlerOpen] = Open()
	r.handlers[HandlerCreatorOnly] = CreatorOnly()
	r.handlers[HandlerAuthorizedWriter] = AuthorizedWriter()
	r.handlers[HandlerDenyAll] = DenyAll()
	// The cel_expression id is a template: real CEL contracts are artifacts
	// with their own ids, resolved through the fallback.
	r.handlers[HandlerCELExpression] = HandlerFunc(func(context.Context, Request) (contracts.PermissionResult, error) {
		return contracts.Deny("cel_expression is a contract template; point access_contract_id at a contract artifact"), nil
	})
	return r
}

// SetResolver installs the artifact-backed fallback.
func (r *Registry) SetResolver(resolve Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolve = resolve
}

// Register adds or replaces a handler under id.
func (r *Registry) Register(id string, h Handler) error {
	if id == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "handler id is required")
	}
	if h == nil {
		return contracts.NewError(contracts.CodeInvalidArgument, "handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
	return nil
}

// Lookup returns the handler registered under id.
func (r *Registry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// Check runs the handler for contractID against req. An empty or dangling
// contract id falls back to the default policy.
func (r *Registry) Check(ctx context.Context, contractID string, req Request) (contracts.PermissionResult, error) {
	if contractID != "" {
		if h, ok := r.Lookup(contractID); ok {
			return h.Check(ctx, req)
		}
		r.mu.RLock()
		resolve := r.resolve
		r.mu.RUnlock()
		if resolve != nil {
			if h, ok := resolve(ctx, contractID); ok {
				return h.Check(ctx, req)
			}
		}
	}
	if r.missing == DefaultAllow {
		return contracts.Allow("no access contract; default policy allows"), nil
	}
	return contracts.Deny("no access contract; default policy denies"), nil
}
