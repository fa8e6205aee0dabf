package access

import (
	"context"
	"fmt"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Open allows every operation at zero cost.
func Open() Handler {
	return HandlerFunc(func(_ context.Context, _ Request) (contracts.PermissionResult, error) {
		return contracts.Allow("open access"), nil
	})
}

// CreatorOnly restricts mutations to the artifact's creator; reads and
// invokes stay open.
func CreatorOnly() Handler {
	return HandlerFunc(func(_ context.Context, req Request) (contracts.PermissionResult, error) {
		if !Mutating(req.Operation) {
			return contracts.Allow("non-mutating operation"), nil
		}
		if req.Artifact != nil && req.Caller == req.Artifact.CreatedBy {
			return contracts.Allow("caller is the creator"), nil
		}
		return contracts.Deny(fmt.Sprintf("%s is restricted to the creator", req.Operation)), nil
	})
}

// AuthorizedWriter restricts mutations to the principal named by the
// authorized_writer metadata key; reads stay open. With the key unset the
// creator keeps write access, so installing the contract before naming a
// writer never bricks the artifact.
func AuthorizedWriter() Handler {
	return HandlerFunc(func(_ context.Context, req Request) (contracts.PermissionResult, error) {
		if !Mutating(req.Operation) {
			return contracts.Allow("non-mutating operation"), nil
		}
		if req.Artifact == nil {
			return contracts.Deny("no target artifact"), nil
		}
		writer := req.Artifact.Meta(contracts.MetaAuthorizedWriter)
		if writer == "" {
			writer = req.Artifact.CreatedBy
		}
		if req.Caller == writer {
			return contracts.Allow("caller is the authorized writer"), nil
		}
		return contracts.Deny(fmt.Sprintf("%s is restricted to the authorized writer", req.Operation)), nil
	})
}

// DenyAll refuses everything, creator included. Sealed artifacts stay
// sealed until something rewrites their contract through a path this
// handler does not govern (there is none; that is the point).
func DenyAll() Handler {
	return HandlerFunc(func(_ context.Context, req Request) (contracts.PermissionResult, error) {
		return contracts.Deny(fmt.Sprintf("%s denied: target is sealed", req.Operation)), nil
	})
}
