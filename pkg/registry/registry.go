// Package registry owns the single id namespace shared by every entity
// kind. Artifacts and bare principals (ledger accounts with no backing
// artifact) all claim ids here; a claim is permanent, since soft-deleted
// artifacts stay registered and their tombstones remain readable.
package registry

import (
	"sort"
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Entry records what an id refers to.
type Entry struct {
	ID           string                 `json:"id"`
	ArtifactKind contracts.ArtifactKind `json:"artifact_kind,omitempty"`
	IsArtifact   bool                   `json:"is_artifact"`
	IsPrincipal  bool                   `json:"is_principal"`
}

// Registry is the in-memory id index.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// RegisterArtifact claims id for an artifact. hasStanding also marks the id
// as a principal in the same claim.
func (r *Registry) RegisterArtifact(id string, kind contracts.ArtifactKind, hasStanding bool) error {
	if id == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return contracts.Errorf(contracts.CodeIDCollision, "id %q is already registered", id)
	}
	r.entries[id] = Entry{ID: id, ArtifactKind: kind, IsArtifact: true, IsPrincipal: hasStanding}
	return nil
}

// RegisterPrincipal claims id for a bare principal (a ledger account that
// is not an artifact, e.g. the bootstrap treasury).
func (r *Registry) RegisterPrincipal(id string) error {
	if id == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return contracts.Errorf(contracts.CodeIDCollision, "id %q is already registered", id)
	}
	r.entries[id] = Entry{ID: id, IsPrincipal: true}
	return nil
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Exists reports whether id is claimed by anything.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// IsPrincipal reports whether id may hold balances.
func (r *Registry) IsPrincipal(id string) bool {
	e, ok := r.Lookup(id)
	return ok && e.IsPrincipal
}

// Principals returns all principal ids in ascending order.
func (r *Registry) Principals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if e.IsPrincipal {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of claimed ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore replaces the registry contents from a checkpoint.
func (r *Registry) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		r.entries[e.ID] = e
	}
}

// Export returns every entry in ascending id order for checkpointing.
func (r *Registry) Export() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
