// Package artifact holds the arena: every artifact in the world lives here,
// owned by id, mutated only under a per-artifact lock. Cross-references are
// id strings resolved through the store, deletion is a tombstone, and every
// byte of content is accounted against the creator's disk quota.
package artifact

import (
	"sort"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/ledger"
	"github.com/emergence-labs/agora/pkg/registry"
)

// Size is the quota footprint of an artifact: its content and code bytes.
// Metadata and interface text ride free.
func Size(a *contracts.Artifact) int64 {
	return int64(len(a.Content) + len(a.Code))
}

type entry struct {
	mu sync.Mutex
	a  *contracts.Artifact
}

// Store is the arena.
type Store struct {
	mu    sync.RWMutex
	arena map[string]*entry
	reg   *registry.Registry
	led   *ledger.Ledger
	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New builds an empty arena. The registry enforces the single id namespace;
// the ledger carries the disk allocations.
func New(reg *registry.Registry, led *ledger.Ledger, opts ...Option) *Store {
	s := &Store{
		arena: make(map[string]*entry),
		reg:   reg,
		led:   led,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new artifact, claiming its id and charging its size
// against the creator's disk quota. The returned artifact is a clone with
// created_at stamped.
func (s *Store) Create(a *contracts.Artifact) (*contracts.Artifact, error) {
	if a == nil {
		return nil, contracts.NewError(contracts.CodeInvalidArgument, "artifact is required")
	}
	stored := a.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock().UTC()
	}
	if err := stored.Validate(); err != nil {
		return nil, err
	}

	// Charge before claiming: a failed charge leaves nothing to undo,
	// while registry claims are permanent.
	if _, err := s.led.ChargeDisk(stored.CreatedBy, Size(stored)); err != nil {
		return nil, err
	}
	if err := s.reg.RegisterArtifact(stored.ID, stored.Kind, stored.HasStanding); err != nil {
		_, _ = s.led.ChargeDisk(stored.CreatedBy, -Size(stored))
		return nil, err
	}

	s.mu.Lock()
	s.arena[stored.ID] = &entry{a: stored}
	s.mu.Unlock()
	return stored.Clone(), nil
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.arena[id]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.Errorf(contracts.CodeNotFound, "artifact %q does not exist", id)
	}
	return e, nil
}

// Get returns a clone of the artifact, tombstones included. Callers decide
// whether deleted is acceptable for their operation.
func (s *Store) Get(id string) (*contracts.Artifact, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a.Clone(), nil
}

// Exists reports whether id names a live or tombstoned artifact.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.arena[id]
	return ok
}

// Update applies mutate to a copy of the artifact under its lock and commits
// the result if mutate succeeds. Identity fields (id, kind, created_by,
// created_at) cannot change; size growth is charged to the creator and
// shrinkage refunded. Tombstones refuse writes.
func (s *Store) Update(id string, mutate func(a *contracts.Artifact) error) (*contracts.Artifact, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.a.Deleted {
		return nil, DeletedError(e.a)
	}
	next := e.a.Clone()
	if err := mutate(next); err != nil {
		return nil, contracts.AsError(err)
	}
	if next.ID != e.a.ID || next.Kind != e.a.Kind ||
		next.CreatedBy != e.a.CreatedBy || !next.CreatedAt.Equal(e.a.CreatedAt) {
		return nil, contracts.NewError(contracts.CodeInvalidArgument,
			"id, kind, created_by and created_at are immutable")
	}
	if next.Deleted {
		return nil, contracts.NewError(contracts.CodeInvalidArgument,
			"deletion goes through Delete, not Update")
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if delta := Size(next) - Size(e.a); delta != 0 {
		if _, err := s.led.ChargeDisk(next.CreatedBy, delta); err != nil {
			return nil, err
		}
	}
	e.a = next
	return next.Clone(), nil
}

// Delete tombstones the artifact and releases its disk allocation back to
// the creator. The tombstone stays readable; the id stays claimed.
func (s *Store) Delete(id, by string) (*contracts.Artifact, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.a.Deleted {
		return nil, DeletedError(e.a)
	}
	next := e.a.Clone()
	next.Deleted = true
	next.DeletedAt = s.clock().UTC()
	next.DeletedBy = by
	e.a = next
	_, _ = s.led.ChargeDisk(next.CreatedBy, -Size(next))
	return next.Clone(), nil
}

// DeletedError builds the taxonomy error for operations that refuse
// tombstones, carrying when and by whom the target died.
func DeletedError(a *contracts.Artifact) *contracts.Error {
	return contracts.Errorf(contracts.CodeDeleted, "artifact %q was deleted", a.ID).
		WithDetail("deleted_at", a.DeletedAt.Format(time.RFC3339)).
		WithDetail("deleted_by", a.DeletedBy)
}

// Filter selects artifacts for List. Zero value lists everything live.
type Filter struct {
	Kind           contracts.ArtifactKind // empty means all kinds
	CreatedBy      string                 // empty means any creator
	HasLoop        *bool                  // nil means don't care
	HasStanding    *bool                  // nil means don't care
	IncludeDeleted bool
}

func (f Filter) matches(a *contracts.Artifact) bool {
	if a.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
		return false
	}
	if f.HasLoop != nil && a.HasLoop != *f.HasLoop {
		return false
	}
	if f.HasStanding != nil && a.HasStanding != *f.HasStanding {
		return false
	}
	return true
}

// List returns clones of every artifact passing the filter, in ascending id
// order. Tombstones are excluded unless the filter opts in.
func (s *Store) List(f Filter) []*contracts.Artifact {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.arena))
	for _, e := range s.arena {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*contracts.Artifact, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.matches(e.a) {
			out = append(out, e.a.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len counts all artifacts, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}

// Export snapshots every artifact (tombstones included) in ascending id
// order for checkpointing.
func (s *Store) Export() []*contracts.Artifact {
	return s.List(Filter{IncludeDeleted: true})
}

// Restore replaces the arena from a checkpoint. The registry and ledger are
// restored separately; no accounting runs here.
func (s *Store) Restore(artifacts []*contracts.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arena = make(map[string]*entry, len(artifacts))
	for _, a := range artifacts {
		s.arena[a.ID] = &entry{a: a.Clone()}
	}
}
