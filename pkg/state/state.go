// Package state persists per-agent loop memory between iterations: the
// workflow position, a free-form working memory map, a bounded turn
// history, and per-intent action counts. Two backends share one contract,
// an in-memory map for tests and single-process runs and SQLite for
// anything that must survive a restart.
package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// DefaultMaxTurns bounds the turn history a store keeps per agent.
const DefaultMaxTurns = 50

// Turn records how one loop iteration ended.
type Turn struct {
	At        time.Time `json:"at"`
	Intent    string    `json:"intent"`
	Summary   string    `json:"summary,omitempty"`
	Success   bool      `json:"success"`
	ErrorCode string    `json:"error_code,omitempty"`
}

// AgentState is one agent's persistent memory.
type AgentState struct {
	AgentID       string           `json:"agent_id"`
	CurrentState  string           `json:"current_state,omitempty"`
	WorkingMemory map[string]any   `json:"working_memory,omitempty"`
	TurnHistory   []Turn           `json:"turn_history,omitempty"`
	ActionCounts  map[string]int64 `json:"action_counts,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Blank returns an empty state for an agent seen for the first time.
func Blank(agentID string) *AgentState {
	return &AgentState{
		AgentID:       agentID,
		WorkingMemory: map[string]any{},
		ActionCounts:  map[string]int64{},
	}
}

// RecordTurn appends a turn and bumps the intent's action count. History
// pruning happens in the store, so callers never outgrow the bound by more
// than one unsaved iteration.
func (s *AgentState) RecordTurn(t Turn) {
	s.TurnHistory = append(s.TurnHistory, t)
	if s.ActionCounts == nil {
		s.ActionCounts = map[string]int64{}
	}
	s.ActionCounts[t.Intent]++
}

// Store is the agent-state persistence contract.
type Store interface {
	// Load returns the agent's state or not_found.
	Load(ctx context.Context, agentID string) (*AgentState, error)
	// Save upserts the state, stamps UpdatedAt and prunes the turn history.
	Save(ctx context.Context, st *AgentState) error
	// Delete removes an agent's state; deleting an absent agent is a no-op.
	Delete(ctx context.Context, agentID string) error
	// List returns all agent ids in lexical order.
	List(ctx context.Context) ([]string, error)
	// All returns every state ordered by agent id.
	All(ctx context.Context) ([]*AgentState, error)
	Close() error
}

type options struct {
	maxTurns int
}

// Option configures a store.
type Option func(*options)

// WithMaxTurns overrides the turn-history bound.
func WithMaxTurns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxTurns: DefaultMaxTurns}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// clampTurns keeps the newest max entries.
func clampTurns(turns []Turn, max int) []Turn {
	if len(turns) <= max {
		return turns
	}
	return append([]Turn(nil), turns[len(turns)-max:]...)
}

// MemoryStore keeps agent state in process memory. Values are copied on
// the way in and out, so callers can mutate what they hold.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]*AgentState
	maxTurns int
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		states:   make(map[string]*AgentState),
		maxTurns: o.maxTurns,
	}
}

func (m *MemoryStore) Load(_ context.Context, agentID string) (*AgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[agentID]
	if !ok {
		return nil, contracts.Errorf(contracts.CodeNotFound, "no state for agent %q", agentID)
	}
	return cloneState(st), nil
}

func (m *MemoryStore) Save(_ context.Context, st *AgentState) error {
	if st == nil || st.AgentID == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "state needs an agent_id")
	}
	cp := cloneState(st)
	cp.TurnHistory = clampTurns(cp.TurnHistory, m.maxTurns)
	cp.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.states[st.AgentID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	delete(m.states, agentID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) All(_ context.Context) ([]*AgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*AgentState, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneState(m.states[id]))
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// cloneState deep-copies through JSON; agent state is JSON-shaped by
// contract, so this is exact.
func cloneState(st *AgentState) *AgentState {
	raw, err := json.Marshal(st)
	if err != nil {
		cp := *st
		return &cp
	}
	var cp AgentState
	if err := json.Unmarshal(raw, &cp); err != nil {
		fallback := *st
		return &fallback
	}
	return &cp
}
