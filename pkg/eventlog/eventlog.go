// Package eventlog is the append-only record of everything that happens in
// the world. Events are totally ordered by sequence number, hash-chained for
// tamper evidence, and consumed through restartable filtered iterators so
// late subscribers (triggers, replay tools) can backfill from any point.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a log record.
type EventType string

const (
	EventAction           EventType = "action"
	EventThinking         EventType = "thinking"
	EventResourceConsumed EventType = "resource_consumed"
	EventArtifactCreated  EventType = "artifact_created"
	EventInvokeSuccess    EventType = "invoke_success"
	EventInvokeFailure    EventType = "invoke_failure"
	EventAgentFrozen      EventType = "agent_frozen"
	EventAgentUnfrozen    EventType = "agent_unfrozen"
)

// ValidType reports whether t names a known event type.
func ValidType(t EventType) bool {
	switch t {
	case EventAction, EventThinking, EventResourceConsumed, EventArtifactCreated,
		EventInvokeSuccess, EventInvokeFailure, EventAgentFrozen, EventAgentUnfrozen:
		return true
	}
	return false
}

// Event is one immutable log record: a single JSON object on the wire.
// Hash chains each record to its predecessor over the JCS canonical form.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Event struct {
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	TS          time.Time      `json:"ts"`
	Type        EventType      `json:"type"`
	PrincipalID string         `json:"principal_id"`
	Data        map[string]any `json:"data"`
	Hash        string         `json:"hash"`
}

// Filter selects a subset of the log. Zero value matches everything from
// the beginning.
type Filter struct {
	FromSeq     uint64      // first sequence number to yield (inclusive)
	Types       []EventType // empty means all types
	PrincipalID string      // empty means all principals
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if e.Seq < f.FromSeq {
		return false
	}
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Sink receives every committed event, in order, under the log's lock.
// Implementations must be fast; the JSONL file writer is the canonical one.
type Sink interface {
	Write(Event) error
	Close() error
}

// Log is the append-only event log.
type Log interface {
	// Append assigns the next sequence number, stamps and chains the
	// event, and wakes blocked iterators.
	Append(ctx context.Context, typ EventType, principalID string, data map[string]any) (Event, error)
	// Get returns the event with the given sequence number.
	Get(seq uint64) (Event, error)
	// Snapshot returns all committed events matching the filter.
	Snapshot(f Filter) []Event
	// LastSeq returns the highest committed sequence number (0 if empty).
	LastSeq() uint64
	// Iterator returns a restartable blocking cursor over matching events.
	Iterator(f Filter) *Iterator
	// Close stops iterators and flushes sinks.
	Close() error
}

// MemoryLog is the in-process Log. A Sink may tee every record to durable
// storage; the in-memory slice stays authoritative for iterators.
type MemoryLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	head   string
	closed bool
	sink   Sink
	clock  func() time.Time
}

// Option configures a MemoryLog.
type Option func(*MemoryLog)

// WithSink tees committed events to a durable sink.
func WithSink(s Sink) Option {
	return func(l *MemoryLog) { l.sink = s }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *MemoryLog) { l.clock = clock }
}

// NewMemoryLog creates an empty log.
func NewMemoryLog(opts ...Option) *MemoryLog {
	l := &MemoryLog{head: genesisHash, clock: time.Now}
	l.cond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

const genesisHash = "sha256:genesis"

func (l *MemoryLog) Append(ctx context.Context, typ EventType, principalID string, data map[string]any) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Event{}, ErrClosed
	}

	e := Event{
		ID:          uuid.New().String(),
		Seq:         uint64(len(l.events)) + 1,
		TS:          l.clock().UTC(),
		Type:        typ,
		PrincipalID: principalID,
		Data:        data,
	}
	hash, err := chainHash(e, l.head)
	if err != nil {
		return Event{}, fmt.Errorf("hash event seq=%d: %w", e.Seq, err)
	}
	e.Hash = hash

	l.events = append(l.events, e)
	l.head = hash
	if l.sink != nil {
		if err := l.sink.Write(e); err != nil {
			// The in-memory commit stands; sink failures must not make
			// the world diverge from what observers already saw.
			return e, fmt.Errorf("event sink seq=%d: %w", e.Seq, err)
		}
	}
	l.cond.Broadcast()
	return e, nil
}

func (l *MemoryLog) Get(seq uint64) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq == 0 || seq > uint64(len(l.events)) {
		return Event{}, fmt.Errorf("event seq=%d: %w", seq, ErrNotFound)
	}
	return l.events[seq-1], nil
}

func (l *MemoryLog) Snapshot(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (l *MemoryLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.events))
}

// Head returns the current chain head hash.
func (l *MemoryLog) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cond.Broadcast()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}
