package metering

import (
	"context"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// MemoryMeter keeps events in process. It is the default meter; the
// Postgres variant serves deployments that analyze usage offline.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
	clock  func() time.Time
}

// MemoryOption configures a MemoryMeter.
type MemoryOption func(*MemoryMeter)

// WithClock substitutes the time source for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryMeter) { m.clock = clock }
}

// NewMemoryMeter builds an empty in-memory meter.
func NewMemoryMeter(opts ...MemoryOption) *MemoryMeter {
	m := &MemoryMeter{clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record stores one event, stamping it when At is zero.
func (m *MemoryMeter) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = m.clock().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// RecordBatch validates every event before storing any of them.
func (m *MemoryMeter) RecordBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if e.At.IsZero() {
			e.At = now
		}
		m.events = append(m.events, e)
	}
	return nil
}

// Usage aggregates all resources for one principal over a period.
func (m *MemoryMeter) Usage(_ context.Context, principalID string, period Period) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage := &Usage{
		PrincipalID: principalID,
		Period:      period,
		Totals:      make(map[contracts.Resource]float64),
		LastUpdate:  m.clock().UTC(),
	}
	for _, e := range m.events {
		if e.PrincipalID == principalID && period.Contains(e.At) {
			usage.Totals[e.Resource] += e.Quantity
		}
	}
	return usage, nil
}

// UsageByResource aggregates one resource for one principal over a period.
func (m *MemoryMeter) UsageByResource(ctx context.Context, principalID string, resource contracts.Resource, period Period) (float64, error) {
	usage, err := m.Usage(ctx, principalID, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[resource], nil
}

// Prune drops events older than cutoff and reports how many were removed.
// Long-running kernels call it periodically; the event log, not the meter,
// is the durable record.
func (m *MemoryMeter) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, e := range m.events {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(m.events) - len(kept)
	m.events = kept
	return removed
}

// Len reports how many events are held.
func (m *MemoryMeter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
