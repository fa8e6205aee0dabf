// Package rate meters renewable resources over rolling windows. Every grant
// is a (timestamp, amount) record; capacity at any instant is the limit minus
// the sum of amounts younger than the window. Records never refill; they
// expire, which makes usage additive and burst-friendly up to the cap.
package rate

import (
	"context"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Limit bounds one resource: at most Max units inside any Window-sized
// interval ending now.
type Limit struct {
	Window time.Duration
	Max    float64
}

// Store keeps the per-key consumption records. Take atomically prunes
// expired records, checks capacity, and either admits amount (recording it)
// or reports how long the caller must wait for the oldest record to expire.
type Store interface {
	Take(ctx context.Context, key string, limit Limit, amount float64, now time.Time) (ok bool, retryAfter time.Duration, err error)
}

// Tracker applies configured limits to (principal, resource) pairs.
// Resources with no configured limit are unmetered.
type Tracker struct {
	store  Store
	limits map[contracts.Resource]Limit
	clock  func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// New builds a Tracker over store with the given per-resource limits.
func New(store Store, limits map[contracts.Resource]Limit, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		limits: make(map[contracts.Resource]Limit, len(limits)),
		clock:  time.Now,
	}
	for r, l := range limits {
		t.limits[r] = l
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Limit returns the configured limit for resource, if any.
func (t *Tracker) Limit(resource contracts.Resource) (Limit, bool) {
	l, ok := t.limits[resource]
	return l, ok
}

// Consume records amount units of resource against principalID, or fails
// with quota_exceeded when the window lacks capacity. The error's
// retry_after_ms detail tells pacing code how long to sleep before the
// window can possibly admit the same amount again.
func (t *Tracker) Consume(ctx context.Context, principalID string, resource contracts.Resource, amount float64) error {
	if amount <= 0 {
		return nil
	}
	limit, ok := t.limits[resource]
	if !ok {
		return nil
	}
	if amount > limit.Max {
		// Can never fit, no point waiting a window out.
		return contracts.Errorf(contracts.CodeQuotaExceeded,
			"%s: %v exceeds window maximum %v", resource, amount, limit.Max).
			WithDetail("resource", string(resource))
	}
	ok, retryAfter, err := t.store.Take(ctx, key(principalID, resource), limit, amount, t.clock().UTC())
	if err != nil {
		return contracts.WrapError(contracts.CodeRuntimeError, "rate store", err)
	}
	if !ok {
		return contracts.Errorf(contracts.CodeQuotaExceeded,
			"%s: window is full (max %v per %s)", resource, limit.Max, limit.Window).
			WithDetail("resource", string(resource)).
			WithDetail("retry_after_ms", retryAfter.Milliseconds())
	}
	return nil
}

// Peek reports the unused capacity of principalID's window for resource
// without consuming anything. Unmetered resources report (0, false).
func (t *Tracker) Peek(ctx context.Context, principalID string, resource contracts.Resource) (float64, bool) {
	limit, ok := t.limits[resource]
	if !ok {
		return 0, false
	}
	type peeker interface {
		Used(key string, limit Limit, now time.Time) float64
	}
	p, ok := t.store.(peeker)
	if !ok {
		return limit.Max, true
	}
	used := p.Used(key(principalID, resource), limit, t.clock().UTC())
	return limit.Max - used, true
}

func key(principalID string, resource contracts.Resource) string {
	return principalID + ":" + string(resource)
}

type record struct {
	at     time.Time
	amount float64
}

// MemoryStore is the single-process Store: one record slice per key,
// pruned lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]record
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]record)}
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, limit Limit, amount float64, now time.Time) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.prune(key, limit, now)
	used := 0.0
	for _, r := range recs {
		used += r.amount
	}
	if used+amount > limit.Max {
		retry := limit.Window
		if len(recs) > 0 {
			retry = recs[0].at.Add(limit.Window).Sub(now)
		}
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}
	s.windows[key] = append(recs, record{at: now, amount: amount})
	return true, 0, nil
}

// Used sums the unexpired records for key.
func (s *MemoryStore) Used(key string, limit Limit, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := 0.0
	for _, r := range s.prune(key, limit, now) {
		used += r.amount
	}
	return used
}

// prune drops records at or past expiry. Caller holds the lock. Records are
// appended in time order, so the survivors are a suffix.
func (s *MemoryStore) prune(key string, limit Limit, now time.Time) []record {
	recs := s.windows[key]
	cutoff := now.Add(-limit.Window)
	i := 0
	for i < len(recs) && !recs[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		recs = append([]record(nil), recs[i:]...)
		if len(recs) == 0 {
			delete(s.windows, key)
		} else {
			s.windows[key] = recs
		}
	}
	return recs
}
