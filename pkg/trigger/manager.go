package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
)

// Manager owns the live trigger set. Each registered trigger gets its own
// cursor over the event log (so a trigger with from_seq in the past
// backfills before following the tail) and a goroutine that feeds the
// shared pending queue.
type Manager struct {
	log    eventlog.Log
	queue  *Queue
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithQueue shares an externally owned pending queue.
func WithQueue(q *Queue) ManagerOption {
	return func(m *Manager) { m.queue = q }
}

// NewManager creates a Manager watching the given log.
func NewManager(log eventlog.Log, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      log,
		watchers: make(map[string]context.CancelFunc),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = NewQueue()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "trigger")
	return m
}

// Queue returns the pending-invocation queue the manager feeds.
func (m *Manager) Queue() *Queue { return m.queue }

// Register starts watching the log for the given trigger. Registering the
// same trigger id twice is an error; update flows unregister first.
func (m *Manager) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return contracts.NewError(contracts.CodeRuntimeError, "trigger manager is shut down")
	}
	if _, ok := m.watchers[def.TriggerID]; ok {
		return contracts.Errorf(contracts.CodeIDCollision, "trigger %s is already registered", def.TriggerID)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.watchers[def.TriggerID] = cancel
	m.wg.Add(1)
	go m.watch(ctx, def)

	m.logger.Debug("trigger registered",
		"trigger_id", def.TriggerID,
		"callback_id", def.CallbackID,
		"from_seq", def.FromSeq)
	return nil
}

// Unregister stops a trigger's watcher. Unknown ids are a no-op so delete
// paths stay idempotent.
func (m *Manager) Unregister(triggerID string) {
	m.mu.Lock()
	cancel, ok := m.watchers[triggerID]
	if ok {
		delete(m.watchers, triggerID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
		m.logger.Debug("trigger unregistered", "trigger_id", triggerID)
	}
}

// Registered reports whether a trigger id has a live watcher.
func (m *Manager) Registered(triggerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[triggerID]
	return ok
}

// Close stops every watcher, waits for them to drain, and closes the queue.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.watchers = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.queue.Close()
}

// watch follows one trigger's cursor until the trigger is unregistered, the
// manager shuts down, or the log closes. Matches become queued invocations;
// executing them is the loop manager's job.
func (m *Manager) watch(ctx context.Context, def Definition) {
	defer m.wg.Done()

	it := m.log.Iterator(def.Filter())
	for {
		e, err := it.Next(ctx)
		if err != nil {
			return
		}
		inv := Invocation{
			TriggerID:  def.TriggerID,
			CallbackID: def.CallbackID,
			Method:     def.Method,
			RunAs:      def.RunAs,
			EventSeq:   e.Seq,
			EventType:  e.Type,
		}
		if err := m.queue.Enqueue(inv); err != nil {
			return
		}
		m.logger.Debug("trigger fired",
			"trigger_id", def.TriggerID,
			"event_seq", e.Seq,
			"event_type", string(e.Type))
	}
}
