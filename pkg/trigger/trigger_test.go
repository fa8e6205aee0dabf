package trigger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/eventlog"
	"github.com/emergence-labs/agora/pkg/trigger"
)

func triggerArtifact(t *testing.T, id, createdBy, content string) *contracts.Artifact {
	t.Helper()
	return &contracts.Artifact{
		ID:      id,
		Kind:    contracts.KindTrigger,
		Content: content,
		Interface: contracts.InterfaceSpec{
			Description: "fires on matching events",
			DataType:    contracts.DataTypeData,
		},
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
}

func TestParseArtifact(t *testing.T) {
	a := triggerArtifact(t, "trig-1", "alice",
		`{"callback_id": "handler-1", "event_types": ["action"], "principal_id": "bob", "from_seq": 7}`)

	def, err := trigger.ParseArtifact(a)
	require.NoError(t, err)
	assert.Equal(t, "trig-1", def.TriggerID)
	assert.Equal(t, "alice", def.RunAs)
	assert.Equal(t, "handler-1", def.CallbackID)
	assert.Equal(t, "run", def.Method, "method defaults to run")
	assert.Equal(t, uint64(7), def.FromSeq)

	f := def.Filter()
	assert.Equal(t, uint64(7), f.FromSeq)
	assert.Equal(t, "bob", f.PrincipalID)
	assert.Equal(t, []eventlog.EventType{eventlog.EventAction}, f.Types)
}

func TestParseArtifactRejectsBadDefinitions(t *testing.T) {
	wrongKind := triggerArtifact(t, "d-1", "alice", `{"callback_id": "h"}`)
	wrongKind.Kind = contracts.KindData
	_, err := trigger.ParseArtifact(wrongKind)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidType, contracts.AsError(err).Code)

	_, err = trigger.ParseArtifact(triggerArtifact(t, "t-2", "alice", "not json"))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)

	_, err = trigger.ParseArtifact(triggerArtifact(t, "t-3", "alice", `{"event_types": ["action"]}`))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)

	_, err = trigger.ParseArtifact(triggerArtifact(t, "t-4", "alice",
		`{"callback_id": "h", "event_types": ["explosion"]}`))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidType, contracts.AsError(err).Code)
}

func TestQueueDrainsInEventOrder(t *testing.T) {
	q := trigger.NewQueue()

	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "t", CallbackID: "c", EventSeq: 9}))
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "t", CallbackID: "c", EventSeq: 3}))
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "t2", CallbackID: "c", EventSeq: 3}))

	first, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(3), first.EventSeq)
	assert.Equal(t, "t", first.TriggerID, "same seq drains in arrival order")

	second, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "t2", second.TriggerID)

	third, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(9), third.EventSeq)

	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestQueuePendingSnapshotFiltersByPrincipal(t *testing.T) {
	q := trigger.NewQueue()
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "a", CallbackID: "c", RunAs: "alice", EventSeq: 2}))
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "b", CallbackID: "c", RunAs: "bob", EventSeq: 1}))
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "a2", CallbackID: "c", RunAs: "alice", EventSeq: 5}))

	all := q.Pending("")
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].EventSeq, "snapshot comes back in drain order")

	mine := q.Pending("alice")
	require.Len(t, mine, 2)
	assert.Equal(t, "a", mine[0].TriggerID)
	assert.Equal(t, "a2", mine[1].TriggerID)

	// Snapshots never consume.
	assert.Equal(t, 3, q.Len())
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := trigger.NewQueue()

	got := make(chan trigger.Invocation, 1)
	go func() {
		inv, err := q.Dequeue(context.Background())
		if err == nil {
			got <- inv
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "t", CallbackID: "c", EventSeq: 1}))

	select {
	case inv := <-got:
		assert.Equal(t, "t", inv.TriggerID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke")
	}
}

func TestQueueCloseDrainsBacklogThenFails(t *testing.T) {
	q := trigger.NewQueue()
	require.NoError(t, q.Enqueue(trigger.Invocation{TriggerID: "t", CallbackID: "c", EventSeq: 1}))
	q.Close()

	inv, err := q.Dequeue(context.Background())
	require.NoError(t, err, "backlog stays drainable after close")
	assert.Equal(t, "t", inv.TriggerID)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, trigger.ErrQueueClosed)

	assert.ErrorIs(t, q.Enqueue(trigger.Invocation{TriggerID: "x", CallbackID: "c"}), trigger.ErrQueueClosed)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := trigger.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue ignored cancellation")
	}
}

func TestManagerEnqueuesMatches(t *testing.T) {
	log := eventlog.NewMemoryLog()
	m := trigger.NewManager(log)
	defer m.Close()

	def, err := trigger.ParseArtifact(triggerArtifact(t, "trig-1", "alice",
		`{"callback_id": "handler-1", "event_types": ["artifact_created"]}`))
	require.NoError(t, err)
	require.NoError(t, m.Register(def))

	ctx := context.Background()
	_, err = log.Append(ctx, eventlog.EventAction, "bob", map[string]any{"n": 1})
	require.NoError(t, err)
	created, err := log.Append(ctx, eventlog.EventArtifactCreated, "bob", map[string]any{"artifact_id": "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	inv, ok := m.Queue().TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "trig-1", inv.TriggerID)
	assert.Equal(t, "handler-1", inv.CallbackID)
	assert.Equal(t, "alice", inv.RunAs, "callback runs as the trigger creator")
	assert.Equal(t, created.Seq, inv.EventSeq)
	assert.Equal(t, eventlog.EventArtifactCreated, inv.EventType)
}

func TestManagerBackfillsFromSeq(t *testing.T) {
	log := eventlog.NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, eventlog.EventAction, "bob", map[string]any{"n": i})
		require.NoError(t, err)
	}

	m := trigger.NewManager(log)
	defer m.Close()

	// Registered after the fact, the trigger still sees history from seq 2.
	def, err := trigger.ParseArtifact(triggerArtifact(t, "late", "alice",
		`{"callback_id": "handler-1", "from_seq": 2}`))
	require.NoError(t, err)
	require.NoError(t, m.Register(def))

	require.Eventually(t, func() bool { return m.Queue().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	first, _ := m.Queue().TryDequeue()
	second, _ := m.Queue().TryDequeue()
	assert.Equal(t, uint64(2), first.EventSeq)
	assert.Equal(t, uint64(3), second.EventSeq)
}

func TestManagerDuplicateRegistration(t *testing.T) {
	m := trigger.NewManager(eventlog.NewMemoryLog())
	defer m.Close()

	def := trigger.Definition{TriggerID: "t", RunAs: "alice", CallbackID: "c", Method: "run"}
	require.NoError(t, m.Register(def))

	err := m.Register(def)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeIDCollision, contracts.AsError(err).Code)
}

func TestManagerUnregisterStopsWatcher(t *testing.T) {
	log := eventlog.NewMemoryLog()
	m := trigger.NewManager(log)
	defer m.Close()

	def := trigger.Definition{TriggerID: "t", RunAs: "alice", CallbackID: "c", Method: "run"}
	require.NoError(t, m.Register(def))
	require.True(t, m.Registered("t"))

	ctx := context.Background()
	_, err := log.Append(ctx, eventlog.EventAction, "bob", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	m.Unregister("t")
	require.False(t, m.Registered("t"))

	// Give the watcher a moment to die, then prove new events stay unseen.
	time.Sleep(20 * time.Millisecond)
	_, err = log.Append(ctx, eventlog.EventAction, "bob", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.Queue().Len())

	m.Unregister("t") // idempotent
}
