package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists agent state in a single agent_state table. The maps
// and the turn history are stored as JSON columns; the row is the unit of
// replacement.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite %q: %w", path, err)
	}
	// One writer at a time keeps modernc's file locking out of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle and migrates the schema.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	s := &SQLiteStore{db: db, maxTurns: o.maxTurns}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_state (
		agent_id       TEXT PRIMARY KEY,
		current_state  TEXT NOT NULL DEFAULT '',
		working_memory TEXT NOT NULL DEFAULT '{}',
		turn_history   TEXT NOT NULL DEFAULT '[]',
		action_counts  TEXT NOT NULL DEFAULT '{}',
		updated_at     TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("state: migrate agent_state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*AgentState, error) {
	query := `
	SELECT agent_id, current_state, working_memory, turn_history, action_counts, updated_at
	FROM agent_state
	WHERE agent_id = ?`
	st, err := scanAgentState(s.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.Errorf(contracts.CodeNotFound, "no state for agent %q", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("state: load %q: %w", agentID, err)
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, st *AgentState) error {
	if st == nil || st.AgentID == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "state needs an agent_id")
	}
	memory, err := json.Marshal(orEmptyMap(st.WorkingMemory))
	if err != nil {
		return fmt.Errorf("state: encode working_memory: %w", err)
	}
	history, err := json.Marshal(clampTurns(st.TurnHistory, s.maxTurns))
	if err != nil {
		return fmt.Errorf("state: encode turn_history: %w", err)
	}
	counts, err := json.Marshal(orEmptyCounts(st.ActionCounts))
	if err != nil {
		return fmt.Errorf("state: encode action_counts: %w", err)
	}

	query := `
	INSERT INTO agent_state (agent_id, current_state, working_memory, turn_history, action_counts, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		current_state  = excluded.current_state,
		working_memory = excluded.working_memory,
		turn_history   = excluded.turn_history,
		action_counts  = excluded.action_counts,
		updated_at     = excluded.updated_at`
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, query,
		st.AgentID, st.CurrentState, string(memory), string(history), string(counts), now,
	); err != nil {
		return fmt.Errorf("state: save %q: %w", st.AgentID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("state: delete %q: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_state ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("state: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: list agents: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) All(ctx context.Context) ([]*AgentState, error) {
	query := `
	SELECT agent_id, current_state, working_memory, turn_history, action_counts, updated_at
	FROM agent_state
	ORDER BY agent_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("state: load all: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AgentState
	for rows.Next() {
		st, err := scanAgentState(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scan row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: load all: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentState(row rowScanner) (*AgentState, error) {
	var (
		st        AgentState
		memory    string
		history   string
		counts    string
		updatedAt string
	)
	if err := row.Scan(&st.AgentID, &st.CurrentState, &memory, &history, &counts, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(memory), &st.WorkingMemory); err != nil {
		return nil, fmt.Errorf("decode working_memory: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &st.TurnHistory); err != nil {
		return nil, fmt.Errorf("decode turn_history: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &st.ActionCounts); err != nil {
		return nil, fmt.Errorf("decode action_counts: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	st.UpdatedAt = ts
	return &st, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
