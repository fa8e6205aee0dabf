package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresMirror is a durable write-behind copy of the ledger for
// deployments that want balances queryable outside the process. The
// in-memory ledger stays authoritative; mirror failures are logged, never
// surfaced to the acting principal.
//
// Change notifications arrive under the account lock, so the mirror only
// marks principals dirty there; a single flusher goroutine performs the
// actual writes with last-write-wins semantics per principal.
type PostgresMirror struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	dirty map[string]Balances
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewPostgresMirror wraps an open connection. Callers own the pool.
func NewPostgresMirror(db *sql.DB, logger *slog.Logger) *PostgresMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresMirror{
		db:     db,
		logger: logger,
		dirty:  make(map[string]Balances),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Migrate creates the balances table if needed.
func (m *PostgresMirror) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			principal_id TEXT PRIMARY KEY,
			scrip        BIGINT NOT NULL,
			llm_budget   DOUBLE PRECISION NOT NULL,
			disk_quota   BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate balances table: %w", err)
	}
	return nil
}

// Upsert writes one principal's balances.
func (m *PostgresMirror) Upsert(ctx context.Context, principalID string, bal Balances) error {
	query := `
		INSERT INTO balances (principal_id, scrip, llm_budget, disk_quota, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal_id) DO UPDATE SET
			scrip      = EXCLUDED.scrip,
			llm_budget = EXCLUDED.llm_budget,
			disk_quota = EXCLUDED.disk_quota,
			updated_at = EXCLUDED.updated_at
	`
	_, err := m.db.ExecContext(ctx, query,
		principalID, bal.Scrip, bal.LLMBudget, bal.DiskQuota, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mirror balances for %s: %w", principalID, err)
	}
	return nil
}

// LoadAll reads every mirrored account, for inspection tools.
func (m *PostgresMirror) LoadAll(ctx context.Context) (map[string]Balances, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT principal_id, scrip, llm_budget, disk_quota FROM balances ORDER BY principal_id")
	if err != nil {
		return nil, fmt.Errorf("load mirrored balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Balances)
	for rows.Next() {
		var id string
		var bal Balances
		if err := rows.Scan(&id, &bal.Scrip, &bal.LLMBudget, &bal.DiskQuota); err != nil {
			return nil, fmt.Errorf("scan mirrored balance: %w", err)
		}
		out[id] = bal
	}
	return out, rows.Err()
}

// Attach registers the mirror as the ledger's change observer and starts
// the flusher. Call Close to flush the tail and stop.
func (m *PostgresMirror) Attach(l *Ledger) {
	l.OnChange(m.mark)
	m.wg.Add(1)
	go m.run()
}

func (m *PostgresMirror) mark(principalID string, now Balances) {
	m.mu.Lock()
	m.dirty[principalID] = now
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *PostgresMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.done:
			m.flush()
			return
		}
	}
}

func (m *PostgresMirror) flush() {
	m.mu.Lock()
	batch := m.dirty
	m.dirty = make(map[string]Balances)
	m.mu.Unlock()

	for id, bal := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := m.Upsert(ctx, id, bal)
		cancel()
		if err != nil {
			m.logger.Warn("ledger mirror write failed",
				"principal_id", id, "error", err)
		}
	}
}

// Close flushes pending writes and stops the flusher.
func (m *PostgresMirror) Close() error {
	close(m.done)
	m.wg.Wait()
	return nil
}
