package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// PostgresMeter implements Meter on PostgreSQL for deployments that keep
// consumption records queryable outside the kernel process.
type PostgresMeter struct {
	db *sql.DB
}

// NewPostgresMeter wraps an open database handle.
func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS resource_events (
	id BIGSERIAL PRIMARY KEY,
	principal_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	action TEXT,
	at TIMESTAMP NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_resource_events_principal_at ON resource_events(principal_id, at);
`

// Init creates the table and index.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

// Record stores one consumption event.
func (m *PostgresMeter) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	metadataJSON, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO resource_events (principal_id, resource, quantity, action, at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.PrincipalID, string(event.Resource), event.Quantity, event.Action, event.At, metadataJSON)
	if err != nil {
		return fmt.Errorf("metering: record event: %w", err)
	}
	return nil
}

// RecordBatch stores several events in one transaction.
func (m *PostgresMeter) RecordBatch(ctx context.Context, events []Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO resource_events (principal_id, resource, quantity, action, at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("metering: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		if event.At.IsZero() {
			event.At = now
		}
		metadataJSON, err := marshalMetadata(event.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, event.PrincipalID, string(event.Resource),
			event.Quantity, event.Action, event.At, metadataJSON); err != nil {
			return fmt.Errorf("metering: insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Usage aggregates all resources for one principal over a period.
func (m *PostgresMeter) Usage(ctx context.Context, principalID string, period Period) (*Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT resource, SUM(quantity) AS total
		FROM resource_events
		WHERE principal_id = $1 AND at >= $2 AND at < $3
		GROUP BY resource
	`, principalID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		PrincipalID: principalID,
		Period:      period,
		Totals:      make(map[contracts.Resource]float64),
		LastUpdate:  time.Now().UTC(),
	}
	for rows.Next() {
		var resource string
		var total float64
		if err := rows.Scan(&resource, &total); err != nil {
			return nil, fmt.Errorf("metering: scan usage row: %w", err)
		}
		usage.Totals[contracts.Resource(resource)] = total
	}
	return usage, rows.Err()
}

// UsageByResource aggregates one resource for one principal over a period.
func (m *PostgresMeter) UsageByResource(ctx context.Context, principalID string, resource contracts.Resource, period Period) (float64, error) {
	var total sql.NullFloat64
	err := m.db.QueryRowContext(ctx, `
		SELECT SUM(quantity)
		FROM resource_events
		WHERE principal_id = $1 AND resource = $2 AND at >= $3 AND at < $4
	`, principalID, string(resource), period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metering: query usage by resource: %w", err)
	}
	return total.Float64, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("metering: marshal metadata: %w", err)
	}
	return raw, nil
}
