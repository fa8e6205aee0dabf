// Package metering keeps per-principal resource consumption records: what
// each principal spent (scrip, llm dollars, tokens, disk bytes) and through
// which action. The rate tracker and ledger decide admission; this package
// only remembers what actually happened, for usage queries and offline
// analysis.
package metering

import (
	"context"
	"time"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// Event is one consumption record.
type Event struct {
	PrincipalID string             `json:"principal_id"`
	Resource    contracts.Resource `json:"resource"`
	Quantity    float64            `json:"quantity"`
	Action      string             `json:"action,omitempty"`
	At          time.Time          `json:"at"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Validate checks the event's fields.
func (e Event) Validate() error {
	if e.PrincipalID == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "metering event has no principal_id")
	}
	if e.Resource == "" {
		return contracts.NewError(contracts.CodeInvalidArgument, "metering event has no resource")
	}
	if e.Quantity < 0 {
		return contracts.NewError(contracts.CodeInvalidArgument, "metering quantity must not be negative")
	}
	return nil
}

// Period is a half-open aggregation range [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// DailyPeriod covers the current UTC day.
func DailyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod covers the current UTC month.
func MonthlyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Usage is aggregated consumption for one principal over a period.
type Usage struct {
	PrincipalID string
	Period      Period
	Totals      map[contracts.Resource]float64
	LastUpdate  time.Time
}

// Meter records and aggregates consumption.
type Meter interface {
	// Record stores one consumption event.
	Record(ctx context.Context, event Event) error

	// RecordBatch stores several events atomically.
	RecordBatch(ctx context.Context, events []Event) error

	// Usage aggregates all resources for a principal over a period.
	Usage(ctx context.Context, principalID string, period Period) (*Usage, error)

	// UsageByResource aggregates one resource for a principal over a period.
	UsageByResource(ctx context.Context, principalID string, resource contracts.Resource, period Period) (float64, error)
}
