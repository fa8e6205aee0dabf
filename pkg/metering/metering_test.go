package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/metering"
)

func TestMemoryMeterRecordAndUsage(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	events := []metering.Event{
		{PrincipalID: "agent_a", Resource: contracts.ResourceScrip, Quantity: 5, Action: "invoke"},
		{PrincipalID: "agent_a", Resource: contracts.ResourceScrip, Quantity: 3, Action: "write"},
		{PrincipalID: "agent_a", Resource: contracts.ResourceLLMBudget, Quantity: 0.02, Action: "think"},
		{PrincipalID: "agent_a", Resource: contracts.ResourceDiskQuota, Quantity: 1024, Action: "write"},
	}
	for _, e := range events {
		require.NoError(t, meter.Record(ctx, e))
	}

	usage, err := meter.Usage(ctx, "agent_a", metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, "agent_a", usage.PrincipalID)
	assert.InDelta(t, 8, usage.Totals[contracts.ResourceScrip], 1e-9)
	assert.InDelta(t, 0.02, usage.Totals[contracts.ResourceLLMBudget], 1e-9)
	assert.InDelta(t, 1024, usage.Totals[contracts.ResourceDiskQuota], 1e-9)
}

func TestMemoryMeterUsageByResource(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	require.NoError(t, meter.RecordBatch(ctx, []metering.Event{
		{PrincipalID: "agent_b", Resource: contracts.ResourceLLMTokenRate, Quantity: 1000},
		{PrincipalID: "agent_b", Resource: contracts.ResourceLLMTokenRate, Quantity: 500},
		{PrincipalID: "agent_b", Resource: contracts.ResourceScrip, Quantity: 7},
	}))

	tokens, err := meter.UsageByResource(ctx, "agent_b", contracts.ResourceLLMTokenRate, metering.DailyPeriod())
	require.NoError(t, err)
	assert.InDelta(t, 1500, tokens, 1e-9)
}

func TestMemoryMeterPrincipalIsolation(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	require.NoError(t, meter.Record(ctx, metering.Event{PrincipalID: "a", Resource: contracts.ResourceScrip, Quantity: 100}))
	require.NoError(t, meter.Record(ctx, metering.Event{PrincipalID: "b", Resource: contracts.ResourceScrip, Quantity: 50}))

	usageA, err := meter.Usage(ctx, "a", metering.DailyPeriod())
	require.NoError(t, err)
	usageB, err := meter.Usage(ctx, "b", metering.DailyPeriod())
	require.NoError(t, err)

	assert.InDelta(t, 100, usageA.Totals[contracts.ResourceScrip], 1e-9)
	assert.InDelta(t, 50, usageB.Totals[contracts.ResourceScrip], 1e-9)
}

func TestMemoryMeterValidation(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	err := meter.Record(ctx, metering.Event{Resource: contracts.ResourceScrip, Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)

	err = meter.Record(ctx, metering.Event{PrincipalID: "a", Resource: contracts.ResourceScrip, Quantity: -1})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidArgument, contracts.AsError(err).Code)

	// A batch with one bad event stores nothing.
	err = meter.RecordBatch(ctx, []metering.Event{
		{PrincipalID: "a", Resource: contracts.ResourceScrip, Quantity: 1},
		{PrincipalID: "", Resource: contracts.ResourceScrip, Quantity: 1},
	})
	require.Error(t, err)
	assert.Equal(t, 0, meter.Len())
}

func TestMemoryMeterPrune(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	meter := metering.NewMemoryMeter(metering.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, meter.Record(ctx, metering.Event{
		PrincipalID: "a", Resource: contracts.ResourceScrip, Quantity: 1,
		At: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, meter.Record(ctx, metering.Event{
		PrincipalID: "a", Resource: contracts.ResourceScrip, Quantity: 2,
	}))

	removed := meter.Prune(now.Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, meter.Len())
}

func TestPeriods(t *testing.T) {
	daily := metering.DailyPeriod()
	assert.Equal(t, 24*time.Hour, daily.End.Sub(daily.Start))

	monthly := metering.MonthlyPeriod()
	assert.Equal(t, 1, monthly.Start.Day())
	assert.True(t, monthly.End.After(monthly.Start))
}

func TestPostgresMeterRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	meter := metering.NewPostgresMeter(db)
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO resource_events").
		WithArgs("agent_a", "scrip", 5.0, "invoke", at, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = meter.Record(context.Background(), metering.Event{
		PrincipalID: "agent_a",
		Resource:    contracts.ResourceScrip,
		Quantity:    5,
		Action:      "invoke",
		At:          at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMeterUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	meter := metering.NewPostgresMeter(db)
	period := metering.Period{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery("SELECT resource, SUM\\(quantity\\)").
		WithArgs("agent_a", period.Start, period.End).
		WillReturnRows(sqlmock.NewRows([]string{"resource", "total"}).
			AddRow("scrip", 12.0).
			AddRow("llm_budget", 0.5))

	usage, err := meter.Usage(context.Background(), "agent_a", period)
	require.NoError(t, err)
	assert.InDelta(t, 12, usage.Totals[contracts.ResourceScrip], 1e-9)
	assert.InDelta(t, 0.5, usage.Totals[contracts.ResourceLLMBudget], 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMeterBatchRollsBackOnBadEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	meter := metering.NewPostgresMeter(db)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO resource_events")
	mock.ExpectRollback()

	err = meter.RecordBatch(context.Background(), []metering.Event{
		{PrincipalID: "", Resource: contracts.ResourceScrip, Quantity: 1},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
