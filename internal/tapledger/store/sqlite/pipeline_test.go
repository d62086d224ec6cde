package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/tapledger/internal/db"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store/sqlite"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// TestSeededDayThroughPipeline runs the dev seed through a full cycle on
// SQLite and checks every classification lands where expected.
func TestSeededDayThroughPipeline(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	ctx := context.Background()

	ledger := sqlite.NewLedgerStore(conn, w)
	events := sqlite.NewAttendanceEventStore(conn, w)
	cards := sqlite.NewCardDirectory(conn, w)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seeded, err := db.SeedDev(ctx, ledger, cards, db.SeedDevOptions{Employees: 3, Day: day})
	require.NoError(t, err)
	// 3 clock_in + 1 double tap + 1 unknown card + 3 clock_out.
	require.Equal(t, 8, seeded.Entries)
	assert.Equal(t, int64(1), seeded.FirstSeq)

	orch := service.NewIngestionOrchestrator(service.OrchestratorDeps{
		Ledger:    ledger,
		Events:    events,
		Directory: cards,
		Lock:      sqlite.NewLeaseLock(conn, w, "", 0),
	}, service.OrchestratorConfig{})

	now := day.Add(20 * time.Hour)
	rep, err := orch.RunCycle(ctx, service.CycleParams{Now: now, ValidateHashChain: true})
	require.NoError(t, err)

	assert.Equal(t, 8, rep.Fetched)
	assert.True(t, rep.Chain.Valid)
	assert.Equal(t, 1, rep.Dedup.Duplicates)
	assert.Equal(t, 6, rep.Materialization.Created)
	require.Len(t, rep.Materialization.Errors, 1)
	assert.Equal(t, types.ReasonCannotResolveEmployee, rep.Materialization.Errors[0].Reason)
	assert.Equal(t, int64(7), rep.Marked)

	list, err := events.ListByDate(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Len(t, list, 6)

	health, err := service.NewHealthReporter(ledger, 0, orch.DuplicatePolicy()).Report(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.TotalUnprocessed)
	assert.Equal(t, int64(1), health.StaleUnprocessedEntries)

	// Seeding again continues the chain from the current head.
	again, err := db.SeedDev(ctx, ledger, cards, db.SeedDevOptions{Employees: 3, Day: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, seeded.LastSeq+1, again.FirstSeq)

	rep, err = orch.RunCycle(ctx, service.CycleParams{Now: now.AddDate(0, 0, 1), ValidateHashChain: true})
	require.NoError(t, err)
	assert.True(t, rep.Chain.Valid)
	assert.Zero(t, rep.Chain.LinkMismatches)
	assert.Equal(t, 9, rep.Fetched, "retried unknown card plus the new day")
}
