package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/chain"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store/memory"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

func dupFlags(a []types.AnnotatedEntry) []bool {
	out := make([]bool, len(a))
	for i := range a {
		out[i] = a[i].IsDuplicate
	}
	return out
}

// ── Window ───────────────────────────────────────────────────────────────────

func TestFlagWindow_InclusiveBoundary(t *testing.T) {
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(15*time.Second)))
	got := service.FlagWindow(entries, service.DefaultDedupWindow)
	assert.Equal(t, []bool{false, true}, dupFlags(got))
}

func TestFlagWindow_JustPastBoundary(t *testing.T) {
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(15*time.Second+time.Millisecond)))
	got := service.FlagWindow(entries, service.DefaultDedupWindow)
	assert.Equal(t, []bool{false, false}, dupFlags(got))
}

func TestFlagWindow_KeyIndependence(t *testing.T) {
	otherDevice := tap("RFID-1", t0)
	otherDevice.DeviceID = "gate-2"
	otherType := tap("RFID-1", t0)
	otherType.EventType = "clock_out"

	entries := sealTaps(t,
		tap("RFID-1", t0),
		tap("RFID-2", t0),
		otherDevice,
		otherType,
	)
	got := service.FlagWindow(entries, service.DefaultDedupWindow)
	assert.Equal(t, []bool{false, false, false, false}, dupFlags(got))
}

func TestFlagWindow_DuplicateDoesNotExtendWindow(t *testing.T) {
	entries := sealTaps(t,
		tap("RFID-1", t0),
		tap("RFID-1", t0.Add(10*time.Second)),
		tap("RFID-1", t0.Add(20*time.Second)),
		tap("RFID-1", t0.Add(30*time.Second)),
	)
	got := service.FlagWindow(entries, service.DefaultDedupWindow)
	// 10s dup of 0s; 20s is >15s from 0s so it opens a new window; 30s is
	// within 15s of 20s.
	assert.Equal(t, []bool{false, true, false, true}, dupFlags(got))
}

func TestFlagWindow_OutOfOrderDeviceClock(t *testing.T) {
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(-5*time.Second)))
	got := service.FlagWindow(entries, service.DefaultDedupWindow)
	assert.Equal(t, []bool{false, true}, dupFlags(got))
}

func TestFlagWindow_MissingTimestampNeverFlagged(t *testing.T) {
	s := chain.NewSealer(types.LedgerEntry{})
	first, err := s.Seal(tap("RFID-1", t0))
	require.NoError(t, err)
	noTS, err := s.SealPayload(chain.Tap{EmployeeRFID: "RFID-1", DeviceID: "gate-1", EventType: "clock_in"}, []byte(`{"x":1}`))
	require.NoError(t, err)
	third, err := s.Seal(tap("RFID-1", t0.Add(5*time.Second)))
	require.NoError(t, err)

	got := service.FlagWindow([]types.LedgerEntry{first, noTS, third}, service.DefaultDedupWindow)
	assert.Equal(t, []bool{false, false, true}, dupFlags(got))
}

func TestFlagWindow_ZeroWindowUsesDefault(t *testing.T) {
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(14*time.Second)))
	got := service.FlagWindow(entries, 0)
	assert.Equal(t, []bool{false, true}, dupFlags(got))
}

func TestFlagWindow_DoesNotMutateInput(t *testing.T) {
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(time.Second)))
	before := entries[1]
	_ = service.FlagWindow(entries, service.DefaultDedupWindow)
	assert.Equal(t, before, entries[1])
}

// ── Cross-batch ──────────────────────────────────────────────────────────────

func TestAnnotate_FlagsAlreadyMaterializedEntries(t *testing.T) {
	ctx := context.Background()
	entries := sealTaps(t, spacedTaps(3)...)

	events := memory.NewAttendanceEventStore()
	require.NoError(t, events.Create(ctx, types.AttendanceEvent{ID: "existing-2", LedgerSequenceID: 2}))

	d := service.NewDeduplicator(events)
	got, stats, err := d.Annotate(ctx, entries, service.DefaultDedupWindow)
	require.NoError(t, err)
	require.Len(t, got, 3, "nothing is dropped")

	assert.False(t, got[0].IsAlreadyProcessed)
	assert.True(t, got[1].IsAlreadyProcessed)
	assert.Equal(t, "existing-2", got[1].ExistingEventID)
	assert.False(t, got[1].IsDuplicate, "window and idempotency flags are independent")

	assert.Equal(t, types.DedupStats{Total: 3, AlreadyProcessed: 1, Candidates: 2}, stats)
}

func TestAnnotate_BothFlagsCanBeSet(t *testing.T) {
	ctx := context.Background()
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(time.Second)))

	events := memory.NewAttendanceEventStore()
	require.NoError(t, events.Create(ctx, types.AttendanceEvent{ID: "e", LedgerSequenceID: 2}))

	got, stats, err := service.NewDeduplicator(events).Annotate(ctx, entries, service.DefaultDedupWindow)
	require.NoError(t, err)
	assert.True(t, got[1].IsDuplicate)
	assert.True(t, got[1].IsAlreadyProcessed)
	assert.Equal(t, 1, stats.Candidates)
}

func TestAnnotateSettled_ProcessedWithoutEventStaysDuplicate(t *testing.T) {
	ctx := context.Background()
	// The tap this one repeated is outside the batch.
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(5*time.Second)), tap("RFID-1", t0.Add(18*time.Second)))[1:]
	entries[0].Processed = true

	got, stats, err := service.NewDeduplicator(memory.NewAttendanceEventStore()).AnnotateSettled(ctx, entries, service.DefaultDedupWindow, nil)
	require.NoError(t, err)
	assert.True(t, got[0].IsDuplicate)
	assert.False(t, got[0].IsAlreadyProcessed)
	assert.False(t, got[1].IsDuplicate, "a settled duplicate does not move the window")
	assert.Equal(t, types.DedupStats{Total: 2, Duplicates: 1, Candidates: 1}, stats)
}

func TestAnnotateSettled_NotedDuplicateStaysDuplicate(t *testing.T) {
	ctx := context.Background()
	entries := sealTaps(t, tap("RFID-1", t0), tap("RFID-1", t0.Add(5*time.Second)))[1:]

	got, _, err := service.NewDeduplicator(memory.NewAttendanceEventStore()).AnnotateSettled(ctx, entries, service.DefaultDedupWindow, map[int64]bool{2: true})
	require.NoError(t, err)
	assert.True(t, got[0].IsDuplicate)
	assert.False(t, got[0].IsCandidate())
}

func TestAnnotateSettled_ProcessedWithEventIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	entries := sealTaps(t, spacedTaps(1)...)
	entries[0].Processed = true

	events := memory.NewAttendanceEventStore()
	require.NoError(t, events.Create(ctx, types.AttendanceEvent{ID: "e-1", LedgerSequenceID: 1}))

	got, stats, err := service.NewDeduplicator(events).AnnotateSettled(ctx, entries, service.DefaultDedupWindow, nil)
	require.NoError(t, err)
	assert.False(t, got[0].IsDuplicate)
	assert.True(t, got[0].IsAlreadyProcessed)
	assert.Equal(t, types.DedupStats{Total: 1, AlreadyProcessed: 1}, stats)
}

type failingEvents struct{ memory.AttendanceEventStore }

func (*failingEvents) FindByLedgerSequences(context.Context, []int64) (map[int64]string, error) {
	return nil, errors.New("db down")
}

func TestAnnotate_StoreErrorPropagates(t *testing.T) {
	entries := sealTaps(t, spacedTaps(1)...)
	_, _, err := service.NewDeduplicator(&failingEvents{}).Annotate(context.Background(), entries, 0)
	assert.ErrorContains(t, err, "db down")
}
