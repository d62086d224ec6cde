// Package storetest holds behaviour suites shared by every store
// implementation. Each backend's tests call these with a constructor for a
// fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/chain"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// AppendableLedger is a LedgerStore that tests can populate.
type AppendableLedger interface {
	store.LedgerStore
	Append(ctx context.Context, entries ...types.LedgerEntry) error
}

var base = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

// Entries returns n chained entries starting at genesis, one minute apart.
func Entries(t *testing.T, n int) []types.LedgerEntry {
	t.Helper()
	s := chain.NewSealer(types.LedgerEntry{})
	out := make([]types.LedgerEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := s.Seal(chain.Tap{
			EmployeeRFID:  fmt.Sprintf("RFID-%d", i+1),
			DeviceID:      "gate-1",
			EventType:     "clock_in",
			ScanTimestamp: base.Add(time.Duration(i) * time.Minute),
			Extra:         map[string]any{"firmware": "2.4.1"},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func seqs(entries []types.LedgerEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.SequenceID
	}
	return out
}

// LedgerStore runs the LedgerStore contract.
func LedgerStore(t *testing.T, open func(t *testing.T) AppendableLedger) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		l := open(t)
		in := Entries(t, 2)
		require.NoError(t, l.Append(ctx, in...))

		got, err := l.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for i := range in {
			assert.Equal(t, in[i].SequenceID, got[i].SequenceID)
			assert.Equal(t, in[i].EmployeeRFID, got[i].EmployeeRFID)
			assert.Equal(t, in[i].DeviceID, got[i].DeviceID)
			assert.Equal(t, in[i].EventType, got[i].EventType)
			assert.JSONEq(t, string(in[i].RawPayload), string(got[i].RawPayload))
			assert.Equal(t, in[i].HashPrevious, got[i].HashPrevious)
			assert.Equal(t, in[i].HashChain, got[i].HashChain)
			require.NotNil(t, got[i].ScanTimestamp)
			assert.True(t, in[i].ScanTimestamp.Equal(*got[i].ScanTimestamp))
			assert.False(t, got[i].Processed)
			assert.Nil(t, got[i].ProcessedAt)

			// The stored payload must still hash to the stored chain value.
			h, err := chain.Hash(got[i].HashPrevious, got[i].RawPayload)
			require.NoError(t, err)
			assert.Equal(t, got[i].HashChain, h)
		}
	})

	t.Run("MissingScanTimestamp", func(t *testing.T) {
		l := open(t)
		e := Entries(t, 1)[0]
		e.ScanTimestamp = nil
		require.NoError(t, l.Append(ctx, e))

		got, err := l.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Nil(t, got[0].ScanTimestamp)
	})

	t.Run("FetchUnprocessedOrderAndLimit", func(t *testing.T) {
		l := open(t)
		in := Entries(t, 5)
		require.NoError(t, l.Append(ctx, in[3], in[0], in[4], in[1], in[2]))

		got, err := l.FetchUnprocessed(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, seqs(got))
	})

	t.Run("MarkProcessed", func(t *testing.T) {
		l := open(t)
		require.NoError(t, l.Append(ctx, Entries(t, 4)...))
		at := base.Add(2 * time.Hour)

		n, err := l.MarkProcessed(ctx, nil, at)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = l.MarkProcessed(ctx, []int64{1, 3}, at)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = l.MarkProcessed(ctx, []int64{1, 2, 3, 99}, at.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "only unprocessed rows transition")

		got, err := l.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, seqs(got))

		all, err := l.FetchFromSequence(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.True(t, all[0].Processed)
		require.NotNil(t, all[0].ProcessedAt)
		assert.True(t, all[0].ProcessedAt.Equal(at))
	})

	t.Run("FetchFromSequence", func(t *testing.T) {
		l := open(t)
		require.NoError(t, l.Append(ctx, Entries(t, 5)...))
		_, err := l.MarkProcessed(ctx, []int64{3}, base)
		require.NoError(t, err)

		got, err := l.FetchFromSequence(ctx, 3, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 4}, seqs(got))
	})

	t.Run("LastBefore", func(t *testing.T) {
		l := open(t)
		in := Entries(t, 3)
		require.NoError(t, l.Append(ctx, in...))

		_, ok, err := l.LastBefore(ctx, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		e, ok, err := l.LastBefore(ctx, 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), e.SequenceID)
		assert.Equal(t, in[1].HashChain, e.HashChain)

		e, ok, err = l.LastBefore(ctx, 1000)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), e.SequenceID)
	})

	t.Run("RejectExcludesFromFetch", func(t *testing.T) {
		l := open(t)
		require.NoError(t, l.Append(ctx, Entries(t, 3)...))

		rej := []types.Rejection{{SequenceID: 2, Reason: types.ReasonHashVerificationFailed, Detail: "x", RejectedAt: base}}
		n, err := l.Reject(ctx, rej)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = l.Reject(ctx, rej)
		require.NoError(t, err)
		assert.Zero(t, n, "re-rejecting is a no-op")

		got, err := l.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, seqs(got))

		// Rejected rows stay processed=false but are not backlog.
		st, err := l.Stats(ctx, store.StatsQuery{StaleBefore: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.TotalUnprocessed)
		assert.Equal(t, int64(2), st.StaleUnprocessed)
		assert.Equal(t, int64(1), st.Rejected)
		require.NotNil(t, st.OldestUnprocessed)
		assert.True(t, st.OldestUnprocessed.Equal(base))

		got, err = l.FetchFromSequence(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.False(t, got[1].Processed)
	})

	t.Run("NoteDuplicates", func(t *testing.T) {
		l := open(t)
		require.NoError(t, l.Append(ctx, Entries(t, 3)...))

		require.NoError(t, l.NoteDuplicates(ctx, []int64{2}, base))
		require.NoError(t, l.NoteDuplicates(ctx, []int64{2}, base.Add(time.Minute)))

		got, err := l.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, seqs(got))

		with, err := l.Stats(ctx, store.StatsQuery{StaleBefore: base})
		require.NoError(t, err)
		without, err := l.Stats(ctx, store.StatsQuery{StaleBefore: base, ExcludeNotedDuplicates: true})
		require.NoError(t, err)
		assert.Equal(t, int64(3), with.TotalUnprocessed)
		assert.Equal(t, int64(2), without.TotalUnprocessed)

		noted, err := l.NotedDuplicates(ctx, []int64{1, 2, 3, 99})
		require.NoError(t, err)
		assert.Equal(t, map[int64]bool{2: true}, noted)

		none, err := l.NotedDuplicates(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Stats", func(t *testing.T) {
		l := open(t)

		st, err := l.Stats(ctx, store.StatsQuery{StaleBefore: base})
		require.NoError(t, err)
		assert.Zero(t, st.TotalUnprocessed)
		assert.Nil(t, st.LastSequenceID)
		assert.Nil(t, st.OldestUnprocessed)

		require.NoError(t, l.Append(ctx, Entries(t, 4)...))
		_, err = l.MarkProcessed(ctx, []int64{1}, base)
		require.NoError(t, err)

		// Entries are at base+0..3 minutes; 2 and 3 are before the cutoff.
		st, err = l.Stats(ctx, store.StatsQuery{StaleBefore: base.Add(150 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.TotalUnprocessed)
		assert.Equal(t, int64(2), st.StaleUnprocessed)
		require.NotNil(t, st.OldestUnprocessed)
		assert.True(t, st.OldestUnprocessed.Equal(base.Add(time.Minute)))
		require.NotNil(t, st.LastSequenceID)
		assert.Equal(t, int64(4), *st.LastSequenceID)
		require.NotNil(t, st.LastScanTimestamp)
		assert.True(t, st.LastScanTimestamp.Equal(base.Add(3*time.Minute)))
	})

	t.Run("LargeMarkSet", func(t *testing.T) {
		l := open(t)
		in := Entries(t, 1200)
		require.NoError(t, l.Append(ctx, in...))

		n, err := l.MarkProcessed(ctx, seqs(in), base)
		require.NoError(t, err)
		assert.Equal(t, int64(1200), n)
	})
}

// AttendanceEventStore runs the AttendanceEventStore contract.
func AttendanceEventStore(t *testing.T, open func(t *testing.T) store.AttendanceEventStore) {
	ctx := context.Background()

	event := func(id string, seq int64) types.AttendanceEvent {
		return types.AttendanceEvent{
			ID:               id,
			EmployeeID:       101,
			EventDate:        "2026-03-02",
			EventTime:        "07:00:00",
			EventType:        "clock_in",
			LedgerSequenceID: seq,
			Source:           types.SourceRFIDLedger,
			DeviceID:         "gate-1",
			Note:             fmt.Sprintf("ledger sequence %d", seq),
			CreatedAt:        base,
		}
	}

	t.Run("CreateAndFind", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, event("a", 1)))
		require.NoError(t, s.Create(ctx, event("b", 3)))

		got, err := s.FindByLedgerSequences(ctx, []int64{1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, map[int64]string{1: "a", 3: "b"}, got)

		got, err = s.FindByLedgerSequences(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("AtMostOncePerSequence", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, event("a", 7)))

		err := s.Create(ctx, event("b", 7))
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrDuplicateEvent), "got %v", err)

		got, err := s.FindByLedgerSequences(ctx, []int64{7})
		require.NoError(t, err)
		assert.Equal(t, "a", got[7])
	})
}

// CycleLock runs the CycleLock contract.
func CycleLock(t *testing.T, open func(t *testing.T) store.CycleLock) {
	ctx := context.Background()

	t.Run("Exclusive", func(t *testing.T) {
		l := open(t)

		release, ok, err := l.TryAcquire(ctx, "node-a")
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = l.TryAcquire(ctx, "node-b")
		require.NoError(t, err)
		assert.False(t, ok)

		release()

		release, ok, err = l.TryAcquire(ctx, "node-b")
		require.NoError(t, err)
		require.True(t, ok)
		release()
	})
}
