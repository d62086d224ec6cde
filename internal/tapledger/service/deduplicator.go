package service

import (
	"context"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// DefaultDedupWindow is the fixed interval within which repeat taps of the
// same card, device and event type are suppressed. The boundary is inclusive.
const DefaultDedupWindow = 15 * time.Second

// Deduplicator flags near-duplicate taps within a batch and entries that
// were already materialized by an earlier cycle.
type Deduplicator struct {
	events store.AttendanceEventStore
}

func NewDeduplicator(events store.AttendanceEventStore) *Deduplicator {
	return &Deduplicator{events: events}
}

// FlagWindow annotates entries (ascending by sequence) with the window
// duplicate flag. A duplicate does not move its key's last-seen time, so a
// burst of taps cannot extend the window indefinitely. Entries without a scan
// timestamp are never flagged and never move the window.
func FlagWindow(entries []types.LedgerEntry, window time.Duration) []types.AnnotatedEntry {
	return flagWindow(entries, window, nil)
}

// flagWindow is FlagWindow with a settled predicate. A settled entry was
// already resolved as a duplicate by an earlier cycle: it is flagged whatever
// its neighbours and, like any duplicate, leaves the window where it was.
func flagWindow(entries []types.LedgerEntry, window time.Duration, settled func(types.LedgerEntry) bool) []types.AnnotatedEntry {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	lastSeen := make(map[types.DedupKey]time.Time)
	out := make([]types.AnnotatedEntry, len(entries))
	for i, e := range entries {
		out[i] = types.AnnotatedEntry{Entry: e}
		if settled != nil && settled(e) {
			out[i].IsDuplicate = true
			continue
		}
		if e.ScanTimestamp == nil {
			continue
		}

		key := e.DedupKey()
		ts := *e.ScanTimestamp
		if prev, ok := lastSeen[key]; ok && absDuration(ts.Sub(prev)) <= window {
			out[i].IsDuplicate = true
			continue
		}
		lastSeen[key] = ts
	}
	return out
}

// Annotate applies the window flag and the cross-batch idempotency check.
// Every input entry is returned; nothing is dropped.
func (d *Deduplicator) Annotate(ctx context.Context, entries []types.LedgerEntry, window time.Duration) ([]types.AnnotatedEntry, types.DedupStats, error) {
	return d.AnnotateSettled(ctx, entries, window, nil)
}

// AnnotateSettled is Annotate for batches that may hold rows an earlier cycle
// already resolved, as a backfill does. A row counts as a settled duplicate
// when it is in noted (retained for audit) or when it is processed but no
// event was materialized from it (marked as a duplicate). Settled rows are
// never candidates, even when the tap they repeated is outside the batch.
func (d *Deduplicator) AnnotateSettled(ctx context.Context, entries []types.LedgerEntry, window time.Duration, noted map[int64]bool) ([]types.AnnotatedEntry, types.DedupStats, error) {
	stats := types.DedupStats{Total: len(entries)}
	if len(entries) == 0 {
		return []types.AnnotatedEntry{}, stats, nil
	}

	seqIDs := make([]int64, len(entries))
	for i, e := range entries {
		seqIDs[i] = e.SequenceID
	}
	existing, err := d.events.FindByLedgerSequences(ctx, seqIDs)
	if err != nil {
		return nil, stats, fmt.Errorf("dedup find existing events: %w", err)
	}

	annotated := flagWindow(entries, window, func(e types.LedgerEntry) bool {
		if noted[e.SequenceID] {
			return true
		}
		_, hasEvent := existing[e.SequenceID]
		return e.Processed && !hasEvent
	})
	for i := range annotated {
		if id, ok := existing[annotated[i].Entry.SequenceID]; ok {
			annotated[i].IsAlreadyProcessed = true
			annotated[i].ExistingEventID = id
			stats.AlreadyProcessed++
		}
		if annotated[i].IsDuplicate {
			stats.Duplicates++
		}
		if annotated[i].IsCandidate() {
			stats.Candidates++
		}
	}
	return annotated, stats, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
