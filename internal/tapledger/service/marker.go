package service

import (
	"context"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
)

// ProcessedMarker commits the consumed state back to the ledger.
type ProcessedMarker struct {
	ledger store.LedgerStore
}

func NewProcessedMarker(ledger store.LedgerStore) *ProcessedMarker {
	return &ProcessedMarker{ledger: ledger}
}

// Mark sets processed for seqIDs. Re-marking is a no-op and an empty set
// does not touch the store.
func (m *ProcessedMarker) Mark(ctx context.Context, seqIDs []int64, at time.Time) (int64, error) {
	ids := uniqueIDs(seqIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := m.ledger.MarkProcessed(ctx, ids, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return n, nil
}

func uniqueIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
