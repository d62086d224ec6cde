package service

import (
	"context"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

const DefaultStaleAfter = time.Hour

// HealthReporter builds the operational health report for dashboards.
type HealthReporter struct {
	ledger     store.LedgerStore
	staleAfter time.Duration
	dupPolicy  DuplicatePolicy
}

func NewHealthReporter(ledger store.LedgerStore, staleAfter time.Duration, dupPolicy DuplicatePolicy) *HealthReporter {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &HealthReporter{ledger: ledger, staleAfter: staleAfter, dupPolicy: dupPolicy}
}

func (h *HealthReporter) Report(ctx context.Context, now time.Time) (types.HealthReport, error) {
	now = now.UTC()
	st, err := h.ledger.Stats(ctx, store.StatsQuery{
		StaleBefore: now.Add(-h.staleAfter),
		// Duplicates retained for audit are unprocessed by design and would
		// otherwise read as a backlog.
		ExcludeNotedDuplicates: h.dupPolicy == DuplicatePolicyRetainForAudit,
	})
	if err != nil {
		return types.HealthReport{}, fmt.Errorf("ledger stats: %w", err)
	}

	rep := types.HealthReport{
		TotalUnprocessed:        st.TotalUnprocessed,
		LastSequenceID:          st.LastSequenceID,
		LastScanTimestamp:       st.LastScanTimestamp,
		StaleUnprocessedEntries: st.StaleUnprocessed,
		RejectedEntries:         st.Rejected,
	}
	if st.OldestUnprocessed != nil {
		if lag := now.Sub(*st.OldestUnprocessed); lag > 0 {
			rep.ProcessingLagSeconds = lag.Seconds()
		}
	}
	return rep, nil
}
