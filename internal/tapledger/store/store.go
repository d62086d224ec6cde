package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// ErrDuplicateEvent is returned when an attendance event already exists for
// the ledger sequence being materialized.
var ErrDuplicateEvent = errors.New("attendance event already exists for ledger sequence")

// LedgerStore is durable append-only storage of ledger entries. Only the
// processed flag and processed_at are ever written by ingestion.
type LedgerStore interface {
	// FetchUnprocessed returns unprocessed entries that are neither rejected
	// nor noted as retained duplicates, ordered by sequence ascending, at most
	// limit rows.
	FetchUnprocessed(ctx context.Context, limit int) ([]types.LedgerEntry, error)

	// FetchFromSequence returns entries with sequence >= minSeq regardless of
	// state, ordered ascending, at most limit rows.
	FetchFromSequence(ctx context.Context, minSeq int64, limit int) ([]types.LedgerEntry, error)

	// LastBefore returns the entry with the greatest sequence below seq.
	LastBefore(ctx context.Context, seq int64) (types.LedgerEntry, bool, error)

	// MarkProcessed sets processed=true, processed_at=at on rows that are not
	// yet processed and returns how many rows changed.
	MarkProcessed(ctx context.Context, seqIDs []int64, at time.Time) (int64, error)

	// Reject records permanent failures. Already rejected rows are left as is.
	Reject(ctx context.Context, rejections []types.Rejection) (int64, error)

	// NoteDuplicates records duplicates kept unprocessed for audit replay.
	NoteDuplicates(ctx context.Context, seqIDs []int64, at time.Time) error

	// NotedDuplicates reports which of seqIDs were noted as retained
	// duplicates.
	NotedDuplicates(ctx context.Context, seqIDs []int64) (map[int64]bool, error)

	// Stats counts the backlog. Rejected rows are reported on their own and
	// are not part of the unprocessed, stale or oldest figures.
	Stats(ctx context.Context, q StatsQuery) (LedgerStats, error)
}

type StatsQuery struct {
	// StaleBefore marks unprocessed entries scanned before it as stale.
	StaleBefore time.Time
	// ExcludeNotedDuplicates drops audit-retained duplicates from the
	// unprocessed counts.
	ExcludeNotedDuplicates bool
}

type LedgerStats struct {
	TotalUnprocessed  int64
	StaleUnprocessed  int64
	Rejected          int64
	OldestUnprocessed *time.Time
	LastSequenceID    *int64
	LastScanTimestamp *time.Time
}

// AttendanceEventStore persists canonical attendance events. Events are never
// updated or deleted by ingestion.
type AttendanceEventStore interface {
	Create(ctx context.Context, ev types.AttendanceEvent) error
	// FindByLedgerSequences maps ledger sequence -> existing event id.
	FindByLedgerSequences(ctx context.Context, seqIDs []int64) (map[int64]string, error)
}

// EmployeeDirectory resolves a card to the employee it is issued to.
type EmployeeDirectory interface {
	Resolve(ctx context.Context, rfid string) (employeeID int64, found bool, err error)
}

// CycleLock serializes ingestion cycles across processes.
type CycleLock interface {
	// TryAcquire returns acquired=false without error when another holder
	// owns the lock. release must be called exactly once when acquired.
	TryAcquire(ctx context.Context, holder string) (release func(), acquired bool, err error)
}
