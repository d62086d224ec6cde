package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

type AttendanceEventStore struct {
	pool *pgxpool.Pool
}

func NewAttendanceEventStore(pool *pgxpool.Pool) *AttendanceEventStore {
	return &AttendanceEventStore{pool: pool}
}

func (s *AttendanceEventStore) Create(ctx context.Context, ev types.AttendanceEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO attendance_events(
  event_id, employee_id, event_date, event_time, event_type,
  ledger_sequence_id, is_deduplicated, ledger_hash_verified,
  source, device_id, note, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.EmployeeID, ev.EventDate, ev.EventTime, ev.EventType,
		ev.LedgerSequenceID, ev.IsDeduplicated, ev.LedgerHashVerified,
		ev.Source, ev.DeviceID, ev.Note, ev.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("Create sequence %d: %w", ev.LedgerSequenceID, store.ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("Create insert: %w", err)
	}
	return nil
}

func (s *AttendanceEventStore) FindByLedgerSequences(ctx context.Context, seqIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	if len(seqIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT ledger_sequence_id, event_id
FROM attendance_events
WHERE ledger_sequence_id = ANY($1)`, seqIDs)
	if err != nil {
		return nil, fmt.Errorf("FindByLedgerSequences query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq int64
			id  string
		)
		if err := rows.Scan(&seq, &id); err != nil {
			return nil, fmt.Errorf("FindByLedgerSequences scan: %w", err)
		}
		out[seq] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FindByLedgerSequences iterate: %w", err)
	}
	return out, nil
}
