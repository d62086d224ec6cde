package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	dbpkg "github.com/BrandonDHaskell/tapledger/internal/db"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

type AttendanceEventStore struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewAttendanceEventStore(db *sql.DB, writer *dbpkg.Writer) *AttendanceEventStore {
	return &AttendanceEventStore{db: db, writer: writer}
}

// Create inserts ev. A second event for the same ledger sequence fails with
// store.ErrDuplicateEvent.
func (s *AttendanceEventStore) Create(ctx context.Context, ev types.AttendanceEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO attendance_events(
  event_id, employee_id, event_date, event_time, event_type,
  ledger_sequence_id, is_deduplicated, ledger_hash_verified,
  source, device_id, note, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			ev.ID, ev.EmployeeID, ev.EventDate, ev.EventTime, ev.EventType,
			ev.LedgerSequenceID, boolInt(ev.IsDeduplicated), boolInt(ev.LedgerHashVerified),
			ev.Source, ev.DeviceID, ev.Note, ev.CreatedAt.UTC().UnixMilli(),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("Create sequence %d: %w", ev.LedgerSequenceID, store.ErrDuplicateEvent)
		}
		if err != nil {
			return fmt.Errorf("Create insert: %w", err)
		}
		return nil
	})
}

func (s *AttendanceEventStore) FindByLedgerSequences(ctx context.Context, seqIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, chunk := range chunks(seqIDs) {
		rows, err := s.db.QueryContext(ctx, `
SELECT ledger_sequence_id, event_id
FROM attendance_events
WHERE ledger_sequence_id IN (`+placeholders(len(chunk))+`);
`, appendIDs(nil, chunk)...)
		if err != nil {
			return nil, fmt.Errorf("FindByLedgerSequences query: %w", err)
		}
		for rows.Next() {
			var (
				seq int64
				id  string
			)
			if err := rows.Scan(&seq, &id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("FindByLedgerSequences scan: %w", err)
			}
			out[seq] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("FindByLedgerSequences iterate: %w", err)
		}
	}
	return out, nil
}

// ListByDate returns the events of one attendance day ordered by time.
func (s *AttendanceEventStore) ListByDate(ctx context.Context, date string) ([]types.AttendanceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, employee_id, event_date, event_time, event_type,
       ledger_sequence_id, is_deduplicated, ledger_hash_verified,
       source, device_id, note, created_at_ms
FROM attendance_events
WHERE event_date = ?
ORDER BY event_time ASC, ledger_sequence_id ASC;
`, date)
	if err != nil {
		return nil, fmt.Errorf("ListByDate query: %w", err)
	}
	defer rows.Close()

	var out []types.AttendanceEvent
	for rows.Next() {
		var (
			ev              types.AttendanceEvent
			dedup, verified int
			createdMs       int64
		)
		if err := rows.Scan(
			&ev.ID, &ev.EmployeeID, &ev.EventDate, &ev.EventTime, &ev.EventType,
			&ev.LedgerSequenceID, &dedup, &verified,
			&ev.Source, &ev.DeviceID, &ev.Note, &createdMs,
		); err != nil {
			return nil, fmt.Errorf("ListByDate scan: %w", err)
		}
		ev.IsDeduplicated = dedup == 1
		ev.LedgerHashVerified = verified == 1
		ev.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
