package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/tapledger/internal/db"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// chunkSize bounds the number of bound parameters in one IN (...) list.
const chunkSize = 500

// LedgerStore reads the ledger_entries table and writes only the processed
// columns plus the rejection and duplicate side tables.
type LedgerStore struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewLedgerStore(db *sql.DB, writer *dbpkg.Writer) *LedgerStore {
	return &LedgerStore{db: db, writer: writer}
}

const entryColumns = `
  l.sequence_id, l.employee_rfid, l.device_id, l.event_type, l.scan_timestamp_ms,
  l.raw_payload, l.hash_previous, l.hash_chain, l.processed, l.processed_at_ms`

// Append inserts producer rows. Used by dev seeding and tests; production
// rows arrive from the edge.
func (s *LedgerStore) Append(ctx context.Context, entries ...types.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ledger_entries(
  sequence_id, employee_rfid, device_id, event_type, scan_timestamp_ms,
  raw_payload, hash_previous, hash_chain
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`)
		if err != nil {
			return fmt.Errorf("Append prepare: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx,
				e.SequenceID, e.EmployeeRFID, e.DeviceID, e.EventType, msOrNil(e.ScanTimestamp),
				string(e.RawPayload), e.HashPrevious, e.HashChain,
			); err != nil {
				return fmt.Errorf("Append insert sequence %d: %w", e.SequenceID, err)
			}
		}
		return nil
	})
}

func (s *LedgerStore) FetchUnprocessed(ctx context.Context, limit int) ([]types.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT`+entryColumns+`
FROM ledger_entries l
WHERE l.processed = 0
  AND NOT EXISTS (SELECT 1 FROM ledger_rejections r WHERE r.sequence_id = l.sequence_id)
  AND NOT EXISTS (SELECT 1 FROM ledger_duplicates d WHERE d.sequence_id = l.sequence_id)
ORDER BY l.sequence_id ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("FetchUnprocessed query: %w", err)
	}
	return scanEntries(rows)
}

func (s *LedgerStore) FetchFromSequence(ctx context.Context, minSeq int64, limit int) ([]types.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT`+entryColumns+`
FROM ledger_entries l
WHERE l.sequence_id >= ?
ORDER BY l.sequence_id ASC
LIMIT ?;
`, minSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("FetchFromSequence query: %w", err)
	}
	return scanEntries(rows)
}

func (s *LedgerStore) LastBefore(ctx context.Context, seq int64) (types.LedgerEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT`+entryColumns+`
FROM ledger_entries l
WHERE l.sequence_id < ?
ORDER BY l.sequence_id DESC
LIMIT 1;
`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LedgerEntry{}, false, nil
	}
	if err != nil {
		return types.LedgerEntry{}, false, fmt.Errorf("LastBefore query: %w", err)
	}
	return e, true, nil
}

func (s *LedgerStore) MarkProcessed(ctx context.Context, seqIDs []int64, at time.Time) (int64, error) {
	if len(seqIDs) == 0 {
		return 0, nil
	}
	atMs := at.UTC().UnixMilli()

	var total int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		total = 0
		for _, chunk := range chunks(seqIDs) {
			args := make([]any, 0, len(chunk)+1)
			args = append(args, atMs)
			args = appendIDs(args, chunk)

			res, err := tx.ExecContext(ctx, `
UPDATE ledger_entries
SET processed = 1, processed_at_ms = ?
WHERE processed = 0 AND sequence_id IN (`+placeholders(len(chunk))+`);
`, args...)
			if err != nil {
				return fmt.Errorf("MarkProcessed update: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("MarkProcessed rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *LedgerStore) Reject(ctx context.Context, rejections []types.Rejection) (int64, error) {
	if len(rejections) == 0 {
		return 0, nil
	}
	var total int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		total = 0
		for _, r := range rejections {
			at := r.RejectedAt
			if at.IsZero() {
				at = time.Now()
			}
			res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO ledger_rejections(sequence_id, reason, detail, rejected_at_ms)
VALUES (?, ?, ?, ?);
`, r.SequenceID, string(r.Reason), r.Detail, at.UTC().UnixMilli())
			if err != nil {
				return fmt.Errorf("Reject insert sequence %d: %w", r.SequenceID, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Rejections lists recorded rejections in sequence order.
func (s *LedgerStore) Rejections(ctx context.Context) ([]types.Rejection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sequence_id, reason, detail, rejected_at_ms
FROM ledger_rejections
ORDER BY sequence_id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("Rejections query: %w", err)
	}
	defer rows.Close()

	var out []types.Rejection
	for rows.Next() {
		var (
			r      types.Rejection
			reason string
			atMs   int64
		)
		if err := rows.Scan(&r.SequenceID, &reason, &r.Detail, &atMs); err != nil {
			return nil, fmt.Errorf("Rejections scan: %w", err)
		}
		r.Reason = types.FailureReason(reason)
		r.RejectedAt = time.UnixMilli(atMs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LedgerStore) NoteDuplicates(ctx context.Context, seqIDs []int64, at time.Time) error {
	if len(seqIDs) == 0 {
		return nil
	}
	atMs := at.UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, id := range seqIDs {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO ledger_duplicates(sequence_id, noted_at_ms) VALUES (?, ?);
`, id, atMs); err != nil {
				return fmt.Errorf("NoteDuplicates insert sequence %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *LedgerStore) NotedDuplicates(ctx context.Context, seqIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for _, chunk := range chunks(seqIDs) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT sequence_id FROM ledger_duplicates WHERE sequence_id IN (`+placeholders(len(chunk))+`);`,
			appendIDs(nil, chunk)...)
		if err != nil {
			return nil, fmt.Errorf("NotedDuplicates query: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("NotedDuplicates scan: %w", err)
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("NotedDuplicates rows: %w", err)
		}
	}
	return out, nil
}

func (s *LedgerStore) Stats(ctx context.Context, q store.StatsQuery) (store.LedgerStats, error) {
	var st store.LedgerStats

	var (
		lastSeq sql.NullInt64
		lastTS  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT sequence_id, scan_timestamp_ms FROM ledger_entries ORDER BY sequence_id DESC LIMIT 1;
`).Scan(&lastSeq, &lastTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("Stats last entry: %w", err)
	}
	if lastSeq.Valid {
		v := lastSeq.Int64
		st.LastSequenceID = &v
	}
	st.LastScanTimestamp = msToTime(lastTS)

	exclude := 0
	if q.ExcludeNotedDuplicates {
		exclude = 1
	}
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN l.scan_timestamp_ms < ? THEN 1 ELSE 0 END), 0),
  MIN(l.scan_timestamp_ms)
FROM ledger_entries l
WHERE l.processed = 0
  AND NOT EXISTS (SELECT 1 FROM ledger_rejections r WHERE r.sequence_id = l.sequence_id)
  AND (? = 0 OR NOT EXISTS (SELECT 1 FROM ledger_duplicates d WHERE d.sequence_id = l.sequence_id));
`, q.StaleBefore.UTC().UnixMilli(), exclude).Scan(&st.TotalUnprocessed, &st.StaleUnprocessed, &oldest); err != nil {
		return st, fmt.Errorf("Stats unprocessed: %w", err)
	}
	st.OldestUnprocessed = msToTime(oldest)

	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM ledger_rejections r
JOIN ledger_entries l ON l.sequence_id = r.sequence_id
WHERE l.processed = 0;
`).Scan(&st.Rejected); err != nil {
		return st, fmt.Errorf("Stats rejected: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (types.LedgerEntry, error) {
	var (
		e           types.LedgerEntry
		scanMs      sql.NullInt64
		payload     string
		processed   int
		processedMs sql.NullInt64
	)
	if err := r.Scan(
		&e.SequenceID, &e.EmployeeRFID, &e.DeviceID, &e.EventType, &scanMs,
		&payload, &e.HashPrevious, &e.HashChain, &processed, &processedMs,
	); err != nil {
		return types.LedgerEntry{}, err
	}
	e.ScanTimestamp = msToTime(scanMs)
	e.RawPayload = []byte(payload)
	e.Processed = processed == 1
	e.ProcessedAt = msToTime(processedMs)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]types.LedgerEntry, error) {
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return out, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func msToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func chunks(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > chunkSize {
		out = append(out, ids[:chunkSize])
		ids = ids[chunkSize:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendIDs(args []any, ids []int64) []any {
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}
