package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const entryColumns = `
  l.sequence_id, l.employee_rfid, l.device_id, l.event_type, l.scan_timestamp,
  l.raw_payload, l.hash_previous, l.hash_chain, l.processed, l.processed_at`

// Append bulk-loads producer rows with COPY. The load is all or nothing.
func (s *LedgerStore) Append(ctx context.Context, entries ...types.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{
			e.SequenceID, e.EmployeeRFID, e.DeviceID, e.EventType, e.ScanTimestamp,
			string(e.RawPayload), e.HashPrevious, e.HashChain,
		}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"ledger_entries"},
		[]string{"sequence_id", "employee_rfid", "device_id", "event_type", "scan_timestamp", "raw_payload", "hash_previous", "hash_chain"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("Append copy: %w", err)
	}
	return nil
}

func (s *LedgerStore) FetchUnprocessed(ctx context.Context, limit int) ([]types.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+entryColumns+`
FROM ledger_entries l
WHERE NOT l.processed
  AND NOT EXISTS (SELECT 1 FROM ledger_rejections r WHERE r.sequence_id = l.sequence_id)
  AND NOT EXISTS (SELECT 1 FROM ledger_duplicates d WHERE d.sequence_id = l.sequence_id)
ORDER BY l.sequence_id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("FetchUnprocessed query: %w", err)
	}
	return collectEntries(rows)
}

func (s *LedgerStore) FetchFromSequence(ctx context.Context, minSeq int64, limit int) ([]types.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+entryColumns+`
FROM ledger_entries l
WHERE l.sequence_id >= $1
ORDER BY l.sequence_id ASC
LIMIT $2`, minSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("FetchFromSequence query: %w", err)
	}
	return collectEntries(rows)
}

func (s *LedgerStore) LastBefore(ctx context.Context, seq int64) (types.LedgerEntry, bool, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+entryColumns+`
FROM ledger_entries l
WHERE l.sequence_id < $1
ORDER BY l.sequence_id DESC
LIMIT 1`, seq)
	if err != nil {
		return types.LedgerEntry{}, false, fmt.Errorf("LastBefore query: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.LedgerEntry{}, false, nil
	}
	if err != nil {
		return types.LedgerEntry{}, false, fmt.Errorf("LastBefore scan: %w", err)
	}
	return e, true, nil
}

func (s *LedgerStore) MarkProcessed(ctx context.Context, seqIDs []int64, at time.Time) (int64, error) {
	if len(seqIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE ledger_entries
SET processed = TRUE, processed_at = $1
WHERE NOT processed AND sequence_id = ANY($2)`, at.UTC(), seqIDs)
	if err != nil {
		return 0, fmt.Errorf("MarkProcessed update: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *LedgerStore) Reject(ctx context.Context, rejections []types.Rejection) (int64, error) {
	if len(rejections) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rejections {
		at := r.RejectedAt
		if at.IsZero() {
			at = time.Now()
		}
		batch.Queue(`
INSERT INTO ledger_rejections(sequence_id, reason, detail, rejected_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sequence_id) DO NOTHING`, r.SequenceID, string(r.Reason), r.Detail, at.UTC())
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var total int64
	for range rejections {
		tag, err := br.Exec()
		if err != nil {
			return 0, fmt.Errorf("Reject insert: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (s *LedgerStore) NoteDuplicates(ctx context.Context, seqIDs []int64, at time.Time) error {
	if len(seqIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO ledger_duplicates(sequence_id, noted_at)
SELECT id, $2 FROM unnest($1::bigint[]) AS id
ON CONFLICT (sequence_id) DO NOTHING`, seqIDs, at.UTC()); err != nil {
		return fmt.Errorf("NoteDuplicates insert: %w", err)
	}
	return nil
}

func (s *LedgerStore) NotedDuplicates(ctx context.Context, seqIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(seqIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT sequence_id FROM ledger_duplicates WHERE sequence_id = ANY($1)`, seqIDs)
	if err != nil {
		return nil, fmt.Errorf("NotedDuplicates query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("NotedDuplicates collect: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *LedgerStore) Stats(ctx context.Context, q store.StatsQuery) (store.LedgerStats, error) {
	var st store.LedgerStats

	var lastSeq *int64
	var lastTS *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT sequence_id, scan_timestamp FROM ledger_entries ORDER BY sequence_id DESC LIMIT 1`).Scan(&lastSeq, &lastTS)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("Stats last entry: %w", err)
	}
	st.LastSequenceID = lastSeq
	st.LastScanTimestamp = utcPtr(lastTS)

	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE l.scan_timestamp < $1),
  MIN(l.scan_timestamp)
FROM ledger_entries l
WHERE NOT l.processed
  AND NOT EXISTS (SELECT 1 FROM ledger_rejections r WHERE r.sequence_id = l.sequence_id)
  AND (NOT $2 OR NOT EXISTS (SELECT 1 FROM ledger_duplicates d WHERE d.sequence_id = l.sequence_id))`,
		q.StaleBefore.UTC(), q.ExcludeNotedDuplicates,
	).Scan(&st.TotalUnprocessed, &st.StaleUnprocessed, &oldest); err != nil {
		return st, fmt.Errorf("Stats unprocessed: %w", err)
	}
	st.OldestUnprocessed = utcPtr(oldest)

	if err := s.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM ledger_rejections r
JOIN ledger_entries l ON l.sequence_id = r.sequence_id
WHERE NOT l.processed`).Scan(&st.Rejected); err != nil {
		return st, fmt.Errorf("Stats rejected: %w", err)
	}
	return st, nil
}

func scanEntry(row pgx.CollectableRow) (types.LedgerEntry, error) {
	var (
		e       types.LedgerEntry
		payload []byte
	)
	if err := row.Scan(
		&e.SequenceID, &e.EmployeeRFID, &e.DeviceID, &e.EventType, &e.ScanTimestamp,
		&payload, &e.HashPrevious, &e.HashChain, &e.Processed, &e.ProcessedAt,
	); err != nil {
		return types.LedgerEntry{}, err
	}
	e.RawPayload = payload
	e.ScanTimestamp = utcPtr(e.ScanTimestamp)
	e.ProcessedAt = utcPtr(e.ProcessedAt)
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]types.LedgerEntry, error) {
	out, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("scan ledger entries: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
