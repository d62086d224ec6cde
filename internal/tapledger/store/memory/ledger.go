package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// LedgerStore is an in-memory append-only ledger.
// It is intended for use in tests and dev environments.
type LedgerStore struct {
	mu         sync.RWMutex
	entries    []types.LedgerEntry // ascending by sequence
	rejected   map[int64]types.Rejection
	duplicates map[int64]time.Time

	// FailWith, when set, is returned by every method. Test-only.
	FailWith error
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		rejected:   make(map[int64]types.Rejection),
		duplicates: make(map[int64]time.Time),
	}
}

// Append inserts entries. Sequences must be unique; order does not matter.
func (s *LedgerStore) Append(_ context.Context, entries ...types.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].SequenceID >= e.SequenceID })
		if i < len(s.entries) && s.entries[i].SequenceID == e.SequenceID {
			return fmt.Errorf("append: sequence %d already exists", e.SequenceID)
		}
		s.entries = append(s.entries, types.LedgerEntry{})
		copy(s.entries[i+1:], s.entries[i:])
		s.entries[i] = cloneEntry(e)
	}
	return nil
}

// Tamper overwrites stored fields of an entry, bypassing the append-only
// contract. Test-only.
func (s *LedgerStore) Tamper(seq int64, fn func(e *types.LedgerEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].SequenceID == seq {
			fn(&s.entries[i])
			return
		}
	}
}

// Entry returns a copy of the entry with the given sequence. Test-only helper.
func (s *LedgerStore) Entry(seq int64) (types.LedgerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SequenceID == seq {
			return cloneEntry(e), true
		}
	}
	return types.LedgerEntry{}, false
}

func (s *LedgerStore) FetchUnprocessed(_ context.Context, limit int) ([]types.LedgerEntry, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.LedgerEntry
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.Processed {
			continue
		}
		if _, ok := s.rejected[e.SequenceID]; ok {
			continue
		}
		if _, ok := s.duplicates[e.SequenceID]; ok {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *LedgerStore) FetchFromSequence(_ context.Context, minSeq int64, limit int) ([]types.LedgerEntry, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.LedgerEntry
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.SequenceID < minSeq {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *LedgerStore) LastBefore(_ context.Context, seq int64) (types.LedgerEntry, bool, error) {
	if s.FailWith != nil {
		return types.LedgerEntry{}, false, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].SequenceID >= seq })
	if i == 0 {
		return types.LedgerEntry{}, false, nil
	}
	return cloneEntry(s.entries[i-1]), true, nil
}

func (s *LedgerStore) MarkProcessed(_ context.Context, seqIDs []int64, at time.Time) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	if len(seqIDs) == 0 {
		return 0, nil
	}
	want := make(map[int64]struct{}, len(seqIDs))
	for _, id := range seqIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.entries {
		e := &s.entries[i]
		if _, ok := want[e.SequenceID]; !ok || e.Processed {
			continue
		}
		t := at.UTC()
		e.Processed = true
		e.ProcessedAt = &t
		n++
	}
	return n, nil
}

func (s *LedgerStore) Reject(_ context.Context, rejections []types.Rejection) (int64, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range rejections {
		if _, ok := s.rejected[r.SequenceID]; ok {
			continue
		}
		s.rejected[r.SequenceID] = r
		n++
	}
	return n, nil
}

// Rejections returns a copy of all recorded rejections. Test-only helper.
func (s *LedgerStore) Rejections() map[int64]types.Rejection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]types.Rejection, len(s.rejected))
	for k, v := range s.rejected {
		out[k] = v
	}
	return out
}

func (s *LedgerStore) NoteDuplicates(_ context.Context, seqIDs []int64, at time.Time) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range seqIDs {
		if _, ok := s.duplicates[id]; !ok {
			s.duplicates[id] = at.UTC()
		}
	}
	return nil
}

func (s *LedgerStore) NotedDuplicates(_ context.Context, seqIDs []int64) (map[int64]bool, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]bool)
	for _, id := range seqIDs {
		if _, ok := s.duplicates[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *LedgerStore) Stats(_ context.Context, q store.StatsQuery) (store.LedgerStats, error) {
	if s.FailWith != nil {
		return store.LedgerStats{}, s.FailWith
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st store.LedgerStats
	if n := len(s.entries); n > 0 {
		last := s.entries[n-1]
		seq := last.SequenceID
		st.LastSequenceID = &seq
		st.LastScanTimestamp = cloneTime(last.ScanTimestamp)
	}

	for _, e := range s.entries {
		if e.Processed {
			continue
		}
		if _, ok := s.rejected[e.SequenceID]; ok {
			st.Rejected++
			continue
		}
		if q.ExcludeNotedDuplicates {
			if _, ok := s.duplicates[e.SequenceID]; ok {
				continue
			}
		}
		st.TotalUnprocessed++
		if e.ScanTimestamp == nil {
			continue
		}
		if e.ScanTimestamp.Before(q.StaleBefore) {
			st.StaleUnprocessed++
		}
		if st.OldestUnprocessed == nil || e.ScanTimestamp.Before(*st.OldestUnprocessed) {
			st.OldestUnprocessed = cloneTime(e.ScanTimestamp)
		}
	}
	return st, nil
}

func cloneEntry(e types.LedgerEntry) types.LedgerEntry {
	e.ScanTimestamp = cloneTime(e.ScanTimestamp)
	e.ProcessedAt = cloneTime(e.ProcessedAt)
	if e.RawPayload != nil {
		e.RawPayload = append([]byte(nil), e.RawPayload...)
	}
	return e
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
