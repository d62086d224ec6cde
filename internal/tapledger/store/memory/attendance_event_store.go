package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// AttendanceEventStore is an in-memory store of attendance events keyed by
// ledger sequence. It is intended for use in tests and dev environments.
type AttendanceEventStore struct {
	mu     sync.Mutex
	events []types.AttendanceEvent
	bySeq  map[int64]int

	// FailFor makes Create fail for the listed ledger sequences. Test-only.
	FailFor map[int64]error
}

func NewAttendanceEventStore() *AttendanceEventStore {
	return &AttendanceEventStore{bySeq: make(map[int64]int)}
}

func (s *AttendanceEventStore) Create(_ context.Context, ev types.AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.FailFor[ev.LedgerSequenceID]; ok {
		return err
	}
	if _, ok := s.bySeq[ev.LedgerSequenceID]; ok {
		return store.ErrDuplicateEvent
	}
	s.bySeq[ev.LedgerSequenceID] = len(s.events)
	s.events = append(s.events, ev)
	return nil
}

func (s *AttendanceEventStore) FindByLedgerSequences(_ context.Context, seqIDs []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]string)
	for _, seq := range seqIDs {
		if i, ok := s.bySeq[seq]; ok {
			out[seq] = s.events[i].ID
		}
	}
	return out, nil
}

// Events returns a copy of all recorded events. Test-only helper.
func (s *AttendanceEventStore) Events() []types.AttendanceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AttendanceEvent, len(s.events))
	copy(out, s.events)
	return out
}
