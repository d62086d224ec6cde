package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// EventMaterializer turns validated, non-duplicate ledger entries into
// attendance events. A failing entry never aborts the batch.
type EventMaterializer struct {
	events    store.AttendanceEventStore
	directory store.EmployeeDirectory
	location  *time.Location
	newID     func() string
	logger    *zap.Logger
}

type MaterializerOption func(*EventMaterializer)

// WithLocation sets the zone used to derive event_date and event_time.
func WithLocation(loc *time.Location) MaterializerOption {
	return func(m *EventMaterializer) {
		if loc != nil {
			m.location = loc
		}
	}
}

// WithIDGenerator replaces the UUID generator. Test-only.
func WithIDGenerator(fn func() string) MaterializerOption {
	return func(m *EventMaterializer) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func NewEventMaterializer(events store.AttendanceEventStore, dir store.EmployeeDirectory, logger *zap.Logger, opts ...MaterializerOption) *EventMaterializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &EventMaterializer{
		events:    events,
		directory: dir,
		location:  time.UTC,
		newID:     uuid.NewString,
		logger:    logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type MaterializeResult struct {
	Stats  types.MaterializationStats
	Events []types.AttendanceEvent
}

type resolution struct {
	id    int64
	found bool
	err   error
}

// Materialize processes candidates in order. When validateHashChain is set,
// entries whose hash did not verify are refused.
//
// ctx is checked before each entry; on cancellation the partial result is
// returned together with ctx.Err().
func (m *EventMaterializer) Materialize(ctx context.Context, annotated []types.AnnotatedEntry, validateHashChain bool, now time.Time) (MaterializeResult, error) {
	res := MaterializeResult{
		Stats: types.MaterializationStats{Errors: []types.MaterializationError{}},
	}
	resolved := make(map[string]resolution)

	for _, a := range annotated {
		if !a.IsCandidate() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Stats.Attempted++
		e := a.Entry

		fail := func(reason types.FailureReason, err error) {
			me := types.MaterializationError{
				SequenceID: e.SequenceID,
				Reason:     reason,
				Permanent:  reason.Permanent(),
			}
			if err != nil {
				me.Error = err.Error()
			}
			res.Stats.Failed++
			res.Stats.Errors = append(res.Stats.Errors, me)
			m.logger.Warn("materialization failed",
				zap.Int64("sequence_id", e.SequenceID),
				zap.String("reason", string(reason)),
				zap.Error(err),
			)
		}

		if validateHashChain && !a.HashVerified {
			fail(types.ReasonHashVerificationFailed, nil)
			continue
		}

		r, ok := resolved[e.EmployeeRFID]
		if !ok {
			r.id, r.found, r.err = m.directory.Resolve(ctx, e.EmployeeRFID)
			// Lookup errors are not memoised so a later entry may succeed.
			if r.err == nil {
				resolved[e.EmployeeRFID] = r
			}
		}
		if r.err != nil {
			fail(types.ReasonCannotResolveEmployee, fmt.Errorf("resolve employee: %w", r.err))
			continue
		}
		if !r.found {
			fail(types.ReasonCannotResolveEmployee, nil)
			continue
		}

		if e.ScanTimestamp == nil {
			fail(types.ReasonMissingScanTimestamp, nil)
			continue
		}

		local := e.ScanTimestamp.In(m.location)
		ev := types.AttendanceEvent{
			ID:                 m.newID(),
			EmployeeID:         r.id,
			EventDate:          local.Format(types.EventDateLayout),
			EventTime:          local.Format(types.EventTimeLayout),
			EventType:          e.EventType,
			LedgerSequenceID:   e.SequenceID,
			IsDeduplicated:     a.IsDuplicate,
			LedgerHashVerified: a.HashVerified,
			Source:             types.SourceRFIDLedger,
			DeviceID:           e.DeviceID,
			Note:               fmt.Sprintf("ledger sequence %d", e.SequenceID),
			CreatedAt:          now.UTC(),
		}

		if err := m.events.Create(ctx, ev); err != nil {
			fail(types.ReasonCreationFailed, err)
			continue
		}
		res.Stats.Created++
		res.Events = append(res.Events, ev)
	}

	return res, nil
}
