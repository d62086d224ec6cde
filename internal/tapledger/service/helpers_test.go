package service_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/chain"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store/memory"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

var t0 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

func tap(rfid string, at time.Time) chain.Tap {
	return chain.Tap{
		EmployeeRFID:  rfid,
		DeviceID:      "gate-1",
		EventType:     "clock_in",
		ScanTimestamp: at,
	}
}

// sealTaps builds a correctly chained ledger starting at genesis.
func sealTaps(t *testing.T, taps ...chain.Tap) []types.LedgerEntry {
	t.Helper()
	s := chain.NewSealer(types.LedgerEntry{})
	out := make([]types.LedgerEntry, 0, len(taps))
	for _, tp := range taps {
		e, err := s.Seal(tp)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// spacedTaps returns n taps for distinct cards one minute apart.
func spacedTaps(n int) []chain.Tap {
	out := make([]chain.Tap, n)
	for i := range out {
		out[i] = tap(fmt.Sprintf("RFID-%d", i+1), t0.Add(time.Duration(i)*time.Minute))
	}
	return out
}

type fixture struct {
	ledger *memory.LedgerStore
	events *memory.AttendanceEventStore
	dir    *memory.Directory
	lock   *memory.CycleLock
	orch   *service.IngestionOrchestrator
}

type fixtureOpts struct {
	gapPolicy service.GapPolicy
	dupPolicy service.DuplicatePolicy
	// ledger, when set, wraps the memory ledger to inject failures.
	ledger    func(*memory.LedgerStore) store.LedgerStore
	observers []service.CycleObserver
}

func newFixture(t *testing.T, opts fixtureOpts, entries ...types.LedgerEntry) *fixture {
	t.Helper()

	f := &fixture{
		ledger: memory.NewLedgerStore(),
		events: memory.NewAttendanceEventStore(),
		dir:    memory.NewDirectory(nil),
		lock:   memory.NewCycleLock(),
	}
	require.NoError(t, f.ledger.Append(context.Background(), entries...))
	for i := 1; i <= 10; i++ {
		f.dir.Assign(fmt.Sprintf("RFID-%d", i), int64(100+i))
	}

	var ledger store.LedgerStore = f.ledger
	if opts.ledger != nil {
		ledger = opts.ledger(f.ledger)
	}

	var n atomic.Int64
	f.orch = service.NewIngestionOrchestrator(service.OrchestratorDeps{
		Ledger:    ledger,
		Events:    f.events,
		Directory: f.dir,
		Lock:      f.lock,
		Observers: opts.observers,
	}, service.OrchestratorConfig{
		GapPolicy:       opts.gapPolicy,
		DuplicatePolicy: opts.dupPolicy,
		Holder:          t.Name(),
	}, service.WithIDGenerator(func() string {
		return fmt.Sprintf("evt-%d", n.Add(1))
	}))
	return f
}

func (f *fixture) run(t *testing.T, validate bool) types.CycleReport {
	t.Helper()
	rep, err := f.orch.RunCycle(context.Background(), service.CycleParams{
		Now:               t0.Add(time.Hour),
		ValidateHashChain: validate,
	})
	require.NoError(t, err)
	return rep
}

func eventSeqs(evs []types.AttendanceEvent) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.LedgerSequenceID
	}
	return out
}
