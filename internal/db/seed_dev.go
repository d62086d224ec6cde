package db

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/chain"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// LedgerAppender is the producer-side write path used by dev seeding.
type LedgerAppender interface {
	LastBefore(ctx context.Context, seq int64) (types.LedgerEntry, bool, error)
	Append(ctx context.Context, entries ...types.LedgerEntry) error
}

// CardAssigner issues cards to employees.
type CardAssigner interface {
	AssignCard(ctx context.Context, rfid string, employeeID int64) error
}

type SeedDevOptions struct {
	// Employees is how many cards to issue, RFID-0001 -> employee 1001 etc.
	Employees int
	// Day is the shift date; taps are generated from 07:00 UTC that day.
	Day      time.Time
	DeviceID string
}

type SeedDevResult struct {
	Cards      int
	Entries    int
	FirstSeq   int64
	LastSeq    int64
	LastHash   string
	UnknownTag string
}

// SeedDev issues cards and appends a correctly chained day of taps after the
// current ledger head. Besides one clock_in and clock_out per employee it
// writes a double tap inside the dedup window and a tap from a card that was
// never issued, so a dev cycle exercises both paths.
func SeedDev(ctx context.Context, ledger LedgerAppender, cards CardAssigner, opt SeedDevOptions) (SeedDevResult, error) {
	if opt.Employees <= 0 {
		opt.Employees = 5
	}
	if opt.DeviceID == "" {
		opt.DeviceID = "gate-main"
	}
	day := opt.Day
	if day.IsZero() {
		day = time.Now().UTC()
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 7, 0, 0, 0, time.UTC)

	var res SeedDevResult
	for i := 1; i <= opt.Employees; i++ {
		if err := cards.AssignCard(ctx, cardTag(i), int64(1000+i)); err != nil {
			return res, fmt.Errorf("seed card %s: %w", cardTag(i), err)
		}
		res.Cards++
	}

	head, _, err := ledger.LastBefore(ctx, math.MaxInt64)
	if err != nil {
		return res, fmt.Errorf("seed ledger head: %w", err)
	}
	sealer := chain.NewSealer(head)

	var taps []chain.Tap
	for i := 1; i <= opt.Employees; i++ {
		at := start.Add(time.Duration(i) * 30 * time.Second)
		taps = append(taps, chain.Tap{EmployeeRFID: cardTag(i), DeviceID: opt.DeviceID, EventType: "clock_in", ScanTimestamp: at})
		if i == 1 {
			taps = append(taps, chain.Tap{EmployeeRFID: cardTag(i), DeviceID: opt.DeviceID, EventType: "clock_in", ScanTimestamp: at.Add(4 * time.Second)})
		}
	}
	res.UnknownTag = "RFID-UNKNOWN"
	taps = append(taps, chain.Tap{EmployeeRFID: res.UnknownTag, DeviceID: opt.DeviceID, EventType: "clock_in", ScanTimestamp: start.Add(45 * time.Minute)})
	for i := 1; i <= opt.Employees; i++ {
		at := start.Add(9*time.Hour + time.Duration(i)*30*time.Second)
		taps = append(taps, chain.Tap{EmployeeRFID: cardTag(i), DeviceID: opt.DeviceID, EventType: "clock_out", ScanTimestamp: at})
	}

	entries := make([]types.LedgerEntry, 0, len(taps))
	for _, tp := range taps {
		e, err := sealer.Seal(tp)
		if err != nil {
			return res, fmt.Errorf("seal tap: %w", err)
		}
		entries = append(entries, e)
	}
	if err := ledger.Append(ctx, entries...); err != nil {
		return res, fmt.Errorf("seed ledger entries: %w", err)
	}

	res.Entries = len(entries)
	res.FirstSeq = entries[0].SequenceID
	res.LastSeq = entries[len(entries)-1].SequenceID
	res.LastHash = entries[len(entries)-1].HashChain
	return res, nil
}

func cardTag(i int) string { return fmt.Sprintf("RFID-%04d", i) }
