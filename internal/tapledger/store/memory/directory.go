package memory

import (
	"context"
	"strings"
	"sync"
)

// Directory maps card RFIDs to employee ids.
type Directory struct {
	mu    sync.RWMutex
	cards map[string]int64
	// FailWith, when set, is returned by Resolve. Test-only.
	FailWith error
}

func NewDirectory(cards map[string]int64) *Directory {
	c := make(map[string]int64, len(cards))
	for rfid, id := range cards {
		rfid = strings.TrimSpace(rfid)
		if rfid != "" {
			c[rfid] = id
		}
	}
	return &Directory{cards: c}
}

func (d *Directory) Assign(rfid string, employeeID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards[strings.TrimSpace(rfid)] = employeeID
}

func (d *Directory) Resolve(_ context.Context, rfid string) (int64, bool, error) {
	if d.FailWith != nil {
		return 0, false, d.FailWith
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.cards[strings.TrimSpace(rfid)]
	return id, ok, nil
}
