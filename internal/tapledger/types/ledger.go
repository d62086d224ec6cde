package types

import (
	"encoding/json"
	"time"
)

// LedgerEntry is one immutable, sequence-numbered RFID tap as written by an
// edge time clock. Only Processed and ProcessedAt ever change after insert.
type LedgerEntry struct {
	SequenceID    int64           `json:"sequence_id"`
	EmployeeRFID  string          `json:"employee_rfid"`
	DeviceID      string          `json:"device_id"`
	EventType     string          `json:"event_type"`
	ScanTimestamp *time.Time      `json:"scan_timestamp,omitempty"`
	RawPayload    json.RawMessage `json:"raw_payload"`
	HashPrevious  string          `json:"hash_previous,omitempty"` // empty for the genesis entry
	HashChain     string          `json:"hash_chain"`
	Processed     bool            `json:"processed"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// DedupKey identifies the physical tap for window deduplication.
type DedupKey struct {
	EmployeeRFID string
	DeviceID     string
	EventType    string
}

func (e LedgerEntry) DedupKey() DedupKey {
	return DedupKey{
		EmployeeRFID: e.EmployeeRFID,
		DeviceID:     e.DeviceID,
		EventType:    e.EventType,
	}
}

// AnnotatedEntry carries the classification each pipeline stage attaches to
// an entry. Stages return new values instead of mutating the entry.
type AnnotatedEntry struct {
	Entry              LedgerEntry
	IsDuplicate        bool
	IsAlreadyProcessed bool
	ExistingEventID    string
	HashVerified       bool
}

// IsCandidate reports whether the entry should be materialized.
func (a AnnotatedEntry) IsCandidate() bool {
	return !a.IsDuplicate && !a.IsAlreadyProcessed
}

// Rejection records a permanent materialization failure. Rejected rows stay
// unprocessed in the ledger but are no longer fetched for ingestion.
type Rejection struct {
	SequenceID int64
	Reason     FailureReason
	Detail     string
	RejectedAt time.Time
}
