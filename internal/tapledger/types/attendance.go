package types

import "time"

// SourceRFIDLedger tags attendance events created by ledger ingestion.
const SourceRFIDLedger = "rfid_ledger"

const (
	EventDateLayout = "2006-01-02"
	EventTimeLayout = "15:04:05"
)

// AttendanceEvent is the canonical attendance record derived from exactly one
// ledger entry. LedgerSequenceID is the idempotency key.
type AttendanceEvent struct {
	ID                 string    `json:"id"`
	EmployeeID         int64     `json:"employee_id"`
	EventDate          string    `json:"event_date"`
	EventTime          string    `json:"event_time"`
	EventType          string    `json:"event_type"`
	LedgerSequenceID   int64     `json:"ledger_sequence_id"`
	IsDeduplicated     bool      `json:"is_deduplicated"`
	LedgerHashVerified bool      `json:"ledger_hash_verified"`
	Source             string    `json:"source"`
	DeviceID           string    `json:"device_id"`
	Note               string    `json:"note"`
	CreatedAt          time.Time `json:"created_at"`
}
