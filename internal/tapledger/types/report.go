package types

import "time"

// FindingKind classifies a chain validation finding.
type FindingKind string

const (
	FindingGap          FindingKind = "gap_detected"
	FindingHashMismatch FindingKind = "hash_mismatch"
	FindingLinkMismatch FindingKind = "link_mismatch"
)

type ChainFinding struct {
	Kind       FindingKind `json:"kind"`
	SequenceID int64       `json:"sequence_id"`
	Expected   string      `json:"expected,omitempty"`
	Actual     string      `json:"actual,omitempty"`
	// PreviousSequenceID is set for gap and link findings.
	PreviousSequenceID int64 `json:"previous_sequence_id,omitempty"`
}

type ChainReport struct {
	Valid              bool           `json:"valid"`
	TotalValidated     int            `json:"total_validated"`
	InvalidHashes      int            `json:"invalid_hashes"`
	SequenceGaps       int            `json:"sequence_gaps"`
	LinkMismatches     int            `json:"link_mismatches"`
	FailedAtSequenceID *int64         `json:"failed_at_sequence_id"`
	Findings           []ChainFinding `json:"findings"`
}

// FailureReason is the per-entry materialization failure taxonomy.
type FailureReason string

const (
	ReasonHashVerificationFailed FailureReason = "hash_verification_failed"
	ReasonCannotResolveEmployee  FailureReason = "cannot_resolve_employee"
	ReasonMissingScanTimestamp   FailureReason = "missing_scan_timestamp"
	ReasonCreationFailed         FailureReason = "creation_failed"
)

// Permanent reports whether retrying the entry can never succeed.
func (r FailureReason) Permanent() bool {
	switch r {
	case ReasonHashVerificationFailed, ReasonMissingScanTimestamp:
		return true
	default:
		return false
	}
}

type MaterializationError struct {
	SequenceID int64         `json:"sequence_id"`
	Reason     FailureReason `json:"reason"`
	Error      string        `json:"error,omitempty"`
	Permanent  bool          `json:"permanent"`
}

type DedupStats struct {
	Total            int `json:"total"`
	Duplicates       int `json:"duplicates"`
	AlreadyProcessed int `json:"already_processed"`
	Candidates       int `json:"candidates"`
}

type MaterializationStats struct {
	Attempted int                    `json:"attempted"`
	Created   int                    `json:"created"`
	Failed    int                    `json:"failed"`
	Errors    []MaterializationError `json:"errors"`
}

// CycleReport aggregates one ingestion cycle.
type CycleReport struct {
	StartedAt       time.Time            `json:"started_at"`
	Duration        time.Duration        `json:"duration_ns"`
	Fetched         int                  `json:"fetched"`
	Dedup           DedupStats           `json:"dedup"`
	Chain           ChainReport          `json:"chain"`
	Materialization MaterializationStats `json:"materialization"`
	Marked          int64                `json:"marked"`
	Rejected        int64                `json:"rejected"`
	Aborted         bool                 `json:"aborted"`
}

// HealthReport is the shape consumed by operational dashboards.
type HealthReport struct {
	TotalUnprocessed        int64      `json:"total_unprocessed"`
	LastSequenceID          *int64     `json:"last_sequence_id"`
	LastScanTimestamp       *time.Time `json:"last_scan_timestamp"`
	ProcessingLagSeconds    float64    `json:"processing_lag_seconds"`
	StaleUnprocessedEntries int64      `json:"stale_unprocessed_entries"`
	// RejectedEntries are unprocessed rows held back as permanent failures.
	// They are not part of the other backlog figures.
	RejectedEntries int64 `json:"rejected_entries"`
}
