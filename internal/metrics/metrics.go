// Package metrics exposes ingestion cycle outcomes and ledger health as
// Prometheus collectors.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

const namespace = "tapledger"

// Outcome labels for cycles_total.
const (
	OutcomeSuccess      = "success"
	OutcomeChainInvalid = "chain_invalid"
	OutcomeAborted      = "aborted"
	OutcomeError        = "error"
)

// Ingest holds the ingestion collectors. It satisfies the orchestrator's
// cycle observer contract.
type Ingest struct {
	cyclesTotal           *prometheus.CounterVec
	cycleDuration         prometheus.Histogram
	entriesTotal          *prometheus.CounterVec
	eventsCreated         prometheus.Counter
	materializationFailed *prometheus.CounterVec
	hashMismatches        prometheus.Counter
	linkMismatches        prometheus.Counter
	sequenceGaps          prometheus.Counter
	entriesMarked         prometheus.Counter
	entriesRejected       prometheus.Counter
	lastCycleTimestamp    prometheus.Gauge
	unprocessedEntries    prometheus.Gauge
	staleUnprocessed      prometheus.Gauge
	rejectedEntries       prometheus.Gauge
	processingLagSeconds  prometheus.Gauge
	lastSequenceID        prometheus.Gauge
}

// NewIngest registers all collectors on reg.
func NewIngest(reg prometheus.Registerer) *Ingest {
	factory := promauto.With(reg)
	m := &Ingest{}

	m.cyclesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Ingestion cycles by outcome",
	}, []string{"outcome"})
	m.cycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one ingestion cycle",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})
	m.entriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_total",
		Help:      "Fetched ledger entries by classification",
	}, []string{"classification"})
	m.eventsCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attendance_events_created_total",
		Help:      "Attendance events materialized",
	})
	m.materializationFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "materialization_failures_total",
		Help:      "Per-entry materialization failures by reason",
	}, []string{"reason"})
	m.hashMismatches = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_hash_mismatches_total",
		Help:      "Entries whose recomputed hash differed from the stored hash",
	})
	m.linkMismatches = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_link_mismatches_total",
		Help:      "Adjacent entries whose hash_previous did not match",
	})
	m.sequenceGaps = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_sequence_gaps_total",
		Help:      "Sequence gaps seen during validation",
	})
	m.entriesMarked = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_marked_processed_total",
		Help:      "Ledger rows transitioned to processed",
	})
	m.entriesRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_rejected_total",
		Help:      "Ledger rows rejected after a permanent failure",
	})
	m.lastCycleTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time of the last completed cycle",
	})
	m.unprocessedEntries = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "unprocessed_entries",
		Help:      "Ledger rows not yet processed",
	})
	m.staleUnprocessed = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stale_unprocessed_entries",
		Help:      "Unprocessed rows older than the staleness threshold",
	})
	m.rejectedEntries = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rejected_entries",
		Help:      "Unprocessed rows held back as permanent failures",
	})
	m.processingLagSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "processing_lag_seconds",
		Help:      "Age of the oldest unprocessed scan",
	})
	m.lastSequenceID = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_sequence_id",
		Help:      "Highest sequence in the ledger",
	})

	return m
}

// Outcome classifies a finished cycle.
func Outcome(rep types.CycleReport, err error) string {
	switch {
	case rep.Aborted || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return OutcomeAborted
	case err != nil:
		return OutcomeError
	case !rep.Chain.Valid:
		return OutcomeChainInvalid
	default:
		return OutcomeSuccess
	}
}

// ObserveCycle records one cycle.
func (m *Ingest) ObserveCycle(rep types.CycleReport, err error) {
	m.cyclesTotal.WithLabelValues(Outcome(rep, err)).Inc()
	m.cycleDuration.Observe(rep.Duration.Seconds())
	if !rep.StartedAt.IsZero() {
		m.lastCycleTimestamp.Set(float64(rep.StartedAt.Add(rep.Duration).Unix()))
	}
	if rep.Fetched == 0 {
		return
	}

	d := rep.Dedup
	m.entriesTotal.WithLabelValues("fetched").Add(float64(rep.Fetched))
	m.entriesTotal.WithLabelValues("duplicate").Add(float64(d.Duplicates))
	m.entriesTotal.WithLabelValues("already_processed").Add(float64(d.AlreadyProcessed))
	m.entriesTotal.WithLabelValues("candidate").Add(float64(d.Candidates))

	m.eventsCreated.Add(float64(rep.Materialization.Created))
	for _, me := range rep.Materialization.Errors {
		m.materializationFailed.WithLabelValues(string(me.Reason)).Inc()
	}

	m.hashMismatches.Add(float64(rep.Chain.InvalidHashes))
	m.linkMismatches.Add(float64(rep.Chain.LinkMismatches))
	m.sequenceGaps.Add(float64(rep.Chain.SequenceGaps))
	m.entriesMarked.Add(float64(rep.Marked))
	m.entriesRejected.Add(float64(rep.Rejected))
}

// ObserveHealth updates the backlog gauges.
func (m *Ingest) ObserveHealth(h types.HealthReport) {
	m.unprocessedEntries.Set(float64(h.TotalUnprocessed))
	m.staleUnprocessed.Set(float64(h.StaleUnprocessedEntries))
	m.rejectedEntries.Set(float64(h.RejectedEntries))
	m.processingLagSeconds.Set(h.ProcessingLagSeconds)
	if h.LastSequenceID != nil {
		m.lastSequenceID.Set(float64(*h.LastSequenceID))
	}
}
