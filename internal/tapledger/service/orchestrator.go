package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

const (
	DefaultBatchLimit = 1000
	MaxBatchLimit     = 10000

	// markAfterAbortTimeout bounds the final mark when a cycle is cancelled
	// after events were already created.
	markAfterAbortTimeout = 10 * time.Second
)

var (
	ErrCycleInProgress   = errors.New("ingestion cycle already in progress")
	ErrInvalidBatchLimit = errors.New("batch limit out of range")
)

// DuplicatePolicy decides what happens to window duplicates once classified.
type DuplicatePolicy string

const (
	// DuplicatePolicyMarkProcessed marks duplicates processed so they are not
	// re-fetched every cycle.
	DuplicatePolicyMarkProcessed DuplicatePolicy = "mark_processed"
	// DuplicatePolicyRetainForAudit leaves duplicates unprocessed for audit
	// replay and notes them so health metrics can exclude them.
	DuplicatePolicyRetainForAudit DuplicatePolicy = "retain_for_audit"
)

func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DuplicatePolicyMarkProcessed, DuplicatePolicyRetainForAudit:
		return true
	default:
		return false
	}
}

// CycleObserver is notified after every cycle, including failed ones.
type CycleObserver interface {
	ObserveCycle(rep types.CycleReport, err error)
}

// CycleParams are the explicit inputs of one cycle.
type CycleParams struct {
	Now               time.Time
	DedupWindow       time.Duration
	BatchLimit        int
	ValidateHashChain bool
	// FromSequence switches the fetch to FetchFromSequence for recovery and
	// backfill. Rows already materialized are classified stale.
	FromSequence *int64
}

type OrchestratorDeps struct {
	Ledger    store.LedgerStore
	Events    store.AttendanceEventStore
	Directory store.EmployeeDirectory
	Lock      store.CycleLock
	Logger    *zap.Logger
	Observers []CycleObserver
}

type OrchestratorConfig struct {
	GapPolicy       GapPolicy
	DuplicatePolicy DuplicatePolicy
	// Holder identifies this process to the cycle lock.
	Holder   string
	Location *time.Location
}

// IngestionOrchestrator drives one poll cycle:
// fetch -> dedupe -> validate -> materialize -> mark.
type IngestionOrchestrator struct {
	ledger       store.LedgerStore
	lock         store.CycleLock
	dedup        *Deduplicator
	validator    *HashChainValidator
	materializer *EventMaterializer
	marker       *ProcessedMarker
	dupPolicy    DuplicatePolicy
	holder       string
	logger       *zap.Logger
	observers    []CycleObserver
	clock        func() time.Time

	// running guards against overlapping cycles inside this process; the
	// CycleLock covers other processes.
	running sync.Mutex
}

func NewIngestionOrchestrator(d OrchestratorDeps, cfg OrchestratorConfig, opts ...MaterializerOption) *IngestionOrchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.DuplicatePolicy.Valid() {
		cfg.DuplicatePolicy = DuplicatePolicyMarkProcessed
	}
	if cfg.Holder == "" {
		cfg.Holder = "tapledger"
	}
	opts = append([]MaterializerOption{WithLocation(cfg.Location)}, opts...)

	return &IngestionOrchestrator{
		ledger:       d.Ledger,
		lock:         d.Lock,
		dedup:        NewDeduplicator(d.Events),
		validator:    NewHashChainValidator(cfg.GapPolicy),
		materializer: NewEventMaterializer(d.Events, d.Directory, logger, opts...),
		marker:       NewProcessedMarker(d.Ledger),
		dupPolicy:    cfg.DuplicatePolicy,
		holder:       cfg.Holder,
		logger:       logger,
		observers:    d.Observers,
		clock:        time.Now,
	}
}

// DuplicatePolicy returns the configured duplicate marking policy.
func (o *IngestionOrchestrator) DuplicatePolicy() DuplicatePolicy { return o.dupPolicy }

// RunCycle executes one ingestion cycle. Per-entry failures are reported in
// the CycleReport; store failures abort the cycle and are returned.
func (o *IngestionOrchestrator) RunCycle(ctx context.Context, p CycleParams) (rep types.CycleReport, err error) {
	if p.BatchLimit == 0 {
		p.BatchLimit = DefaultBatchLimit
	}
	if p.BatchLimit < 0 || p.BatchLimit > MaxBatchLimit {
		return rep, fmt.Errorf("%w: %d", ErrInvalidBatchLimit, p.BatchLimit)
	}
	if p.DedupWindow <= 0 {
		p.DedupWindow = DefaultDedupWindow
	}
	if p.Now.IsZero() {
		p.Now = o.clock()
	}
	p.Now = p.Now.UTC()

	if !o.running.TryLock() {
		return rep, ErrCycleInProgress
	}
	defer o.running.Unlock()

	release, acquired, err := o.lock.TryAcquire(ctx, o.holder)
	if err != nil {
		return rep, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !acquired {
		return rep, ErrCycleInProgress
	}
	defer release()

	started := o.clock()
	rep.StartedAt = p.Now
	defer func() {
		rep.Duration = o.clock().Sub(started)
		for _, obs := range o.observers {
			obs.ObserveCycle(rep, err)
		}
	}()

	return o.runLocked(ctx, p, rep)
}

func (o *IngestionOrchestrator) runLocked(ctx context.Context, p CycleParams, rep types.CycleReport) (types.CycleReport, error) {
	var (
		entries []types.LedgerEntry
		err     error
	)
	if p.FromSequence != nil {
		entries, err = o.ledger.FetchFromSequence(ctx, *p.FromSequence, p.BatchLimit)
	} else {
		entries, err = o.ledger.FetchUnprocessed(ctx, p.BatchLimit)
	}
	if err != nil {
		return rep, fmt.Errorf("fetch ledger entries: %w", err)
	}
	rep.Fetched = len(entries)
	rep.Chain.Findings = []types.ChainFinding{}
	rep.Materialization.Errors = []types.MaterializationError{}
	if len(entries) == 0 {
		rep.Chain.Valid = true
		return rep, nil
	}

	// A backfill re-reads rows earlier cycles settled; the retained ones are
	// looked up so they stay duplicates without their window predecessor.
	var noted map[int64]bool
	if p.FromSequence != nil {
		seqIDs := make([]int64, len(entries))
		for i, e := range entries {
			seqIDs[i] = e.SequenceID
		}
		if noted, err = o.ledger.NotedDuplicates(ctx, seqIDs); err != nil {
			return rep, fmt.Errorf("fetch noted duplicates: %w", err)
		}
	}
	annotated, dstats, err := o.dedup.AnnotateSettled(ctx, entries, p.DedupWindow, noted)
	if err != nil {
		return rep, err
	}
	rep.Dedup = dstats

	var anchor *types.LedgerEntry
	prev, ok, err := o.ledger.LastBefore(ctx, entries[0].SequenceID)
	if err != nil {
		return rep, fmt.Errorf("fetch chain anchor: %w", err)
	}
	if ok {
		anchor = &prev
	}
	chainRep, verified := o.validator.Validate(entries, anchor)
	rep.Chain = chainRep
	for i := range annotated {
		annotated[i].HashVerified = verified[annotated[i].Entry.SequenceID]
	}

	mres, matErr := o.materializer.Materialize(ctx, annotated, p.ValidateHashChain, p.Now)
	rep.Materialization = mres.Stats

	toMark := make([]int64, 0, len(mres.Events)+dstats.AlreadyProcessed+dstats.Duplicates)
	for _, ev := range mres.Events {
		toMark = append(toMark, ev.LedgerSequenceID)
	}
	var retained []int64
	for _, a := range annotated {
		switch {
		case a.IsAlreadyProcessed:
			toMark = append(toMark, a.Entry.SequenceID)
		case a.IsDuplicate && o.dupPolicy == DuplicatePolicyMarkProcessed:
			toMark = append(toMark, a.Entry.SequenceID)
		case a.IsDuplicate:
			retained = append(retained, a.Entry.SequenceID)
		}
	}

	writeCtx := ctx
	if matErr != nil {
		rep.Aborted = true
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), markAfterAbortTimeout)
		defer cancel()
	}

	rep.Marked, err = o.marker.Mark(writeCtx, toMark, p.Now)
	if err != nil {
		return rep, err
	}

	if len(retained) > 0 {
		if err := o.ledger.NoteDuplicates(writeCtx, retained, p.Now); err != nil {
			return rep, fmt.Errorf("note retained duplicates: %w", err)
		}
	}

	var rejections []types.Rejection
	for _, me := range mres.Stats.Errors {
		if me.Permanent {
			rejections = append(rejections, types.Rejection{
				SequenceID: me.SequenceID,
				Reason:     me.Reason,
				Detail:     me.Error,
				RejectedAt: p.Now,
			})
		}
	}
	if len(rejections) > 0 {
		rep.Rejected, err = o.ledger.Reject(writeCtx, rejections)
		if err != nil {
			return rep, fmt.Errorf("reject entries: %w", err)
		}
	}

	o.logger.Info("ingestion cycle complete",
		zap.Int("fetched", rep.Fetched),
		zap.Int("duplicates", rep.Dedup.Duplicates),
		zap.Int("already_processed", rep.Dedup.AlreadyProcessed),
		zap.Int("created", rep.Materialization.Created),
		zap.Int("failed", rep.Materialization.Failed),
		zap.Int("invalid_hashes", rep.Chain.InvalidHashes),
		zap.Int("sequence_gaps", rep.Chain.SequenceGaps),
		zap.Int64("marked", rep.Marked),
		zap.Int64("rejected", rep.Rejected),
	)
	if !rep.Chain.Valid {
		o.logger.Error("ledger chain validation failed",
			zap.Int64p("failed_at_sequence_id", rep.Chain.FailedAtSequenceID),
			zap.Int("invalid_hashes", rep.Chain.InvalidHashes),
			zap.Int("link_mismatches", rep.Chain.LinkMismatches),
		)
	}

	if matErr != nil {
		return rep, fmt.Errorf("materialization interrupted: %w", matErr)
	}
	return rep, nil
}

// VerifyChain audits the ledger from fromSeq without changing any state.
func (o *IngestionOrchestrator) VerifyChain(ctx context.Context, fromSeq int64, limit int) (types.ChainReport, error) {
	if limit == 0 {
		limit = DefaultBatchLimit
	}
	if limit < 0 || limit > MaxBatchLimit {
		return types.ChainReport{}, fmt.Errorf("%w: %d", ErrInvalidBatchLimit, limit)
	}

	entries, err := o.ledger.FetchFromSequence(ctx, fromSeq, limit)
	if err != nil {
		return types.ChainReport{}, fmt.Errorf("fetch ledger entries: %w", err)
	}

	var anchor *types.LedgerEntry
	if len(entries) > 0 {
		prev, ok, err := o.ledger.LastBefore(ctx, entries[0].SequenceID)
		if err != nil {
			return types.ChainReport{}, fmt.Errorf("fetch chain anchor: %w", err)
		}
		if ok {
			anchor = &prev
		}
	}
	rep, _ := o.validator.Validate(entries, anchor)
	return rep, nil
}
