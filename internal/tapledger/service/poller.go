package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// Poller runs ingestion cycles on a fixed interval in a background
// goroutine. Store failures switch it to exponential backoff until a cycle
// succeeds again. It is safe to stop via its context or the Stop method.
type Poller struct {
	orch     *IngestionOrchestrator
	params   func(now time.Time) CycleParams
	interval time.Duration
	timeout  time.Duration
	backoff  BackoffConfig
	rng      *rand.Rand
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	last     *types.CycleReport
	lastErr  error
	failures int
}

// PollerConfig holds the parameters for NewPoller.
type PollerConfig struct {
	// Interval between successful cycles. Defaults to 30s.
	Interval time.Duration
	// CycleTimeout bounds one cycle; 0 means no timeout. Cancellation is
	// honoured between entries, never mid-write.
	CycleTimeout time.Duration
	// Params builds the cycle parameters for the given cycle time.
	Params  func(now time.Time) CycleParams
	Backoff BackoffConfig
	RNG     *rand.Rand
}

// NewPoller creates a poller but does not start it.
func NewPoller(orch *IngestionOrchestrator, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Params == nil {
		cfg.Params = func(now time.Time) CycleParams {
			return CycleParams{Now: now, ValidateHashChain: true}
		}
	}
	if cfg.Backoff.BaseDelay == 0 && cfg.Backoff.MaxDelay == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		orch:     orch,
		params:   cfg.Params,
		interval: cfg.Interval,
		timeout:  cfg.CycleTimeout,
		backoff:  cfg.Backoff,
		rng:      cfg.RNG,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs a cycle immediately, then repeats on the configured interval.
// The loop exits when ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	p.logger.Info("ingestion poller started", zap.Duration("interval", p.interval))
}

// Stop signals the poller to exit and waits for it to finish. It is
// idempotent.
func (p *Poller) Stop() {
	p.once.Do(func() {
		if p.cancel == nil {
			// Never started.
			close(p.done)
			return
		}
		p.cancel()
	})
	<-p.done
}

// Done is closed once the loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// LastReport returns the most recent cycle report and error, if any.
func (p *Poller) LastReport() (*types.CycleReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastErr
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(p.runOnce(ctx))
		}
	}
}

// runOnce executes one cycle and returns the delay before the next.
func (p *Poller) runOnce(ctx context.Context) time.Duration {
	cctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	rep, err := p.orch.RunCycle(cctx, p.params(time.Now().UTC()))

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case err == nil:
		p.failures = 0
		p.last, p.lastErr = &rep, nil
		return p.interval
	case errors.Is(err, ErrCycleInProgress):
		// Another holder is running; try again next tick.
		p.logger.Debug("ingestion cycle skipped", zap.Error(err))
		return p.interval
	case ctx.Err() != nil:
		return p.interval
	default:
		p.failures++
		p.last, p.lastErr = &rep, err
		delay := RetryDelay(p.failures, p.backoff, p.rng)
		p.logger.Error("ingestion cycle failed",
			zap.Error(err),
			zap.Int("consecutive_failures", p.failures),
			zap.Duration("retry_in", delay),
		)
		return delay
	}
}
