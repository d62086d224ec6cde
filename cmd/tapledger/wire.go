package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/tapledger/internal/config"
	"github.com/BrandonDHaskell/tapledger/internal/db"
	"github.com/BrandonDHaskell/tapledger/internal/metrics"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/directory"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store/postgres"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/store/sqlite"
)

type ledgerStore interface {
	store.LedgerStore
	db.LedgerAppender
}

type cardStore interface {
	store.EmployeeDirectory
	db.CardAssigner
}

// app is the wired pipeline over the configured backends.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Ingest

	ledger    ledgerStore
	events    store.AttendanceEventStore
	cards     cardStore
	directory store.EmployeeDirectory
	lock      store.CycleLock

	orch   *service.IngestionOrchestrator
	health *service.HealthReporter

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, observers ...service.CycleObserver) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewIngest(a.registry)

	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.Options{MaxConns: cfg.PostgresMaxConns})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.ledger = postgres.NewLedgerStore(pool)
		a.events = postgres.NewAttendanceEventStore(pool)
		a.cards = postgres.NewCardDirectory(pool)
		a.lock = postgres.NewAdvisoryLock(pool, cfg.LockName)
	default:
		sqlDB, err := db.Open(ctx, db.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		writer := db.NewWriter(sqlDB)
		a.closers = append(a.closers, func() { _ = sqlDB.Close() }, writer.Close)
		a.ledger = sqlite.NewLedgerStore(sqlDB, writer)
		a.events = sqlite.NewAttendanceEventStore(sqlDB, writer)
		a.cards = sqlite.NewCardDirectory(sqlDB, writer)
		a.lock = sqlite.NewLeaseLock(sqlDB, writer, cfg.LockName, cfg.LockTTL)
	}
	logger.Info("ledger store ready", zap.String("backend", cfg.StoreBackend))

	a.directory = a.cards
	if cfg.DirectoryBackend == config.DirectoryHRMySQL {
		gdb, err := directory.OpenMySQL(cfg.MySQLDSN, logger)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		}
		a.directory = directory.NewHRDirectory(gdb)
		logger.Info("employee directory ready", zap.String("backend", cfg.DirectoryBackend))
	}

	dupPolicy := service.DuplicatePolicy(cfg.DuplicatePolicy)
	a.orch = service.NewIngestionOrchestrator(service.OrchestratorDeps{
		Ledger:    a.ledger,
		Events:    a.events,
		Directory: a.directory,
		Lock:      a.lock,
		Logger:    logger,
		Observers: append([]service.CycleObserver{a.metrics}, observers...),
	}, service.OrchestratorConfig{
		GapPolicy:       service.GapPolicy(cfg.GapPolicy),
		DuplicatePolicy: dupPolicy,
		Holder:          cfg.LockHolder(),
		Location:        cfg.Location(),
	})
	a.health = service.NewHealthReporter(a.ledger, cfg.StaleAfter, dupPolicy)

	return a, nil
}

func (a *app) cycleParams(now time.Time) service.CycleParams {
	return service.CycleParams{
		Now:               now,
		DedupWindow:       service.DefaultDedupWindow,
		BatchLimit:        a.cfg.BatchLimit,
		ValidateHashChain: a.cfg.ValidateHashChain,
	}
}

// refreshHealth updates the backlog gauges until ctx is done.
func (a *app) refreshHealth(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()
	for {
		rep, err := a.health.Report(ctx, time.Now())
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("health report failed", zap.Error(err))
		} else if err == nil {
			a.metrics.ObserveHealth(rep)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func describeBackend(cfg *config.Config) string {
	if cfg.StoreBackend == config.StorePostgres {
		return "postgres"
	}
	return fmt.Sprintf("sqlite:%s", cfg.SQLitePath)
}
