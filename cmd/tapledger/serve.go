package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/tapledger/internal/grpcapi"
	"github.com/BrandonDHaskell/tapledger/internal/httpapi"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the ledger and serve the HTTP and gRPC APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			defer func() { _ = logger.Sync() }()
			return serveRun(cmd.Context(), logger)
		},
	}
}

func serveRun(parent context.Context, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var grpcSrv *grpcapi.Server
	var observers []service.CycleObserver
	if cfg.GRPCAddr != "" {
		grpcSrv = grpcapi.NewServer(logger.Named("grpc"))
		observers = append(observers, grpcSrv)
	}

	a, err := newApp(ctx, cfg, logger, observers...)
	if err != nil {
		return err
	}
	defer a.Close()

	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:       logger.Named("http"),
		Addr:         cfg.HTTPAddr,
		Orchestrator: a.orch,
		Health:       a.health,
		Params:       a.cycleParams,
		CycleTimeout: cfg.CycleTimeout,
		OnHealth:     a.metrics.ObserveHealth,
		Gatherer:     a.registry,
	})

	poller := service.NewPoller(a.orch, service.PollerConfig{
		Interval:     cfg.PollInterval,
		CycleTimeout: cfg.CycleTimeout,
		Params:       a.cycleParams,
	}, logger.Named("poller"))

	logger.Info("starting",
		zap.String("store", describeBackend(cfg)),
		zap.String("directory", cfg.DirectoryBackend),
		zap.String("duplicate_policy", cfg.DuplicatePolicy),
		zap.String("gap_policy", cfg.GapPolicy),
	)

	var lis net.Listener
	if grpcSrv != nil {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpSrv.Start)
	if grpcSrv != nil {
		g.Go(func() error { return grpcSrv.Serve(lis) })
	}
	g.Go(func() error { return a.refreshHealth(gctx) })

	poller.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		poller.Stop()

		shutdownCtx, cancel := withTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.Shutdown(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
