// Package grpcapi serves the standard grpc.health.v1 service. The ingest
// service status follows the outcome of the latest ingestion cycle.
package grpcapi

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

// IngestService is the health service name reported for the pipeline.
const IngestService = "tapledger.ingest"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer registers health and reflection. The overall status is SERVING
// immediately; the ingest service stays NOT_SERVING until a cycle completes.
func NewServer(logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(IngestService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, logger: logger}
}

// ObserveCycle flips the ingest status. A failed cycle means the ledger store
// could not be reached; cycles skipped for lock contention or cancelled at
// shutdown leave the status unchanged.
func (s *Server) ObserveCycle(rep types.CycleReport, err error) {
	switch {
	case errors.Is(err, service.ErrCycleInProgress),
		errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	default:
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	}
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.logger.Debug("ingest health", zap.String("status", st.String()))
	s.health.SetServingStatus(IngestService, st)
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks every service NOT_SERVING, then drains in-flight calls
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}
}
