package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/tapledger/internal/tapledger/service"
	"github.com/BrandonDHaskell/tapledger/internal/tapledger/types"
)

type Dependencies struct {
	Logger       *zap.Logger
	Addr         string
	Orchestrator *service.IngestionOrchestrator
	Health       *service.HealthReporter
	// Params builds the parameters of an on-demand cycle. Query overrides
	// are applied on top.
	Params func(now time.Time) service.CycleParams
	// CycleTimeout bounds an on-demand cycle like a polled one; 0 leaves it
	// bound only by the request.
	CycleTimeout time.Duration
	// OnHealth receives every report served by /v1/health.
	OnHealth func(types.HealthReport)
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	orch       *service.IngestionOrchestrator
	health     *service.HealthReporter
	params     func(now time.Time) service.CycleParams
	timeout    time.Duration
	onHealth   func(types.HealthReport)
	now        func() time.Time
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	params := d.Params
	if params == nil {
		params = func(now time.Time) service.CycleParams {
			return service.CycleParams{Now: now, ValidateHashChain: true}
		}
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:   logger,
		mux:      mux,
		orch:     d.Orchestrator,
		health:   d.Health,
		params:   params,
		timeout:  d.CycleTimeout,
		onHealth: d.OnHealth,
		now:      time.Now,
	}

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/ingest/run", s.handleRunCycle)
	mux.HandleFunc("GET /v1/chain/verify", s.handleVerifyChain)
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	handler := loggingMiddleware(logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.logger.Info("http listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := s.health.Report(r.Context(), s.now())
	if err != nil {
		s.logger.Error("health report failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "ledger store unreachable")
		return
	}
	if s.onHealth != nil {
		s.onHealth(rep)
	}

	if wantsProtobuf(r) {
		msg, err := healthToProto(rep)
		if err != nil {
			s.logger.Error("encode health report", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, http.StatusOK, msg)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	p := s.params(s.now())

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		from, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be an integer sequence id")
			return
		}
		p.FromSequence = &from
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		p.BatchLimit = limit
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rep, err := s.orch.RunCycle(ctx, p)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCycleInProgress):
			writeError(w, http.StatusConflict, "cycle_in_progress", err.Error())
		case errors.Is(err, service.ErrInvalidBatchLimit):
			writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			// Work done before the abort is committed; report it.
			s.logger.Warn("on-demand cycle aborted", zap.Error(err), zap.Int("created", rep.Materialization.Created))
			writeJSON(w, http.StatusServiceUnavailable, cycleErrorResponse{
				errorResponse: errorResponse{Error: "cycle_aborted", Message: err.Error()},
				Report:        rep,
			})
		default:
			s.logger.Error("on-demand cycle failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, cycleErrorResponse{
				errorResponse: errorResponse{Error: "cycle_failed", Message: err.Error()},
				Report:        rep,
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	var (
		from  int64
		limit int
		err   error
	)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be an integer sequence id")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
	}

	rep, err := s.orch.VerifyChain(r.Context(), from, limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidBatchLimit) {
			writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		s.logger.Error("chain verification failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "ledger store unreachable")
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// cycleErrorResponse carries the partial report of a failed cycle.
type cycleErrorResponse struct {
	errorResponse
	Report types.CycleReport `json:"report"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
