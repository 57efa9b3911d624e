package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"
	"EqualisLedger/internal/projection"
	"EqualisLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	gatherer      prometheus.Gatherer

	ledger       LedgerServer
	admin        AdminServer
	queryService *query.QueryService
	feeHistory   *projection.FeeHistoryProjection
	logger       zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services. Anything
// left nil disables the endpoints that need it.
type ServerDeps struct {
	DB            *sql.DB
	Reader        *query.LiveReader
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshot      SnapshotFunc
	CoreSequence  func() int64
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Gatherer      prometheus.Gatherer
	FeeHistory    *projection.FeeHistoryProjection
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	ledger := NewLedgerService(deps.Reader, deps.IngestService)
	admin := &adminService{
		db:           deps.DB,
		snapMgr:      deps.SnapshotMgr,
		queryService: deps.QueryService,
		snapshot:     deps.Snapshot,
		coreSequence: deps.CoreSequence,
		startTime:    deps.StartTime,
	}
	RegisterLedgerServer(grpcServer, ledger)
	RegisterAdminServer(grpcServer, admin)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ledgerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(grpcServer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		healthServer:  healthServer,
		gatherer:      gatherer,
		ledger:        ledger,
		admin:         admin,
		queryService:  deps.QueryService,
		feeHistory:    deps.FeeHistory,
		logger:        observability.NewLogger("server"),
	}
}

// SetServing flips the gRPC health status once recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ledgerServiceName, st)
}

// Server exposes the underlying grpc.Server, for in-process listeners.
func (s *GRPCServer) Server() *grpc.Server { return s.grpcServer }

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler builds the gateway mux. Routes call the same service
// implementations the gRPC server uses, in process.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/pools/{pool}", s.handleGetPool},
		{"GET", "/v1/pools/{pool}/positions/{key}", s.handleGetPosition},
		{"GET", "/v1/pools/{pool}/positions/{key}/solvency", s.handleCheckSolvency},
		{"GET", "/v1/pools/{pool}/split", s.handlePreviewSplit},
		{"GET", "/v1/pools/{pool}/balances", s.handlePoolBalances},
		{"GET", "/v1/pools/{pool}/fees", s.handleFeeHistory},
		{"GET", "/v1/pools/{pool}/fees/recent", s.handleRecentFees},
		{"POST", "/v1/events", s.handleSubmitEvent},
		{"GET", "/v1/admin/integrity", adminRoute(s.admin.VerifyIntegrity)},
		{"GET", "/v1/admin/eventlog", adminRoute(s.admin.GetEventLogInfo)},
		{"POST", "/v1/admin/projections/rebuild", adminRoute(s.admin.RebuildProjections)},
		{"POST", "/v1/admin/snapshot", adminRoute(s.admin.TakeSnapshot)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// ============================================================================
// HTTP handlers
// ============================================================================

func (s *GRPCServer) handleGetPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ledger.GetPool(r.Context(), &GetPoolRequest{Pool: pool})
	respond(w, resp, err)
}

func (s *GRPCServer) handleGetPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ledger.GetPosition(r.Context(), &GetPositionRequest{Pool: pool, Key: params["key"]})
	respond(w, resp, err)
}

func (s *GRPCServer) handleCheckSolvency(w http.ResponseWriter, r *http.Request, params map[string]string) {
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ledger.CheckSolvency(r.Context(), &CheckSolvencyRequest{
		Pool:   pool,
		Key:    params["key"],
		Amount: r.URL.Query().Get("amount"),
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handlePreviewSplit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	amount := r.URL.Query().Get("amount")
	if amount == "" {
		writeError(w, status.Error(codes.InvalidArgument, "amount query parameter is required"))
		return
	}
	resp, err := s.ledger.PreviewSplit(r.Context(), &PreviewSplitRequest{Pool: pool, Amount: amount})
	respond(w, resp, err)
}

func (s *GRPCServer) handlePoolBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.queryService == nil {
		writeError(w, status.Error(codes.Unavailable, "no database configured"))
		return
	}
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.queryService.GetPoolBalances(r.Context(), pool)
	respond(w, resp, err)
}

func (s *GRPCServer) handleFeeHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.queryService == nil {
		writeError(w, status.Error(codes.Unavailable, "no database configured"))
		return
	}
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var before *int64
	if v := q.Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "before: %v", err))
			return
		}
		before = &seq
	}
	resp, err := s.queryService.GetFeeHistory(r.Context(), pool, limit, before)
	respond(w, resp, err)
}

// handleRecentFees serves the in-memory fee history, which is current up
// to the projection worker and needs no database.
func (s *GRPCServer) handleRecentFees(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.feeHistory == nil {
		writeError(w, status.Error(codes.Unavailable, "fee history disabled"))
		return
	}
	pool, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	resp := RecentFeesResponse{PoolID: pool, Totals: make(map[string]string)}
	for _, e := range s.feeHistory.QueryByPool(pool, limit) {
		resp.Entries = append(resp.Entries, RecentFee{
			Sequence:    e.Sequence,
			Asset:       e.Asset,
			Destination: e.Destination,
			Amount:      e.Amount.Dec(),
			Timestamp:   e.Timestamp,
		})
	}
	for dest, total := range s.feeHistory.Totals(pool) {
		resp.Totals[dest] = total.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) handleSubmitEvent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req SubmitEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "body: %v", err))
		return
	}
	resp, err := s.ledger.SubmitEvent(r.Context(), &req)
	respond(w, resp, err)
}

func adminRoute[T any](call func(context.Context, *Empty) (T, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp, err := call(r.Context(), &Empty{})
		respond(w, resp, err)
	}
}
