package server

import (
	"CTFLedger/internal/core"
	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

// StatusSource reports the engine's last committed event.
type StatusSource interface {
	Status() core.Status
}

// Deps holds everything the admin surface reads from or writes to.
type Deps struct {
	Engine    StatusSource
	StoreKind string
	Health    *observability.HealthChecker
	// Rewinds feeds the single writer; rewinds never run on a request
	// goroutine.
	Rewinds chan<- ingestion.RewindRequest
	// Injector is nil unless event injection is enabled.
	Injector  *ingestion.EventInjector
	StartTime time.Time
}

// Server runs the gRPC health service and the HTTP admin API. The HTTP
// routes are registered on a grpc-gateway ServeMux.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         Deps
	logger       zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps, logger zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       logger.With().Str("component", "server").Logger(),
	}
}

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC serves gRPC until ctx is cancelled (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the admin API until ctx is cancelled (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
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
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP admin API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// Handler builds the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"GET", "/healthz", s.handleLiveness},
		{"GET", "/readyz", s.handleReadiness},
		{"GET", "/v1/status", s.handleStatus},
		{"POST", "/v1/admin/rewind", s.handleRewind},
	}
	if s.deps.Injector != nil {
		routes = append(routes, route{"POST", "/v1/admin/events/{event_type}", s.handleInject})
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

// ============================================================================
// Health and status
// ============================================================================

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.deps.Health.LivenessHandler(w, r)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	s.deps.Health.ReadinessHandler(w, r)
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Store         string `json:"store"`
	HasApplied    bool   `json:"has_applied"`
	LastBlock     uint64 `json:"last_block"`
	LastLogIndex  uint32 `json:"last_log_index"`
	StateHash     string `json:"state_hash"`
	EventsApplied int64  `json:"events_applied"`
	Rewinds       int64  `json:"rewinds"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := StatusResponse{
		Store:         s.deps.StoreKind,
		UptimeSeconds: int64(time.Since(s.deps.StartTime).Seconds()),
	}
	if s.deps.Engine != nil {
		st := s.deps.Engine.Status()
		resp.HasApplied = st.HasApplied
		resp.LastBlock = st.LastPosition.Block
		resp.LastLogIndex = st.LastPosition.LogIndex
		resp.StateHash = core.HashString(st.StateHash)
		resp.EventsApplied = st.EventsApplied
		resp.Rewinds = st.Rewinds
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Admin
// ============================================================================

type rewindRequest struct {
	FromBlock *uint64 `json:"from_block"`
}

// RewindResponse is the body of a successful POST /v1/admin/rewind.
type RewindResponse struct {
	FromBlock uint64 `json:"from_block"`
	Removed   int64  `json:"removed"`
	Replayed  int    `json:"replayed"`

	// RestoredFrom is the "block/logIndex" checkpoint the replay started
	// from; empty for a replay from genesis.
	RestoredFrom string `json:"restored_from,omitempty"`
	StateHash    string `json:"state_hash"`
	DurationMs   int64  `json:"duration_ms"`
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Rewinds == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("rewind is not available"))
		return
	}

	var req rewindRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.FromBlock == nil {
		writeError(w, http.StatusBadRequest, errors.New("from_block is required"))
		return
	}

	reply := make(chan ingestion.RewindReply, 1)
	select {
	case s.deps.Rewinds <- ingestion.RewindRequest{FromBlock: *req.FromBlock, Reply: reply}:
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, r.Context().Err())
		return
	}

	s.logger.Warn().Uint64("from_block", *req.FromBlock).Msg("admin rewind queued")

	select {
	case rep := <-reply:
		if rep.Err != nil {
			writeError(w, http.StatusInternalServerError, rep.Err)
			return
		}
		resp := RewindResponse{
			FromBlock:  rep.Result.FromBlock,
			Removed:    rep.Result.Removed,
			Replayed:   rep.Result.Replayed,
			StateHash:  core.HashString(rep.Result.StateHash),
			DurationMs: rep.Result.Duration.Milliseconds(),
		}
		if rep.Result.RestoredFrom != nil {
			resp.RestoredFrom = rep.Result.RestoredFrom.String()
		}
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		// The writer still finishes the rewind; only the answer is lost.
		writeError(w, http.StatusGatewayTimeout, r.Context().Err())
	}
}

// InjectResponse is the body of a successful event injection.
type InjectResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	EventType      string `json:"event_type"`
	MarketID       string `json:"market_id"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	evt, err := s.deps.Injector.Inject(r.Context(), params["event_type"], body)
	if err != nil {
		if errors.Is(err, ingestion.ErrUnknownSubject) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if errors.Is(err, ingestion.ErrPublish) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Info().
		Str("event_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("event injected")
	writeJSON(w, http.StatusAccepted, InjectResponse{
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType().String(),
		MarketID:       evt.MarketID(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
