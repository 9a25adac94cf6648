package server

import (
	"ConfidentialPerp/internal/ingestion"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/query"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	httpHandler   http.Handler
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds everything the services need.
type ServerDeps struct {
	Dispatcher    ingestion.Dispatcher
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with LedgerService and the health
// service registered, and the HTTP handler that fronts the same service.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			requestIDInjector(),
			requestLogger(deps.Logger),
			errorTranslator(),
		),
	)

	svc := NewLedgerService(deps.Dispatcher, deps.QueryService)
	grpcServer.RegisterService(&LedgerServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	gateway, err := NewGatewayMux(svc)
	if err != nil {
		return nil, err
	}

	s := &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
	s.httpHandler = s.withHealth(gateway)
	return s, nil
}

func (s *GRPCServer) withHealth(gateway http.Handler) http.Handler {
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", gateway)
	return httpMux
}

// Handler is the HTTP surface: read routes plus /healthz and /readyz.
func (s *GRPCServer) Handler() http.Handler {
	return s.httpHandler
}

// Serve serves gRPC on an existing listener (blocking).
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// StartGRPC starts the gRPC server (blocking) and stops it gracefully
// when ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
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
	return s.Serve(lis)
}

// StartHTTPGateway serves the HTTP surface (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop halts the gRPC server immediately.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
}
