package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/solatis/floodgate/internal/health"
)

// GRPCServer exposes the standard gRPC health protocol, which is what
// service meshes and load balancers probe natively.
type GRPCServer struct {
	server *grpc.Server
	hsrv   *grpchealth.Server
	addr   string
	log    zerolog.Logger
}

// NewGRPCServer builds the health-only gRPC server.
func NewGRPCServer(addr string, log zerolog.Logger) *GRPCServer {
	server := grpc.NewServer()
	hsrv := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(server, hsrv)
	hsrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{
		server: server,
		hsrv:   hsrv,
		addr:   addr,
		log:    log.With().Str("component", "grpc").Logger(),
	}
}

// Start binds the listener and serves until Shutdown. Blocks.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.log.Info().Str("addr", s.addr).Msg("grpc health server listening")
	return s.server.Serve(listener)
}

// PublishHealth mirrors the checker's verdict into the gRPC health status
// every interval until ctx is cancelled.
func (s *GRPCServer) PublishHealth(ctx context.Context, checker *health.Checker, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if !checker.Healthy() {
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			}
			s.hsrv.SetServingStatus("", status)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops gracefully, forcing after ctx expires.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("grpc shutdown cancelled by context: %w", ctx.Err())
	}
}
