// Package grpcapi exposes the gRPC health service for the meeting transcript
// service. Readiness follows the HTTP API: SERVING while sessions are accepted.
package grpcapi

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"meeting-transcript-service/internal/observability"
	"meeting-transcript-service/internal/observability/metrics"
)

// ServiceName is the health-checked service name.
const ServiceName = "meeting.transcript.RecordingService"

// Server wraps a grpc.Server with health and reflection registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds the gRPC server with the logging and metrics interceptors.
func NewServer(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	return &Server{grpc: g, health: hs}
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
	return s.grpc.Serve(lis)
}

// SetServing flips the reported health of the recording service.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !serving {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks the server NOT_SERVING and stops gracefully, forcing a stop
// if ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	log.Info().Msg("Shutting down gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("gRPC graceful stop timed out, forcing stop")
		s.grpc.Stop()
		<-done
	}
}
