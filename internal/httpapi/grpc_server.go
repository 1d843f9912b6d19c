package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"vecino.app/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service, with serving status
// tracking the readiness probe.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh probes readiness once and publishes the result for both the
// overall server and the named service.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().Warn("readiness check failed", "error", err, "version", s.version)
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return st == healthpb.HealthCheckResponse_SERVING
}

// Watch refreshes readiness every interval until ctx ends, then marks the
// server as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
