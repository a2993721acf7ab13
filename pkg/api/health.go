package api

import (
	"net"

	"github.com/cuemby/vim/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside ""
const ServiceName = "vim.Orchestration"

// GRPCHealth serves grpc.health.v1. The serving status follows the
// readiness of the critical components.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealth creates the health server, NOT_SERVING until the
// components report ready
func NewGRPCHealth() *GRPCHealth {
	g := &GRPCHealth{
		server: grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor())),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(g.server, g.health)
	g.SetReady(metrics.IsReady())
	metrics.OnReadinessChange(g.SetReady)
	return g
}

// SetReady switches the serving status
func (g *GRPCHealth) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving lis until Stop
func (g *GRPCHealth) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
