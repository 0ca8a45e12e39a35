package handler // package handler contains the HTTP and gRPC adapters of the service

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health is the liveness endpoint used by load balancers.  It returns a
// plain "ok" with status 200.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// NewGRPCServer returns a gRPC server exposing the standard health service
// for orchestrators that probe over gRPC.  The caller flips the returned
// health server to SERVING once startup completes and back to NOT_SERVING
// on shutdown.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
