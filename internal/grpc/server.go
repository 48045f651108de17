package grpc

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name the shop reports under in the health service.
const ServiceName = "shop.v1.Shop"

// NewServer returns a gRPC server exposing the standard health service and
// reflection. Calls are traced through otelgrpc.
func NewServer(hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv
}

// HealthWatcher keeps the health status of the shop in line with its store.
type HealthWatcher struct {
	health   *health.Server
	ping     func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
}

func NewHealthWatcher(hs *health.Server, ping func(ctx context.Context) error, interval time.Duration) *HealthWatcher {
	return &HealthWatcher{
		health:   hs,
		ping:     ping,
		interval: interval,
		timeout:  2 * time.Second,
	}
}

// Run checks the store every interval until ctx is done, then reports NOT_SERVING.
func (w *HealthWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			w.health.Shutdown()
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *HealthWatcher) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := w.ping(pingCtx); err != nil {
		slog.WarnContext(ctx, "store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	w.health.SetServingStatus("", status)
	w.health.SetServingStatus(ServiceName, status)
}
