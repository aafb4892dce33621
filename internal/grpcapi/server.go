package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/obs"
)

const serviceName = "studyhub.auth"

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer returns a gRPC server with the guard installed and the standard
// health service registered. Health checks are always public.
func NewServer(svc *auth.Service, rules map[string]Rule, opts ...GuardOption) (*grpc.Server, *health.Server) {
	opts = append(opts, WithPublicMethods(
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName,
	))
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryGuard(svc, rules, opts...)),
		grpc.ChainStreamInterceptor(StreamGuard(svc, rules, opts...)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchReadiness pings store every interval and publishes the result as the
// serving status of the overall server and of serviceName. It returns when ctx
// is done.
func WatchReadiness(ctx context.Context, hs *health.Server, store Pinger, interval time.Duration) {
	set := func(st healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", st)
		hs.SetServingStatus(serviceName, st)
	}
	check := func() {
		if store == nil {
			set(healthpb.HealthCheckResponse_SERVING)
			return
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			obs.Logger().Warn("grpc readiness check failed", "error", err)
			set(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		set(healthpb.HealthCheckResponse_SERVING)
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
