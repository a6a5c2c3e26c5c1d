package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServingStatus maps a report status onto the gRPC health protocol. A
// degraded service still serves.
func ServingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == StatusDown {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Watch runs the checks every interval and publishes the result on srv for
// each service name ("" is the overall server status). It returns when ctx
// is done, after marking the services NOT_SERVING.
func (a *Aggregator) Watch(ctx context.Context, srv *grpchealth.Server, interval time.Duration, services ...string) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	services = append([]string{""}, services...)

	last := Status("")
	update := func() {
		report := a.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if report.Status != last {
			log.Info().Str("from", string(last)).Str("to", string(report.Status)).Msg("health status changed")
			last = report.Status
		}
		for _, svc := range services {
			srv.SetServingStatus(svc, ServingStatus(report.Status))
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, svc := range services {
				srv.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
			}
			return
		case <-ticker.C:
			update()
		}
	}
}
