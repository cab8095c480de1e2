package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ahsinil/meal-pass/internal/obs"
)

// HealthMonitor publishes the readiness probe through the standard
// grpc.health.v1 service, both for the server as a whole ("") and for
// serviceName.
type HealthMonitor struct {
	readiness readinessChecker
	server    *health.Server
}

// NewHealthMonitor starts in NOT_SERVING until the first Refresh.
func NewHealthMonitor(r readinessChecker) *HealthMonitor {
	m := &HealthMonitor{readiness: r, server: health.NewServer()}
	m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register attaches the health service to s.
func (m *HealthMonitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.server)
}

// Refresh runs the probe once and returns its error.
func (m *HealthMonitor) Refresh(ctx context.Context) error {
	if err := m.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		m.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	m.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes on every tick until ctx ends, then marks the service as
// shutting down so clients drain.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		if err := m.Refresh(probeCtx); err != nil && ctx.Err() == nil {
			obs.Error("readiness_failed", map[string]any{"error": err.Error()})
		}
		cancel()
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (m *HealthMonitor) set(status healthpb.HealthCheckResponse_ServingStatus) {
	m.server.SetServingStatus("", status)
	m.server.SetServingStatus(serviceName, status)
}
