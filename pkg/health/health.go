// Package health publishes key pool health through the standard gRPC health
// checking protocol.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/abdhe/llm-key-manager/pkg/keymanager"
)

// Service names reported by the Reporter. The empty name is the overall
// server status.
const (
	ServiceOverall = ""
	ServiceFree    = "keymanager.free"
	ServicePaid    = "keymanager.paid"
)

// SnapshotSource is anything that can produce a manager snapshot.
type SnapshotSource interface {
	Snapshot() keymanager.Snapshot
}

// Reporter keeps a grpc health server in line with pool exhaustion.
//
// The free pool decides the overall status: a manager whose free keys are all
// over the threshold still hands out keys, but callers should stop routing to
// it. A missing paid tier reports SERVICE_UNKNOWN for ServicePaid.
type Reporter struct {
	server *health.Server
	src    SnapshotSource
	logger *zap.Logger

	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewReporter creates a reporter updating server from src.
func NewReporter(server *health.Server, src SnapshotSource, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		server: server,
		src:    src,
		logger: logger.Named("health"),
		last:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Update sets the serving status of every service from a fresh snapshot.
// It is not safe for concurrent use; Run calls it from a single goroutine.
func (r *Reporter) Update() {
	snap := r.src.Snapshot()

	free := servingStatus(!snap.FreeExhausted)
	r.set(ServiceOverall, free)
	r.set(ServiceFree, free)

	if len(snap.Paid.Usable)+len(snap.Paid.Exhausted) == 0 {
		r.set(ServicePaid, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		return
	}
	r.set(ServicePaid, servingStatus(!snap.PaidExhausted))
}

// Run calls Update every interval until ctx is done, then marks every
// service NOT_SERVING so in-flight health watchers see the shutdown.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		r.Update()
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-t.C:
		}
	}
}

func (r *Reporter) set(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := r.last[service]; ok && prev == status {
		return
	}
	r.last[service] = status
	r.server.SetServingStatus(service, status)

	name := service
	if name == "" {
		name = "overall"
	}
	r.logger.Info("serving status changed", zap.String("service", name), zap.Stringer("status", status))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
