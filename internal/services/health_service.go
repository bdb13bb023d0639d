package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/photobatch/licenserver/internal/license"
)

// HealthStatus reports readiness of the server and its store
type HealthStatus struct {
	Status    string            `json:"status"` // ok|degraded
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthService checks the backing store's reachability
type HealthService struct {
	store  license.Store
	logger *slog.Logger
}

// NewHealthService creates a health service over the store
func NewHealthService(store license.Store, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		store:  store,
		logger: logger.With(slog.String("service", "health")),
	}
}

// Check pings the store with a short deadline
func (s *HealthService) Check(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := &HealthStatus{
		Status:    "ok",
		Checks:    map[string]string{"store": "ok"},
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Checks["store"] = err.Error()
		s.logger.WarnContext(ctx, "store health check failed",
			slog.String("operation", "health_check"),
			slog.String("error", err.Error()),
		)
	}
	return status
}
