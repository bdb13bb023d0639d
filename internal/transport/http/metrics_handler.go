package http

import (
	"net/http"
)

// MetricsHandler exposes the Prometheus scrape endpoint backed by the
// OpenTelemetry meter provider's exporter.
type MetricsHandler struct {
	prometheus http.Handler
}

// NewMetricsHandler wraps the Prometheus exporter handler
func NewMetricsHandler(prometheusHandler http.Handler) *MetricsHandler {
	return &MetricsHandler{prometheus: prometheusHandler}
}

// Metrics handles GET /metrics
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.prometheus.ServeHTTP(w, r)
}
