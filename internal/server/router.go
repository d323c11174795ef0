package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs a ServeMux with the consumer's ops routes registered.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Pipeline introspection
	mux.HandleFunc("/stats", h.Stats)
	mux.HandleFunc("/admin/rules/refresh", h.RefreshRules)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}
