// Package metrics exposes Prometheus instrumentation for the submission
// pipeline and a standalone metrics HTTP server consumed by the API server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmissionsCreated counts submissions accepted by intake.
	SubmissionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "communique_submissions_created_total",
		Help: "Submissions accepted and persisted in pending state",
	})

	// SubmissionsReplayed counts idempotency-key replays returned verbatim.
	SubmissionsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "communique_submissions_replayed_total",
		Help: "Intake requests answered from an existing idempotency key",
	})

	// NullifierConflicts counts rejected duplicate nullifiers.
	NullifierConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "communique_nullifier_conflicts_total",
		Help: "Submissions rejected because the nullifier was already spent",
	})

	// DeliveryOutcomes counts terminal delivery states by status.
	DeliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "communique_delivery_outcomes_total",
		Help: "Terminal delivery outcomes by status",
	}, []string{"status"})

	// UpstreamDegradations counts engagement/cell proxy fallbacks to defaults.
	UpstreamDegradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "communique_upstream_degradations_total",
		Help: "Auxiliary proof lookups that degraded to defaults",
	}, []string{"upstream"})

	// RecipientDeliveryDuration observes per-recipient delivery call latency.
	RecipientDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "communique_recipient_delivery_seconds",
		Help:    "Latency of individual legislative delivery calls",
		Buckets: prometheus.DefBuckets,
	})
)

// MetricsServer serves the Prometheus scrape endpoint on its own listener so
// operational traffic stays off the public API port.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given package name and listen address.
// An empty address returns a server whose ListenAndServe is a no-op.
func New(packageName, listenAddr string) (*MetricsServer, error) {
	if listenAddr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe starts the metrics listener.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
