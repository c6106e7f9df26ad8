// Package metrics exposes the prometheus collectors for the key manager and
// a standalone metrics listener served next to the ops API.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KeysDerivedTotal counts successful key derivations, by key space.
	KeysDerivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cc_keys_derived_total",
		Help: "Successful key derivations by key space.",
	}, []string{"keyspace"})

	// KeyRotationsTotal counts successful per-identifier rotations.
	KeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cc_key_rotations_total",
		Help: "Successful key rotations.",
	})

	// KeyRotationFailuresTotal counts rotations that failed before publish,
	// by error class.
	KeyRotationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cc_key_rotation_failures_total",
		Help: "Failed key rotations by error class.",
	}, []string{"reason"})

	// SessionHandshakeSeconds observes the firmware handshake latency.
	SessionHandshakeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cc_session_handshake_seconds",
		Help:    "Latency of the attested session handshake.",
		Buckets: prometheus.DefBuckets,
	})

	// EnginePhase reports the current lifecycle phase as a gauge.
	EnginePhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cc_engine_phase",
		Help: "Current engine lifecycle phase (ordinal).",
	})

	serviceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cc_service_info",
		Help: "Constant gauge identifying the serving binary.",
	}, []string{"service"})
)

// MetricsServer serves the prometheus handler on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address. The service
// name is attached as a constant label on the default registry.
func New(service, listenAddr string) (*MetricsServer, error) {
	serviceInfo.WithLabelValues(service).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &MetricsServer{
		srv: &http.Server{Addr: listenAddr, Handler: mux},
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
