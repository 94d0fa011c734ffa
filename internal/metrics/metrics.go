// Package metrics exposes Prometheus instrumentation for the gateway
// process: adapter connectivity, routing-table size, in-flight prompts, and
// reverse-request latency, plus /metrics and /healthz HTTP handlers.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus.Registry so the gateway's metrics
// never collide with whatever default-registry instrumentation a library
// dependency might register.
type Registry struct {
	reg *prometheus.Registry

	AdaptersConnected   *prometheus.GaugeVec
	RoutedSessions      prometheus.Gauge
	RoutedProjects      prometheus.Gauge
	PendingPermissions  prometheus.Gauge
	InFlightPrompts     *prometheus.GaugeVec
	ReverseRequestTotal *prometheus.CounterVec
	ReverseRequestLatency *prometheus.HistogramVec
	ConnectedClients    prometheus.Gauge
}

// New creates and registers the gateway's metric collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		AdaptersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "adapter_status",
			Help:      "Adapter status by engine type (1 = running, 0 = not running).",
		}, []string{"engine_type"}),
		RoutedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "routed_sessions",
			Help:      "Number of sessions currently in the engine manager's routing table.",
		}),
		RoutedProjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "routed_projects",
			Help:      "Number of project bindings currently known to the engine manager.",
		}),
		PendingPermissions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "pending_permissions",
			Help:      "Number of permission prompts awaiting a client reply.",
		}),
		InFlightPrompts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "in_flight_prompts",
			Help:      "Number of sendMessage calls currently blocked waiting on a backend, by engine type.",
		}, []string{"engine_type"}),
		ReverseRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "reverse_requests_total",
			Help:      "Reverse requests handled from a backend (permission prompts, fs operations), by engine type and method.",
		}, []string{"engine_type", "method"}),
		ReverseRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "reverse_request_latency_seconds",
			Help:      "Time from a reverse request arriving to its response being written, by engine type and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine_type", "method"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "connected_clients",
			Help:      "Number of open, authenticated WebSocket connections.",
		}),
	}

	reg.MustRegister(
		r.AdaptersConnected,
		r.RoutedSessions,
		r.RoutedProjects,
		r.PendingPermissions,
		r.InFlightPrompts,
		r.ReverseRequestTotal,
		r.ReverseRequestLatency,
		r.ConnectedClients,
	)
	return r
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveReverseRequest records one completed reverse request.
func (r *Registry) ObserveReverseRequest(engineType, method string, start time.Time) {
	r.ReverseRequestTotal.WithLabelValues(engineType, method).Inc()
	r.ReverseRequestLatency.WithLabelValues(engineType, method).Observe(time.Since(start).Seconds())
}

// HealthStatus is the JSON body returned by the /healthz endpoint.
type HealthStatus struct {
	Status   string            `json:"status"`
	Adapters map[string]string `json:"adapters"`
}

// HealthHandler returns an http.Handler reporting overall health and each
// adapter's status string, as supplied by statusFn at request time.
func HealthHandler(statusFn func() map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adapters := statusFn()
		status := "ok"
		for _, s := range adapters {
			if s == "error" {
				status = "degraded"
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(HealthStatus{Status: status, Adapters: adapters})
	})
}
