// Package metrics exposes the gateway's own Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
)

const namespace = "inference_gateway"

// Surfaces a request can arrive on.
const (
	SurfaceHTTP    = "http"
	SurfaceExtProc = "ext_proc"
)

// Metrics holds the request level collectors. Backend state is exported by a collector
// reading registry snapshots at scrape time, so it never drifts from the registry.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	routing  *prometheus.CounterVec
	health   *prometheus.CounterVec
}

// New registers the gateway collectors with reg.
func New(reg prometheus.Registerer, r *backend.Registry) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total chat requests by surface, model, backend and status code",
			},
			[]string{"surface", "model", "backend", "code"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Chat request latency by surface, model and backend, including streaming",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"surface", "model", "backend"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens reported by backends by model and kind (prompt, completion)",
			},
			[]string{"model", "kind"},
		),
		routing: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_failures_total",
				Help:      "Requests that could not be routed, by reason",
			},
			[]string{"reason"},
		),
		health: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_health_transitions_total",
				Help:      "Backend health state changes by backend and new state",
			},
			[]string{"backend", "state"},
		),
	}
	if r != nil {
		reg.MustRegister(&backendCollector{registry: r})
	}
	return m
}

// ObserveRequest records one finished request. A nil receiver is a no-op.
func (m *Metrics) ObserveRequest(surface, model, addr string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(surface, model, addr, strconv.Itoa(code)).Inc()
	if addr != "" {
		m.duration.WithLabelValues(surface, model, addr).Observe(d.Seconds())
	}
}

// ObserveTokens records token usage reported by a backend.
func (m *Metrics) ObserveTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(model, "completion").Add(float64(completion))
}

// ObserveRoutingFailure records a request rejected before reaching a backend.
func (m *Metrics) ObserveRoutingFailure(reason string) {
	if m == nil {
		return
	}
	m.routing.WithLabelValues(reason).Inc()
}

// ObserveHealthTransition records a backend changing health state. It matches the
// registry's health observer signature.
func (m *Metrics) ObserveHealthTransition(addr string, _, to backend.Health) {
	if m == nil {
		return
	}
	m.health.WithLabelValues(addr, to.String()).Inc()
}

var (
	inFlightDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backend", "in_flight_requests"),
		"Requests currently being served by a backend",
		[]string{"backend"}, nil,
	)
	healthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backend", "health"),
		"Backend health state (1 for the current state)",
		[]string{"backend", "state"}, nil,
	)
	failuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backend", "consecutive_failures"),
		"Consecutive failed probes or requests for a backend",
		[]string{"backend"}, nil,
	)
	queueDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "backend", "queue_size"),
		"Model server queue size reported by the metrics probe",
		[]string{"backend", "queue"}, nil,
	)
)

type backendCollector struct {
	registry *backend.Registry
}

func (c *backendCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- inFlightDesc
	ch <- healthDesc
	ch <- failuresDesc
	ch <- queueDesc
}

func (c *backendCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.registry.List() {
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(b.InFlight), b.Address)
		ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.GaugeValue, float64(b.ConsecutiveFailures), b.Address)
		for _, h := range []backend.Health{backend.Unknown, backend.Healthy, backend.Unhealthy} {
			v := 0.0
			if b.Health == h {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(healthDesc, prometheus.GaugeValue, v, b.Address, h.String())
		}
		ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(b.RunningQueueSize), b.Address, "running")
		ch <- prometheus.MustNewConstMetric(queueDesc, prometheus.GaugeValue, float64(b.WaitingQueueSize), b.Address, "waiting")
	}
}
