package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
)

func TestBackendCollector(t *testing.T) {
	r := backend.NewRegistry(backend.WithBackends(
		&backend.Backend{Address: "a:1", Health: backend.Healthy, InFlight: 2},
		&backend.Backend{Address: "b:1", Health: backend.Unhealthy, ConsecutiveFailures: 3},
	))
	reg := prometheus.NewPedanticRegistry()
	New(reg, r)

	want := `
# HELP inference_gateway_backend_in_flight_requests Requests currently being served by a backend
# TYPE inference_gateway_backend_in_flight_requests gauge
inference_gateway_backend_in_flight_requests{backend="a:1"} 2
inference_gateway_backend_in_flight_requests{backend="b:1"} 0
# HELP inference_gateway_backend_consecutive_failures Consecutive failed probes or requests for a backend
# TYPE inference_gateway_backend_consecutive_failures gauge
inference_gateway_backend_consecutive_failures{backend="a:1"} 0
inference_gateway_backend_consecutive_failures{backend="b:1"} 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"inference_gateway_backend_in_flight_requests",
		"inference_gateway_backend_consecutive_failures",
	); err != nil {
		t.Error(err)
	}
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil)
	m.ObserveRequest(SurfaceHTTP, "m1", "a:1", 200, time.Second)
	m.ObserveRequest(SurfaceHTTP, "m1", "a:1", 200, time.Second)
	m.ObserveRequest(SurfaceHTTP, "m2", "", 404, 0)

	if got := testutil.ToFloat64(m.requests.WithLabelValues(SurfaceHTTP, "m1", "a:1", "200")); got != 2 {
		t.Errorf("requests_total for m1: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues(SurfaceHTTP, "m2", "", "404")); got != 1 {
		t.Errorf("requests_total for m2: got %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveRequest(SurfaceHTTP, "m1", "a:1", 200, time.Second)
}

func TestObserveHealthTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	var m *Metrics
	r := backend.NewRegistry(
		backend.WithFailureThreshold(1),
		backend.WithHealthObserver(func(addr string, from, to backend.Health) {
			m.ObserveHealthTransition(addr, from, to)
		}),
	)
	m = New(reg, r)
	r.Register("a:1")

	for _, success := range []bool{false, false, true} {
		if err := r.RecordOutcome("a:1", success); err != nil {
			t.Fatal(err)
		}
	}

	// The second failure leaves the backend Unhealthy, which is not a transition.
	if got := testutil.ToFloat64(m.health.WithLabelValues("a:1", "Unhealthy")); got != 1 {
		t.Errorf("transitions to Unhealthy: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.health.WithLabelValues("a:1", "Healthy")); got != 1 {
		t.Errorf("transitions to Healthy: got %v, want 1", got)
	}
}
