package vllm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/proto"
)

func TestPromToQueueSizes(t *testing.T) {
	testCases := []struct {
		name           string
		metricFamilies map[string]*dto.MetricFamily
		expectedQueues *backend.QueueSizes
		expectedErr    bool
	}{
		{
			name: "all metrics available",
			metricFamilies: map[string]*dto.MetricFamily{
				RunningQueueSizeMetricName: {
					Metric: []*dto.Metric{
						{
							Gauge: &dto.Gauge{
								Value: proto.Float64(10),
							},
							TimestampMs: proto.Int64(100),
						},
						{
							Gauge: &dto.Gauge{
								Value: proto.Float64(15),
							},
							TimestampMs: proto.Int64(200), // This is the latest
						},
					},
				},
				WaitingQueueSizeMetricName: {
					Metric: []*dto.Metric{
						{
							Gauge: &dto.Gauge{
								Value: proto.Float64(20),
							},
							TimestampMs: proto.Int64(100),
						},
						{
							Gauge: &dto.Gauge{
								Value: proto.Float64(25),
							},
							TimestampMs: proto.Int64(200), // This is the latest
						},
					},
				},
			},
			expectedQueues: &backend.QueueSizes{Running: 15, Waiting: 25},
		},
		{
			name: "waiting gauge missing",
			metricFamilies: map[string]*dto.MetricFamily{
				RunningQueueSizeMetricName: {
					Metric: []*dto.Metric{
						{
							Gauge: &dto.Gauge{
								Value: proto.Float64(3),
							},
						},
					},
				},
			},
			expectedQueues: &backend.QueueSizes{Running: 3},
			expectedErr:    true,
		},
		{
			name: "empty family",
			metricFamilies: map[string]*dto.MetricFamily{
				RunningQueueSizeMetricName: {},
				WaitingQueueSizeMetricName: {},
			},
			expectedQueues: &backend.QueueSizes{},
			expectedErr:    true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			queues, err := promToQueueSizes(tc.metricFamilies)
			if tc.expectedErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expectedQueues, queues)
		})
	}
}

func TestMetricsProbeClient(t *testing.T) {
	const exposition = `# HELP vllm:num_requests_running Number of requests currently running on GPU.
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{model_name="llama3"} 4.0
# HELP vllm:num_requests_waiting Number of requests waiting to be processed.
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{model_name="llama3"} 2.0
`
	testCases := []struct {
		name        string
		handler     http.HandlerFunc
		wantSuccess bool
		wantQueues  *backend.QueueSizes
		wantErr     bool
	}{
		{
			name: "healthy server",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, DefaultMetricsPath, r.URL.Path)
				_, _ = w.Write([]byte(exposition))
			},
			wantSuccess: true,
			wantQueues:  &backend.QueueSizes{Running: 4, Waiting: 2},
		},
		{
			name: "server without vllm gauges is still alive",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("# TYPE up gauge\nup 1\n"))
			},
			wantSuccess: true,
			wantQueues:  &backend.QueueSizes{},
		},
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: true,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not prometheus\n"))
			},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewMetricsProbeClient("")
			res, err := c.Probe(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
			if tc.wantErr {
				assert.Error(t, err)
				assert.False(t, res.Success)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.wantSuccess, res.Success)
			assert.Equal(t, tc.wantQueues, res.QueueSizes)
		})
	}
}

func TestMetricsProbeClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	res, err := NewMetricsProbeClient("").Probe(context.Background(), addr)
	assert.Error(t, err)
	assert.False(t, res.Success)
}
