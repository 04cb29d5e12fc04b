// Package vllm provides a vLLM specific probe client that scrapes the model server's
// Prometheus endpoint.
package vllm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/multierr"
	klog "k8s.io/klog/v2"
)

const (
	RunningQueueSizeMetricName = "vllm:num_requests_running"
	WaitingQueueSizeMetricName = "vllm:num_requests_waiting"

	DefaultMetricsPath = "/metrics"
)

func NewMetricsProbeClient(path string) *MetricsProbeClient {
	if path == "" {
		path = DefaultMetricsPath
	}
	return &MetricsProbeClient{
		client: &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 2}},
		path:   path,
	}
}

// MetricsProbeClient treats a successful metrics scrape as liveness and reports the
// server's queue sizes alongside.
type MetricsProbeClient struct {
	client *http.Client
	path   string
}

// Probe fetches and parses metrics from the backend at address.
func (c *MetricsProbeClient) Probe(ctx context.Context, address string) (backend.ProbeResult, error) {
	url := fmt.Sprintf("http://%s%s", address, c.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backend.ProbeResult{}, fmt.Errorf("failed to create request: %v", err)
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return backend.ProbeResult{}, fmt.Errorf("failed to fetch metrics from %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backend.ProbeResult{Latency: time.Since(start)}, fmt.Errorf("unexpected status code from %s: %v", address, resp.StatusCode)
	}

	parser := expfmt.TextParser{}
	metricFamilies, err := parser.TextToMetricFamilies(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return backend.ProbeResult{Latency: latency}, fmt.Errorf("failed to parse metrics from %s: %w", address, err)
	}
	queues, err := promToQueueSizes(metricFamilies)
	if err != nil {
		// The server answered; missing gauges do not make it unhealthy.
		klog.V(4).Infof("Incomplete metrics from %s: %v", address, err)
	}
	return backend.ProbeResult{Success: true, Latency: latency, QueueSizes: queues}, nil
}

// promToQueueSizes extracts queue sizes from scraped prometheus metrics.
// A combined error is returned if one or more gauges are missing; the sizes that were
// found are still set.
func promToQueueSizes(metricFamilies map[string]*dto.MetricFamily) (*backend.QueueSizes, error) {
	var errs error
	queues := &backend.QueueSizes{}
	running, _, err := getLatestMetric(metricFamilies, RunningQueueSizeMetricName)
	errs = multierr.Append(errs, err)
	if err == nil {
		queues.Running = int(running.GetGauge().GetValue())
	}
	waiting, _, err := getLatestMetric(metricFamilies, WaitingQueueSizeMetricName)
	errs = multierr.Append(errs, err)
	if err == nil {
		queues.Waiting = int(waiting.GetGauge().GetValue())
	}
	return queues, errs
}

// getLatestMetric gets the latest metric of a family. This should be used to get the latest Gauge metric.
// Since vllm doesn't set the timestamp in metric, this metric essentially gets the first metric.
func getLatestMetric(metricFamilies map[string]*dto.MetricFamily, metricName string) (*dto.Metric, time.Time, error) {
	mf, ok := metricFamilies[metricName]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("metric family %q not found", metricName)
	}
	if len(mf.GetMetric()) == 0 {
		return nil, time.Time{}, fmt.Errorf("no metrics available for %q", metricName)
	}
	var latestTs int64
	var latest *dto.Metric
	for _, m := range mf.GetMetric() {
		if m.GetTimestampMs() >= latestTs {
			latestTs = m.GetTimestampMs()
			latest = m
		}
	}
	klog.V(4).Infof("Got metric value %+v for metric %v", latest, metricName)
	return latest, time.UnixMilli(latestTs), nil
}
