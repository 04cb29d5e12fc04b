package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	klog "k8s.io/klog/v2"
)

const (
	OllamaLivenessPath = "/api/version"
	OpenAILivenessPath = "/v1/models"
)

// LivenessPath returns the path probed for a backend speaking protocol. A non-empty
// override wins regardless of protocol.
func LivenessPath(protocol v1alpha1.Protocol, override string) string {
	if override != "" {
		return override
	}
	if protocol == v1alpha1.ProtocolOllama {
		return OllamaLivenessPath
	}
	return OpenAILivenessPath
}

// NewHTTPProbeClient returns a liveness probe client. pathFor resolves the path to GET
// for an address.
func NewHTTPProbeClient(pathFor func(address string) string) *HTTPProbeClient {
	return &HTTPProbeClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		pathFor: pathFor,
	}
}

// HTTPProbeClient probes a backend with a GET on a shallow status endpoint. Any 2xx
// response counts as healthy.
type HTTPProbeClient struct {
	client  *http.Client
	pathFor func(address string) string
}

func (c *HTTPProbeClient) Probe(ctx context.Context, address string) (ProbeResult, error) {
	url := fmt.Sprintf("http://%s%s", address, c.pathFor(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("failed to create request: %v", err)
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("failed to probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection is reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		klog.V(4).Infof("Unexpected status code from %s: %v", url, resp.StatusCode)
		return ProbeResult{Success: false, Latency: latency}, fmt.Errorf("unexpected status code from %s: %v", url, resp.StatusCode)
	}
	return ProbeResult{Success: true, Latency: latency}, nil
}
