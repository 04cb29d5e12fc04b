/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NOTE: json tags are required.  Any new fields you add must have json tags for the fields to be serialized.

const (
	// GroupVersion is the apiVersion expected at the top of a gateway config file.
	GroupVersion = "gateway.citadel.ai/v1alpha1"
	// Kind is the kind expected at the top of a gateway config file.
	Kind = "GatewayConfig"
)

// GatewayConfigSpec describes which backends serve which models and how the gateway
// keeps track of their health.
type GatewayConfigSpec struct {
	// Models maps a model identifier, as sent by clients in the "model" field, to an
	// ordered list of backend addresses (host:port). The order is the final tie-break
	// when two backends are equally healthy and equally loaded.
	Models map[string][]string `json:"models,omitempty"`

	// Backends optionally declares per-backend attributes. Any address referenced in
	// Models that isn't listed here uses the defaults.
	Backends []BackendSpec `json:"backends,omitempty"`

	// Fallback is an optional list of backend addresses used for models that have no
	// entry in Models. When empty, unmapped models are rejected.
	Fallback []string `json:"fallback,omitempty"`

	// StrictHealth rejects requests whose candidates are all Unhealthy instead of
	// falling back to the least loaded Unhealthy backend.
	StrictHealth bool `json:"strictHealth,omitempty"`

	Probe ProbeSpec `json:"probe,omitempty"`
	Proxy ProxySpec `json:"proxy,omitempty"`
}

// Protocol is the wire protocol a backend speaks for chat requests.
type Protocol string

const (
	// ProtocolOpenAI is the OpenAI compatible /v1/chat/completions API.
	ProtocolOpenAI Protocol = "openai"
	// ProtocolOllama is the Ollama native /api/chat API.
	ProtocolOllama Protocol = "ollama"
)

// BackendSpec declares attributes of a single backend.
type BackendSpec struct {
	// Address is host:port of the backend.
	Address string `json:"address"`
	// Protocol defaults to "openai".
	Protocol Protocol `json:"protocol,omitempty"`
}

// ProbeMode selects how backends are probed.
type ProbeMode string

const (
	// ProbeModeLiveness issues a GET against a shallow status endpoint.
	ProbeModeLiveness ProbeMode = "liveness"
	// ProbeModeMetrics scrapes the backend's Prometheus endpoint (vLLM).
	ProbeModeMetrics ProbeMode = "metrics"
)

// ProbeSpec configures the background health prober.
type ProbeSpec struct {
	Interval metav1.Duration `json:"interval,omitempty"`
	Timeout  metav1.Duration `json:"timeout,omitempty"`
	// FailureThreshold is the number of consecutive failures after which a backend
	// is marked Unhealthy.
	FailureThreshold int       `json:"failureThreshold,omitempty"`
	Mode             ProbeMode `json:"mode,omitempty"`
	// Path overrides the protocol specific liveness path.
	Path string `json:"path,omitempty"`
}

// ProxySpec configures outbound calls to backends.
type ProxySpec struct {
	// RequestTimeout bounds a whole proxied call, including streaming.
	RequestTimeout metav1.Duration `json:"requestTimeout,omitempty"`
	// StreamIdleTimeout bounds the gap between two chunks from a backend.
	StreamIdleTimeout metav1.Duration `json:"streamIdleTimeout,omitempty"`
}

// GatewayConfig is the Schema for the gateway configuration file.
type GatewayConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec GatewayConfigSpec `json:"spec,omitempty"`
}
