// Package config loads the gateway configuration from a YAML file and the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	klog "k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/proxy"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8000

	modelIDPrefix  = "MODEL_ID_"
	modelMapPrefix = "MODEL_MAP_"
	defaultMapKey  = "MODEL_MAP_DEFAULT"
)

// New returns an empty config with its type metadata filled in.
func New() *v1alpha1.GatewayConfig {
	return &v1alpha1.GatewayConfig{
		TypeMeta: metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion, Kind: v1alpha1.Kind},
	}
}

// Load reads the config file at path. An empty path yields an empty config, to be filled
// from the environment.
func Load(path string) (*v1alpha1.GatewayConfig, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML config. Unknown fields are rejected.
func Parse(data []byte) (*v1alpha1.GatewayConfig, error) {
	cfg := &v1alpha1.GatewayConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.APIVersion != v1alpha1.GroupVersion || cfg.Kind != v1alpha1.Kind {
		return nil, fmt.Errorf("unexpected config type %q %q, want %q %q", cfg.APIVersion, cfg.Kind, v1alpha1.GroupVersion, v1alpha1.Kind)
	}
	return cfg, nil
}

// ApplyEnv merges the environment variables of the shell based deployment into cfg:
// MODEL_ID_<K>=<model> with MODEL_MAP_<K>=<host:port>[,<host:port>...] maps a model,
// MODEL_MAP_DEFAULT sets the fallback and OLLAMA_NODE_<n>_HOST/PORT declare backends.
// Environment entries take precedence over the file.
func ApplyEnv(cfg *v1alpha1.GatewayConfig, environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	for k, v := range env {
		if !strings.HasPrefix(k, modelMapPrefix) || k == defaultMapKey {
			continue
		}
		model := env[modelIDPrefix+strings.TrimPrefix(k, modelMapPrefix)]
		if model == "" {
			klog.Warningf("Ignoring %s: %s%s is not set", k, modelIDPrefix, strings.TrimPrefix(k, modelMapPrefix))
			continue
		}
		if cfg.Spec.Models == nil {
			cfg.Spec.Models = map[string][]string{}
		}
		cfg.Spec.Models[model] = splitList(v)
	}
	if v := env[defaultMapKey]; v != "" {
		cfg.Spec.Fallback = splitList(v)
	}

	declared := sets.New[string]()
	for _, b := range cfg.Spec.Backends {
		declared.Insert(b.Address)
	}
	for i := 1; ; i++ {
		host, port := env[fmt.Sprintf("OLLAMA_NODE_%d_HOST", i)], env[fmt.Sprintf("OLLAMA_NODE_%d_PORT", i)]
		if host == "" || port == "" {
			break
		}
		addr := net.JoinHostPort(host, port)
		if declared.Has(addr) {
			continue
		}
		declared.Insert(addr)
		cfg.Spec.Backends = append(cfg.Spec.Backends, v1alpha1.BackendSpec{Address: addr})
	}
}

// ListenAddress returns the HTTP listen address from GATEWAY_HOST and GATEWAY_PORT. A
// positive port overrides GATEWAY_PORT.
func ListenAddress(environ []string, port int) string {
	host, envPort := DefaultHost, ""
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "GATEWAY_HOST":
			if v != "" {
				host = v
			}
		case "GATEWAY_PORT":
			envPort = v
		}
	}
	switch {
	case port > 0:
		envPort = strconv.Itoa(port)
	case envPort == "":
		envPort = strconv.Itoa(DefaultPort)
	}
	return net.JoinHostPort(host, envPort)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SetDefaults fills in every unset field.
func SetDefaults(cfg *v1alpha1.GatewayConfig) {
	spec := &cfg.Spec
	for i := range spec.Backends {
		if spec.Backends[i].Protocol == "" {
			spec.Backends[i].Protocol = v1alpha1.ProtocolOpenAI
		}
	}
	setDuration(&spec.Probe.Interval, backend.DefaultProbeInterval)
	setDuration(&spec.Probe.Timeout, backend.DefaultProbeTimeout)
	if spec.Probe.FailureThreshold == 0 {
		spec.Probe.FailureThreshold = backend.DefaultFailureThreshold
	}
	if spec.Probe.Mode == "" {
		spec.Probe.Mode = v1alpha1.ProbeModeLiveness
	}
	setDuration(&spec.Proxy.RequestTimeout, proxy.DefaultRequestTimeout)
	setDuration(&spec.Proxy.StreamIdleTimeout, proxy.DefaultStreamIdleTimeout)
}

func setDuration(d *metav1.Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

// Validate reports every problem with a defaulted config at once.
func Validate(cfg *v1alpha1.GatewayConfig) error {
	spec := cfg.Spec
	var errs error
	if len(spec.Models) == 0 && len(spec.Fallback) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no models configured"))
	}
	for model, addrs := range spec.Models {
		for _, addr := range addrs {
			if err := validateAddress(addr); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("model %q: %w", model, err))
			}
		}
	}
	for _, addr := range spec.Fallback {
		if err := validateAddress(addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	seen := sets.New[string]()
	for _, b := range spec.Backends {
		if err := validateAddress(b.Address); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("backends: %w", err))
		}
		if seen.Has(b.Address) {
			errs = multierr.Append(errs, fmt.Errorf("backends: %q declared twice", b.Address))
		}
		seen.Insert(b.Address)
		if b.Protocol != v1alpha1.ProtocolOpenAI && b.Protocol != v1alpha1.ProtocolOllama {
			errs = multierr.Append(errs, fmt.Errorf("backends: %q has unsupported protocol %q", b.Address, b.Protocol))
		}
	}
	if spec.Probe.Interval.Duration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("probe.interval must be positive"))
	}
	if spec.Probe.Timeout.Duration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("probe.timeout must be positive"))
	}
	if spec.Probe.FailureThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("probe.failureThreshold must be at least 1"))
	}
	if spec.Probe.Mode != v1alpha1.ProbeModeLiveness && spec.Probe.Mode != v1alpha1.ProbeModeMetrics {
		errs = multierr.Append(errs, fmt.Errorf("unsupported probe.mode %q", spec.Probe.Mode))
	}
	if spec.Proxy.RequestTimeout.Duration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("proxy.requestTimeout must be positive"))
	}
	if spec.Proxy.StreamIdleTimeout.Duration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("proxy.streamIdleTimeout must be positive"))
	}
	return errs
}

func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid backend address %q: %v", addr, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("invalid backend address %q: want host:port", addr)
	}
	return nil
}

// Protocols returns the declared protocol of every backend listed under backends.
func Protocols(cfg *v1alpha1.GatewayConfig) map[string]v1alpha1.Protocol {
	protocols := make(map[string]v1alpha1.Protocol, len(cfg.Spec.Backends))
	for _, b := range cfg.Spec.Backends {
		protocols[b.Address] = b.Protocol
	}
	return protocols
}

// Addresses returns every backend address the config references, sorted.
func Addresses(cfg *v1alpha1.GatewayConfig) []string {
	addrs := sets.New[string](cfg.Spec.Fallback...)
	for _, candidates := range cfg.Spec.Models {
		addrs.Insert(candidates...)
	}
	for _, b := range cfg.Spec.Backends {
		addrs.Insert(b.Address)
	}
	return sets.List(addrs)
}

// BuildMapping returns the routing table described by cfg.
func BuildMapping(cfg *v1alpha1.GatewayConfig) (*scheduling.ModelMapping, error) {
	return scheduling.NewModelMapping(cfg.Spec.Models, Protocols(cfg), cfg.Spec.Fallback)
}

// Read loads, merges, defaults and validates the config in one go.
func Read(path string, environ []string) (*v1alpha1.GatewayConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, environ)
	SetDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
