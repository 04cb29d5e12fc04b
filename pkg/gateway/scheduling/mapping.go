package scheduling

import (
	"fmt"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ModelMapping maps model identifiers to ordered candidate backend lists. It is immutable
// once built; a configuration change produces a new mapping.
type ModelMapping struct {
	models    map[string][]string
	protocols map[string]v1alpha1.Protocol
	fallback  []string
}

// NewModelMapping validates and copies its inputs. Every candidate list must be non-empty
// and free of duplicates. protocols may omit addresses, which then speak OpenAI.
func NewModelMapping(models map[string][]string, protocols map[string]v1alpha1.Protocol, fallback []string) (*ModelMapping, error) {
	var errs error
	m := &ModelMapping{
		models:    make(map[string][]string, len(models)),
		protocols: make(map[string]v1alpha1.Protocol, len(protocols)),
	}
	for model, candidates := range models {
		if model == "" {
			errs = multierr.Append(errs, fmt.Errorf("empty model identifier"))
			continue
		}
		if err := validateCandidates(candidates); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("model %q: %w", model, err))
			continue
		}
		m.models[model] = append([]string(nil), candidates...)
	}
	if len(fallback) > 0 {
		if err := validateCandidates(fallback); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fallback: %w", err))
		} else {
			m.fallback = append([]string(nil), fallback...)
		}
	}
	for addr, p := range protocols {
		switch p {
		case v1alpha1.ProtocolOpenAI, v1alpha1.ProtocolOllama:
			m.protocols[addr] = p
		case "":
			m.protocols[addr] = v1alpha1.ProtocolOpenAI
		default:
			errs = multierr.Append(errs, fmt.Errorf("backend %q: unsupported protocol %q", addr, p))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return m, nil
}

func validateCandidates(candidates []string) error {
	if len(candidates) == 0 {
		return fmt.Errorf("no candidate backends")
	}
	seen := sets.New[string]()
	for _, c := range candidates {
		if c == "" {
			return fmt.Errorf("empty backend address")
		}
		if seen.Has(c) {
			return fmt.Errorf("duplicate backend address %q", c)
		}
		seen.Insert(c)
	}
	return nil
}

// Candidates returns the ordered candidates for model. Unmapped models get the fallback
// list, if any. The returned slice must not be modified.
func (m *ModelMapping) Candidates(model string) ([]string, bool) {
	if c, ok := m.models[model]; ok {
		return c, true
	}
	if len(m.fallback) > 0 {
		return m.fallback, true
	}
	return nil, false
}

// Models returns the explicitly mapped model identifiers, sorted. The fallback is not a
// model and is not listed.
func (m *ModelMapping) Models() []string {
	return sets.List(sets.KeySet(m.models))
}

// Protocol returns the protocol spoken by the backend at address.
func (m *ModelMapping) Protocol(address string) v1alpha1.Protocol {
	if p, ok := m.protocols[address]; ok {
		return p
	}
	return v1alpha1.ProtocolOpenAI
}

// Addresses returns every backend address referenced by the mapping, sorted.
func (m *ModelMapping) Addresses() []string {
	addrs := sets.New[string](m.fallback...)
	for _, c := range m.models {
		addrs.Insert(c...)
	}
	return sets.List(addrs)
}

// HasFallback reports whether unmapped models are routed to a fallback list.
func (m *ModelMapping) HasFallback() bool {
	return len(m.fallback) > 0
}
