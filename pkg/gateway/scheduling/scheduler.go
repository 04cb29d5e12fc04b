// Package scheduling routes requests for a model to one of the backends serving it.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
)

var (
	// ErrNoBackendForModel means the model is not in the mapping and there is no fallback.
	ErrNoBackendForModel = errors.New("no backend for model")
	// ErrNoHealthyBackend means every candidate is Unhealthy and strict mode is on.
	ErrNoHealthyBackend = errors.New("no healthy backend")
)

// NewScheduler returns a Scheduler routing with mapping. It fails with
// backend.ErrUnknownBackend if the mapping references an unregistered address.
func NewScheduler(r *backend.Registry, mapping *ModelMapping, strict bool) (*Scheduler, error) {
	s := &Scheduler{
		registry: r,
		filter:   newHealthTierFilter(strict),
	}
	if err := s.validate(mapping); err != nil {
		return nil, err
	}
	s.mapping.Store(mapping)
	return s, nil
}

type Scheduler struct {
	registry *backend.Registry
	mapping  atomic.Pointer[ModelMapping]
	filter   Filter
}

// Route picks the backend that serves a request for model.
func (s *Scheduler) Route(ctx context.Context, model string) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mapping := s.mapping.Load()
	addrs, ok := mapping.Candidates(model)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBackendForModel, model)
	}

	snapshot := s.registry.Snapshot()
	candidates := make([]*backend.Backend, 0, len(addrs))
	for _, addr := range addrs {
		b, ok := snapshot[addr]
		if !ok {
			return nil, fmt.Errorf("%w: %q referenced by model %q", backend.ErrUnknownBackend, addr, model)
		}
		candidates = append(candidates, b)
	}
	klog.V(2).Infof("Routing model %q over candidates %v", model, candidates)

	filtered, err := s.filter.Filter(model, candidates)
	if err != nil || len(filtered) == 0 {
		return nil, fmt.Errorf("%w: all backends for model %q are unhealthy", ErrNoHealthyBackend, model)
	}
	target := filtered[0]
	d := &Decision{
		Model:    model,
		Address:  target.Address,
		Protocol: mapping.Protocol(target.Address),
	}
	klog.V(2).Infof("Routed model %q to %v", model, target)
	return d, nil
}

// Reload validates mapping against the registry and makes it current. On error the
// previous mapping stays in effect.
func (s *Scheduler) Reload(mapping *ModelMapping) error {
	if err := s.validate(mapping); err != nil {
		return err
	}
	s.mapping.Store(mapping)
	klog.V(1).Infof("Reloaded model mapping with models %v", mapping.Models())
	return nil
}

func (s *Scheduler) validate(mapping *ModelMapping) error {
	if mapping == nil {
		return errors.New("nil model mapping")
	}
	for _, addr := range mapping.Addresses() {
		if !s.registry.Has(addr) {
			return fmt.Errorf("%w: %q", backend.ErrUnknownBackend, addr)
		}
	}
	return nil
}

// Models returns the mapped model identifiers, sorted.
func (s *Scheduler) Models() []string {
	return s.mapping.Load().Models()
}

// Mapping returns the current model mapping.
func (s *Scheduler) Mapping() *ModelMapping {
	return s.mapping.Load()
}
