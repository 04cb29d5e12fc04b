package scheduling

import (
	"errors"
	"math"

	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
)

var errNoCandidates = errors.New("no backends left")

type Filter interface {
	Name() string
	Filter(model string, backends []*backend.Backend) ([]*backend.Backend, error)
}

// filter applies current filterFunc, and then recursively applies next filters depending success or
// failure of the current filterFunc.
// It can be used to construct a flow chart algorithm.
type filter struct {
	name   string
	filter filterFunc
	// nextOnSuccess filter will be applied after successfully applying the current filter.
	// The filtered results will be passed to the next filter.
	nextOnSuccess *filter
	// nextOnFailure filter will be applied if current filter fails.
	// The original input will be passed to the next filter.
	nextOnFailure *filter
	// nextOnSuccessOrFailure is a convenience field to configure the next filter regardless of the
	// success or failure of the current filter.
	// NOTE: When using nextOnSuccessOrFailure, both nextOnSuccess and nextOnFailure SHOULD be nil.
	// However if that's not the case, nextOnSuccess and nextOnFailure will be used, instead of
	// nextOnSuccessOrFailure, in the success and failure scenarios, respectively.
	nextOnSuccessOrFailure *filter
}

func (f *filter) Name() string {
	if f == nil {
		return "nil"
	}
	return f.name
}

func (f *filter) Filter(model string, backends []*backend.Backend) ([]*backend.Backend, error) {
	if f == nil {
		klog.V(3).Infof("Running nil filter, returning all input backends by default")
		return backends, nil
	}
	klog.V(3).Infof("Running filter %q on model %q with %v backends", f.name, model, len(backends))

	filtered, err := f.filter(model, backends)

	next := f.nextOnSuccessOrFailure
	if err == nil {
		if f.nextOnSuccess != nil {
			next = f.nextOnSuccess
		}
		klog.V(3).Infof("onSuccess %v -> %v, filtered: %v", f.name, next.Name(), len(filtered))
		// On success, pass the filtered result to the next filter.
		return next.Filter(model, filtered)
	}

	if f.nextOnFailure != nil {
		next = f.nextOnFailure
	}
	if next == nil {
		// A failure with nowhere to go ends the chain.
		klog.V(3).Infof("onFailure %v -> end: %v", f.name, err)
		return nil, err
	}
	klog.V(3).Infof("onFailure %v -> %v", f.name, next.Name())
	// On failure, pass the initial set of backends to the next filter.
	return next.Filter(model, backends)
}

// filterFunc filters a set of input backends to a subset.
type filterFunc func(model string, backends []*backend.Backend) ([]*backend.Backend, error)

// toFilterFunc is a helper function to convert a per backend filter func to the FilterFunc.
func toFilterFunc(bp backendPredicate) filterFunc {
	return func(model string, backends []*backend.Backend) ([]*backend.Backend, error) {
		filtered := []*backend.Backend{}
		for _, b := range backends {
			if bp(b) {
				filtered = append(filtered, b)
			}
		}
		if len(filtered) == 0 {
			return nil, errNoCandidates
		}
		return filtered, nil
	}
}

// leastInFlightFilterFunc keeps the backends with the fewest in-flight requests. Input order
// is preserved so declared order breaks ties.
func leastInFlightFilterFunc(model string, backends []*backend.Backend) ([]*backend.Backend, error) {
	if len(backends) == 0 {
		return nil, errNoCandidates
	}
	min := int64(math.MaxInt64)
	for _, b := range backends {
		if b.InFlight < min {
			min = b.InFlight
		}
	}
	filtered := []*backend.Backend{}
	for _, b := range backends {
		if b.InFlight == min {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// backendPredicate is a filter function to check whether a backend is desired.
type backendPredicate func(b *backend.Backend) bool

func healthPredicate(h backend.Health) backendPredicate {
	return func(b *backend.Backend) bool {
		return b.Health == h
	}
}

// newHealthTierFilter prefers Healthy backends, then Unknown ones, and only then the
// least loaded Unhealthy backend. In strict mode a set of only Unhealthy backends fails.
func newHealthTierFilter(strict bool) *filter {
	leastInFlight := &filter{
		name:   "least in-flight",
		filter: leastInFlightFilterFunc,
	}
	unknown := &filter{
		name:          "unknown health",
		filter:        toFilterFunc(healthPredicate(backend.Unknown)),
		nextOnSuccess: leastInFlight,
	}
	if !strict {
		unknown.nextOnFailure = leastInFlight
	}
	return &filter{
		name:          "healthy",
		filter:        toFilterFunc(healthPredicate(backend.Healthy)),
		nextOnSuccess: leastInFlight,
		nextOnFailure: unknown,
	}
}
