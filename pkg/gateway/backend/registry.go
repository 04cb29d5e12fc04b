package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	klog "k8s.io/klog/v2"
)

// DefaultFailureThreshold is the number of consecutive failures after which a backend is
// marked Unhealthy.
const DefaultFailureThreshold = 3

func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		backends:         make(map[string]*backendState),
		failureThreshold: DefaultFailureThreshold,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Registry holds the set of known backends and their health and load. It is the only
// mutable state shared between request handling and probing.
type Registry struct {
	// mu guards membership only. Per backend fields are synchronized by the backend
	// itself so requests to different backends never contend.
	mu       sync.RWMutex
	backends map[string]*backendState
	order    []string

	failureThreshold int
	// onChange is invoked after a backend's health state changes.
	onChange func(address string, from, to Health)
}

type RegistryOption func(*Registry)

// WithFailureThreshold overrides DefaultFailureThreshold. Values below 1 are ignored.
func WithFailureThreshold(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// WithHealthObserver registers a callback invoked on every health transition.
func WithHealthObserver(fn func(address string, from, to Health)) RegistryOption {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// WithBackends can be used in tests to seed the registry.
func WithBackends(backends ...*Backend) RegistryOption {
	return func(r *Registry) {
		for _, b := range backends {
			s := r.register(b.Address)
			s.health = b.Health
			s.consecutiveFailures = b.ConsecutiveFailures
			s.inFlight.Store(b.InFlight)
		}
	}
}

type backendState struct {
	address  string
	inFlight atomic.Int64

	mu                  sync.Mutex
	health              Health
	consecutiveFailures int
	lastProbe           time.Time
	lastProbeLatency    time.Duration
	queues              QueueSizes
}

// Register adds address in the Unknown state. Registering an existing address is a
// no-op; its counters are left untouched.
func (r *Registry) Register(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(address)
}

// register must be called with mu held.
func (r *Registry) register(address string) *backendState {
	if s, ok := r.backends[address]; ok {
		return s
	}
	s := &backendState{address: address}
	r.backends[address] = s
	r.order = append(r.order, address)
	klog.V(1).Infof("Registered backend %q", address)
	return s
}

func (r *Registry) lookup(address string) (*backendState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.backends[address]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, address)
	}
	return s, nil
}

// Has reports whether address is registered.
func (r *Registry) Has(address string) bool {
	_, err := r.lookup(address)
	return err == nil
}

// Addresses returns registered addresses in registration order.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, len(r.order))
	copy(res, r.order)
	return res
}

func (r *Registry) GetHealth(address string) (Health, error) {
	s, err := r.lookup(address)
	if err != nil {
		return Unknown, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, nil
}

// RecordOutcome applies one success or failure to the backend's health.
// A success always makes the backend Healthy and resets its failure count. A failure
// only makes it Unhealthy once the consecutive failure count reaches the threshold.
func (r *Registry) RecordOutcome(address string, success bool) error {
	s, err := r.lookup(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	from, to := r.applyOutcome(s, success)
	s.mu.Unlock()
	r.notify(address, from, to)
	return nil
}

// RecordProbe records a probe result: the outcome plus probe timestamp, latency and
// any observed queue sizes.
func (r *Registry) RecordProbe(address string, res ProbeResult) error {
	s, err := r.lookup(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	from, to := r.applyOutcome(s, res.Success)
	s.lastProbe = time.Now()
	s.lastProbeLatency = res.Latency
	if res.QueueSizes != nil {
		s.queues = *res.QueueSizes
	}
	s.mu.Unlock()
	r.notify(address, from, to)
	return nil
}

// applyOutcome must be called with s.mu held.
func (r *Registry) applyOutcome(s *backendState, success bool) (from, to Health) {
	from = s.health
	if success {
		s.consecutiveFailures = 0
		s.health = Healthy
		return from, s.health
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= r.failureThreshold {
		s.health = Unhealthy
	}
	return from, s.health
}

func (r *Registry) notify(address string, from, to Health) {
	if from == to {
		return
	}
	klog.Infof("Backend %q health changed %v -> %v", address, from, to)
	if r.onChange != nil {
		r.onChange(address, from, to)
	}
}

// AcquireSlot increments the backend's in-flight counter. The returned release function
// decrements it; calling release more than once has no further effect.
func (r *Registry) AcquireSlot(address string) (release func(), err error) {
	s, err := r.lookup(address)
	if err != nil {
		return nil, err
	}
	s.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { r.release(s) })
	}, nil
}

// ReleaseSlot decrements the backend's in-flight counter. It must be called exactly once
// per successful AcquireSlot; prefer the release function returned by AcquireSlot.
func (r *Registry) ReleaseSlot(address string) error {
	s, err := r.lookup(address)
	if err != nil {
		return err
	}
	r.release(s)
	return nil
}

func (r *Registry) release(s *backendState) {
	for {
		cur := s.inFlight.Load()
		if cur <= 0 {
			klog.Errorf("Unbalanced slot release for backend %q", s.address)
			return
		}
		if s.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Get returns a snapshot of one backend.
func (r *Registry) Get(address string) (*Backend, error) {
	s, err := r.lookup(address)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// Snapshot returns an immutable copy of every backend's state, keyed by address.
func (r *Registry) Snapshot() map[string]*Backend {
	r.mu.RLock()
	states := make([]*backendState, 0, len(r.order))
	for _, addr := range r.order {
		states = append(states, r.backends[addr])
	}
	r.mu.RUnlock()

	res := make(map[string]*Backend, len(states))
	for _, s := range states {
		res[s.address] = s.snapshot()
	}
	return res
}

// List returns snapshots of every backend in registration order.
func (r *Registry) List() []*Backend {
	snap := r.Snapshot()
	res := make([]*Backend, 0, len(snap))
	for _, addr := range r.Addresses() {
		if b, ok := snap[addr]; ok {
			res = append(res, b)
		}
	}
	return res
}

func (s *backendState) snapshot() *Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Backend{
		Address:             s.address,
		Health:              s.health,
		ConsecutiveFailures: s.consecutiveFailures,
		InFlight:            s.inFlight.Load(),
		LastProbe:           s.lastProbe,
		LastProbeLatency:    s.lastProbeLatency,
		RunningQueueSize:    s.queues.Running,
		WaitingQueueSize:    s.queues.Waiting,
	}
}
