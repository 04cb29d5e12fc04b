package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	klog "k8s.io/klog/v2"
)

const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
)

// ProbeClient checks the health of a single backend. Implementations must honor ctx
// cancellation, the prober bounds every call with its probe timeout.
type ProbeClient interface {
	Probe(ctx context.Context, address string) (ProbeResult, error)
}

func NewProber(r *Registry, pc ProbeClient, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		registry: r,
		client:   pc,
		interval: interval,
		timeout:  timeout,
	}
}

// Prober periodically probes every registered backend and records the results in the
// registry.
type Prober struct {
	registry *Registry
	client   ProbeClient
	interval time.Duration
	timeout  time.Duration

	wg sync.WaitGroup
}

// Init runs one synchronous probe round so routing starts from observed health, then
// starts background probing until ctx is done. Probe failures are logged, not returned:
// an unreachable backend at startup is a normal condition.
func (p *Prober) Init(ctx context.Context) {
	if err := p.ProbeOnce(ctx); err != nil {
		klog.Warningf("Initial probe round had failures: %v", err)
	}
	klog.V(2).Infof("Initialized backends: %+v", p.registry.List())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Wait blocks until all background probe loops have returned.
func (p *Prober) Wait() {
	p.wg.Wait()
}

// ProbeOnce probes all registered backends concurrently and returns the combined errors.
func (p *Prober) ProbeOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		klog.V(4).Infof("Probed backends in %v", time.Since(start))
	}()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	for _, addr := range p.registry.Addresses() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := p.probe(ctx, addr); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()
	return errs
}

// run supervises one probe loop per backend. Backends registered after startup, for
// example by a configuration reload, get a loop on the next supervisor tick.
func (p *Prober) run(ctx context.Context) {
	started := sets.New[string]()
	var loops sync.WaitGroup
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		for _, addr := range p.registry.Addresses() {
			if started.Has(addr) {
				continue
			}
			started.Insert(addr)
			klog.V(1).Infof("Starting probe loop for backend %q every %v", addr, p.interval)
			loops.Add(1)
			go func(addr string) {
				defer loops.Done()
				// Sliding period: a slow backend only delays its own next probe.
				wait.UntilWithContext(ctx, func(ctx context.Context) {
					if err := p.probe(ctx, addr); err != nil {
						klog.V(4).Infof("Probe failed: %v", err)
					}
				}, p.interval)
			}(addr)
		}
	}, p.interval)
	loops.Wait()
	klog.V(1).Info("Stopped probing backends")
}

func (p *Prober) probe(ctx context.Context, addr string) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.client.Probe(probeCtx, addr)
	if ctx.Err() != nil {
		// Shutting down; the backend did not fail.
		return nil
	}
	if err != nil {
		res.Success = false
	}
	if res.Latency == 0 {
		res.Latency = time.Since(start)
	}
	klog.V(4).Infof("Probed backend %q: success=%v latency=%v", addr, res.Success, res.Latency)
	if rerr := p.registry.RecordProbe(addr, res); rerr != nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("failed to probe backend %q: %w", addr, err)
	}
	if !res.Success {
		return fmt.Errorf("backend %q reported unhealthy", addr)
	}
	return nil
}
