package backend

import (
	"context"
	"sync"
	"time"
)

// FakeProbeClient returns canned probe results. Addresses with an entry in Err fail with
// that error alongside their Res entry; addresses with no entry in either succeed.
type FakeProbeClient struct {
	Err map[string]error
	Res map[string]ProbeResult
	// Delay is applied before answering, honoring ctx cancellation.
	Delay time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func (f *FakeProbeClient) Probe(ctx context.Context, address string) (ProbeResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[address]++
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ProbeResult{}, ctx.Err()
		}
	}
	if err, ok := f.Err[address]; ok {
		return f.Res[address], err
	}
	if res, ok := f.Res[address]; ok {
		return res, nil
	}
	return ProbeResult{Success: true}, nil
}

// Calls returns how many times address was probed.
func (f *FakeProbeClient) Calls(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}
