// Package backend keeps track of backend inference servers: their health, their load and
// how they are probed.
package backend

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBackend is returned for an address that was never registered. Given a
// validated configuration this is unreachable, so callers should treat it as fatal.
var ErrUnknownBackend = errors.New("unknown backend")

// Health is the probed liveness classification of a backend.
type Health int

const (
	// Unknown is the initial state, before any outcome has been recorded.
	Unknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// MarshalText lets Health render as a string in JSON snapshots.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Backend is an immutable snapshot of one backend's state.
type Backend struct {
	Address             string        `json:"address"`
	Health              Health        `json:"health"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	InFlight            int64         `json:"inFlight"`
	LastProbe           time.Time     `json:"lastProbe,omitempty"`
	LastProbeLatency    time.Duration `json:"lastProbeLatency,omitempty"`
	// Queue sizes are only reported by the metrics probe and are informational.
	RunningQueueSize int `json:"runningQueueSize,omitempty"`
	WaitingQueueSize int `json:"waitingQueueSize,omitempty"`
}

func (b *Backend) String() string {
	return fmt.Sprintf("%s[%v inflight=%d failures=%d]", b.Address, b.Health, b.InFlight, b.ConsecutiveFailures)
}

// Clone returns a copy of b.
func (b *Backend) Clone() *Backend {
	clone := *b
	return &clone
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Success bool
	Latency time.Duration
	// QueueSizes is non-nil when the probe could observe the backend's queues.
	QueueSizes *QueueSizes
}

// QueueSizes are the request queue gauges reported by a model server.
type QueueSizes struct {
	Running int
	Waiting int
}
