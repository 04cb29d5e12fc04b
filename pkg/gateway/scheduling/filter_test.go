package scheduling

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		input  []*backend.Backend
		output []*backend.Backend
		err    bool
		filter *filter
	}{
		{
			name: "simple filter without successor, failure",
			filter: &filter{filter: func(model string, backends []*backend.Backend) ([]*backend.Backend, error) {
				return nil, fmt.Errorf("filter error")
			}},
			err: true,
		},
		{
			name: "failure falls through to successor with original input",
			filter: &filter{
				filter: func(model string, backends []*backend.Backend) ([]*backend.Backend, error) {
					return nil, fmt.Errorf("filter error")
				},
				nextOnFailure: &filter{filter: leastInFlightFilterFunc},
			},
			input: []*backend.Backend{
				{Address: "a", InFlight: 2},
				{Address: "b", InFlight: 1},
			},
			output: []*backend.Backend{
				{Address: "b", InFlight: 1},
			},
		},
		{
			name:   "health tier, healthy preferred over less loaded unknown",
			filter: newHealthTierFilter(false),
			input: []*backend.Backend{
				{Address: "a", Health: backend.Unknown, InFlight: 0},
				{Address: "b", Health: backend.Healthy, InFlight: 5},
				{Address: "c", Health: backend.Healthy, InFlight: 5},
			},
			output: []*backend.Backend{
				{Address: "b", Health: backend.Healthy, InFlight: 5},
				{Address: "c", Health: backend.Healthy, InFlight: 5},
			},
		},
		{
			name:   "health tier, unknown preferred over unhealthy",
			filter: newHealthTierFilter(true),
			input: []*backend.Backend{
				{Address: "a", Health: backend.Unhealthy},
				{Address: "b", Health: backend.Unknown, InFlight: 3},
				{Address: "c", Health: backend.Unknown, InFlight: 1},
			},
			output: []*backend.Backend{
				{Address: "c", Health: backend.Unknown, InFlight: 1},
			},
		},
		{
			name:   "health tier, only unhealthy, lenient",
			filter: newHealthTierFilter(false),
			input: []*backend.Backend{
				{Address: "a", Health: backend.Unhealthy, InFlight: 1},
				{Address: "b", Health: backend.Unhealthy, InFlight: 0},
			},
			output: []*backend.Backend{
				{Address: "b", Health: backend.Unhealthy, InFlight: 0},
			},
		},
		{
			name:   "health tier, only unhealthy, strict",
			filter: newHealthTierFilter(true),
			input: []*backend.Backend{
				{Address: "a", Health: backend.Unhealthy},
			},
			err: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.filter.Filter("m", test.input)
			if test.err != (err != nil) {
				t.Errorf("Unexpected error, got %v, want %v", err, test.err)
			}

			if diff := cmp.Diff(test.output, got); diff != "" {
				t.Errorf("Unexpected output (-want +got): %v", diff)
			}
		})
	}
}

func TestFilterFunc(t *testing.T) {
	tests := []struct {
		name   string
		f      filterFunc
		input  []*backend.Backend
		output []*backend.Backend
		err    bool
	}{
		{
			name: "least in-flight empty input",
			f:    leastInFlightFilterFunc,
			err:  true,
		},
		{
			name: "least in-flight keeps ties in order",
			f:    leastInFlightFilterFunc,
			input: []*backend.Backend{
				{Address: "a", InFlight: 3},
				{Address: "b", InFlight: 0},
				{Address: "c", InFlight: 1},
				{Address: "d", InFlight: 0},
			},
			output: []*backend.Backend{
				{Address: "b", InFlight: 0},
				{Address: "d", InFlight: 0},
			},
		},
		{
			name: "healthy predicate",
			f:    toFilterFunc(healthPredicate(backend.Healthy)),
			input: []*backend.Backend{
				{Address: "a", Health: backend.Unhealthy},
				{Address: "b", Health: backend.Healthy},
			},
			output: []*backend.Backend{
				{Address: "b", Health: backend.Healthy},
			},
		},
		{
			name: "healthy predicate, none match",
			f:    toFilterFunc(healthPredicate(backend.Healthy)),
			input: []*backend.Backend{
				{Address: "a", Health: backend.Unhealthy},
			},
			err: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.f("m", test.input)
			if test.err != (err != nil) {
				t.Errorf("Unexpected error, got %v, want %v", err, test.err)
			}

			if diff := cmp.Diff(test.output, got); diff != "" {
				t.Errorf("Unexpected output (-want +got): %v", diff)
			}
		})
	}
}
