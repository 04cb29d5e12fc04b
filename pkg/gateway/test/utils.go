package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	klog "k8s.io/klog/v2"

	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/handlers"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
)

// TargetBackendHeader is the header the test servers set for Envoy.
const TargetBackendHeader = "target-backend"

// StartExtProc starts an ext proc server on port routing models over fake backends.
// Every backend passes its probes except those listed in down, which fail them and are
// Unhealthy by the time this returns. Probing stops when ctx is done.
func StartExtProc(ctx context.Context, port int, probeInterval time.Duration, models map[string][]string, protocols map[string]v1alpha1.Protocol, down ...string) (*grpc.Server, *backend.Registry) {
	mapping, err := scheduling.NewModelMapping(models, protocols, nil)
	if err != nil {
		klog.Fatalf("invalid model mapping: %v", err)
	}
	r := backend.NewRegistry(backend.WithFailureThreshold(1))
	for _, addr := range mapping.Addresses() {
		r.Register(addr)
	}
	pc := &backend.FakeProbeClient{Err: make(map[string]error)}
	for _, addr := range down {
		pc.Err[addr] = errors.New("connection refused")
	}
	backend.NewProber(r, pc, probeInterval, time.Second).Init(ctx)

	scheduler, err := scheduling.NewScheduler(r, mapping, true)
	if err != nil {
		klog.Fatalf("failed to create scheduler: %v", err)
	}
	return startExtProc(port, scheduler, r), r
}

// startExtProc starts an extProc server with fake backends.
func startExtProc(port int, scheduler *scheduling.Scheduler, r *backend.Registry) *grpc.Server {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		klog.Fatalf("failed to listen: %v", err)
	}

	s := grpc.NewServer()

	extProcPb.RegisterExternalProcessorServer(s, handlers.NewServer(scheduler, r, nil, TargetBackendHeader))

	klog.Infof("Starting gRPC server on port :%v", port)
	reflection.Register(s)
	go s.Serve(lis)
	return s
}

// GenerateRequest returns the body of an OpenAI chat completion request for model.
func GenerateRequest(model string) *extProcPb.ProcessingRequest {
	j := map[string]interface{}{
		"model":       model,
		"messages":    []map[string]string{{"role": "user", "content": "hello"}},
		"max_tokens":  100,
		"temperature": 0,
	}

	llmReq, err := json.Marshal(j)
	if err != nil {
		klog.Fatal(err)
	}
	req := &extProcPb.ProcessingRequest{
		Request: &extProcPb.ProcessingRequest_RequestBody{
			RequestBody: &extProcPb.HttpBody{Body: llmReq},
		},
	}
	return req
}

// FakeAddress returns the address of the fake backend with the given index.
func FakeAddress(index int) string {
	return fmt.Sprintf("address-%v:8000", index)
}
