package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend/vllm"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/config"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/handlers"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/metrics"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/proxy"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
)

var (
	configFile          = flag.String("config", "", "path to a GatewayConfig YAML file. MODEL_ID_*/MODEL_MAP_* environment variables are merged on top of it.")
	port                = flag.Int("port", 0, "HTTP port. Defaults to GATEWAY_PORT, then 8000.")
	grpcPort            = flag.Int("grpcPort", 9002, "gRPC port of the Envoy external processor. 0 disables it.")
	grpcHealthPort      = flag.Int("grpcHealthPort", 9003, "port of the gRPC health service")
	targetBackendHeader = flag.String("targetBackendHeader", "target-backend", "the header key for the target backend address to instruct Envoy to send the request to. This must match Envoy configuration.")
)

const shutdownTimeout = 30 * time.Second

// healthServer reports SERVING while at least one backend may take traffic.
type healthServer struct {
	registry *backend.Registry
}

func (s *healthServer) Check(ctx context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	klog.V(4).Infof("Handling grpc Check request %s", in.String())
	for _, b := range s.registry.List() {
		if b.Health != backend.Unhealthy {
			return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}, nil
		}
	}
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_NOT_SERVING}, nil
}

func (s *healthServer) Watch(in *healthPb.HealthCheckRequest, srv healthPb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Read(*configFile, os.Environ())
	if err != nil {
		klog.Fatalf("Failed to load config: %v", err)
	}
	spec := cfg.Spec
	klog.Infof("Models: %v", spec.Models)

	var m *metrics.Metrics
	registry := backend.NewRegistry(
		backend.WithFailureThreshold(spec.Probe.FailureThreshold),
		backend.WithHealthObserver(func(addr string, from, to backend.Health) {
			m.ObserveHealthTransition(addr, from, to)
		}),
	)
	for _, addr := range config.Addresses(cfg) {
		registry.Register(addr)
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m = metrics.New(promRegistry, registry)

	mapping, err := config.BuildMapping(cfg)
	if err != nil {
		klog.Fatalf("Invalid model mapping: %v", err)
	}
	scheduler, err := scheduling.NewScheduler(registry, mapping, spec.StrictHealth)
	if err != nil {
		klog.Fatalf("Failed to create scheduler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prober := backend.NewProber(registry, newProbeClient(spec.Probe, scheduler), spec.Probe.Interval.Duration, spec.Probe.Timeout.Duration)
	prober.Init(ctx)

	fwd := proxy.New(registry,
		proxy.WithRequestTimeout(spec.Proxy.RequestTimeout.Duration),
		proxy.WithStreamIdleTimeout(spec.Proxy.StreamIdleTimeout.Duration),
	)
	httpServer := &http.Server{
		Addr:              config.ListenAddress(os.Environ(), *port),
		Handler:           handlers.NewHTTPServer(scheduler, fwd, registry, m, promRegistry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	extProcPb.RegisterExternalProcessorServer(grpcServer, handlers.NewServer(scheduler, registry, m, *targetBackendHeader))
	reflection.Register(grpcServer)
	healthGRPCServer := grpc.NewServer()
	healthPb.RegisterHealthServer(healthGRPCServer, &healthServer{registry: registry})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		klog.Infof("Starting HTTP server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if *grpcPort > 0 {
		g.Go(func() error {
			return serveGRPC(grpcServer, *grpcPort, "ext proc")
		})
	}
	g.Go(func() error {
		return serveGRPC(healthGRPCServer, *grpcHealthPort, "health")
	})
	g.Go(func() error {
		reloadOnHangup(ctx, registry, scheduler)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		klog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("HTTP server shutdown: %v", err)
		}
		grpcServer.GracefulStop()
		healthGRPCServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	stop()
	prober.Wait()
	if err != nil {
		klog.Fatalf("Gateway stopped: %v", err)
	}
}

func serveGRPC(s *grpc.Server, port int, name string) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen for %s: %w", name, err)
	}
	klog.Infof("Starting gRPC %s server on port :%v", name, port)
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("gRPC %s server: %w", name, err)
	}
	return nil
}

func newProbeClient(probe v1alpha1.ProbeSpec, scheduler *scheduling.Scheduler) backend.ProbeClient {
	if probe.Mode == v1alpha1.ProbeModeMetrics {
		return vllm.NewMetricsProbeClient(probe.Path)
	}
	return backend.NewHTTPProbeClient(func(addr string) string {
		return backend.LivenessPath(scheduler.Mapping().Protocol(addr), probe.Path)
	})
}

// reloadOnHangup re-reads the config on SIGHUP and swaps in the new model mapping. New
// backends are registered first so the mapping never references an unknown address.
// Probe, proxy and strictHealth settings only take effect on restart.
func reloadOnHangup(ctx context.Context, registry *backend.Registry, scheduler *scheduling.Scheduler) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		klog.Info("Reloading config")
		cfg, err := config.Read(*configFile, os.Environ())
		if err != nil {
			klog.Errorf("Failed to reload config, keeping the current one: %v", err)
			continue
		}
		mapping, err := config.BuildMapping(cfg)
		if err != nil {
			klog.Errorf("Invalid model mapping, keeping the current one: %v", err)
			continue
		}
		for _, addr := range config.Addresses(cfg) {
			registry.Register(addr)
		}
		if err := scheduler.Reload(mapping); err != nil {
			klog.Errorf("Failed to reload model mapping: %v", err)
		}
	}
}
