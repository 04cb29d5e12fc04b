package handlers

import (
	"io"
	"time"

	configPb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/metrics"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
)

func NewServer(scheduler Scheduler, slots SlotManager, m *metrics.Metrics, targetBackendHeader string) *Server {
	return &Server{
		scheduler:           scheduler,
		slots:               slots,
		metrics:             m,
		targetBackendHeader: targetBackendHeader,
	}
}

// Server implements the Envoy external processing server. Envoy does the forwarding;
// the server picks the backend, rewrites the request for it and tracks its load and health.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/service/ext_proc/v3/external_processor.proto
type Server struct {
	scheduler Scheduler
	slots     SlotManager
	metrics   *metrics.Metrics
	// The key of the header to specify the target backend address. This value needs to match Envoy
	// configuration.
	targetBackendHeader string
}

// SlotManager tracks in-flight requests and request outcomes per backend.
type SlotManager interface {
	AcquireSlot(address string) (release func(), err error)
	RecordOutcome(address string, success bool) error
}

func (s *Server) Process(srv extProcPb.ExternalProcessor_ProcessServer) error {
	klog.V(2).Info("Processing")
	ctx := srv.Context()
	// Create request context to share states during life time of an HTTP request.
	// See https://github.com/envoyproxy/envoy/issues/17540.
	reqCtx := &RequestContext{start: time.Now()}
	defer s.finish(reqCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := srv.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		resp := &extProcPb.ProcessingResponse{}
		switch v := req.Request.(type) {
		case *extProcPb.ProcessingRequest_RequestHeaders:
			resp = HandleRequestHeaders(reqCtx, req)
			klog.V(2).Infof("Request context after HandleRequestHeaders: %v", reqCtx)
		case *extProcPb.ProcessingRequest_RequestBody:
			resp, err = s.HandleRequestBody(ctx, reqCtx, req)
			klog.V(2).Infof("Request context after HandleRequestBody: %v", reqCtx)
		case *extProcPb.ProcessingRequest_ResponseHeaders:
			resp, err = s.HandleResponseHeaders(reqCtx, req)
			klog.V(2).Infof("Request context after HandleResponseHeaders: %v", reqCtx)
		case *extProcPb.ProcessingRequest_ResponseBody:
			resp, err = s.HandleResponseBody(reqCtx, req)
			klog.V(2).Infof("Request context after HandleResponseBody: %v", reqCtx)
		default:
			klog.Infof("Unknown Request type %+v", v)
			return status.Error(codes.Unknown, "unknown request type")
		}

		if err != nil {
			klog.Errorf("failed to process request: %v", err)
			return status.Errorf(codes.Unknown, "failed to handle request: %v", err)
		}

		klog.V(2).Infof("response: %v", resp)
		if err := srv.Send(resp); err != nil {
			klog.Infof("send error %v", err)
			return status.Errorf(codes.Unknown, "failed to send response back to Envoy: %v", err)
		}
	}
}

// finish runs when the stream for one HTTP request ends, however it ends.
func (s *Server) finish(reqCtx *RequestContext) {
	if reqCtx.releaseSlot != nil {
		reqCtx.releaseSlot()
		reqCtx.releaseSlot = nil
	}
	if reqCtx.Model == "" {
		return
	}
	addr := ""
	if reqCtx.Decision != nil {
		addr = reqCtx.Decision.Address
	}
	s.metrics.ObserveRequest(metrics.SurfaceExtProc, reqCtx.Model, addr, reqCtx.ResponseCode, time.Since(reqCtx.start))
}

// RequestContext stores context information during the life time of an HTTP request.
type RequestContext struct {
	Path         string
	RequestID    string
	Model        string
	Decision     *scheduling.Decision
	ResponseCode int
	Response     Response

	start       time.Time
	releaseSlot func()
}

// headerValue returns the value of h, which Envoy may send in either field.
func headerValue(h *configPb.HeaderValue) string {
	if len(h.GetRawValue()) > 0 {
		return string(h.GetRawValue())
	}
	return h.GetValue()
}
