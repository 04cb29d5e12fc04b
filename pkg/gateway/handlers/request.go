package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	configPb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	envoyTypePb "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/proxy"
)

// HandleRequestBody handles body of the request to the backend server: it normalizes the
// request, routes it and rewrites it for the chosen backend.
// Envoy sends the request body to ext proc before sending the request to the backend server.
func (s *Server) HandleRequestBody(ctx context.Context, reqCtx *RequestContext, req *extProcPb.ProcessingRequest) (*extProcPb.ProcessingResponse, error) {
	klog.V(3).Infof("Handling request body")

	v := req.Request.(*extProcPb.ProcessingRequest_RequestBody)
	chatReq, err := Normalize(ShapeForPath(reqCtx.Path), v.RequestBody.Body)
	if err != nil {
		klog.V(2).Infof("Rejecting request %s: %v", reqCtx.RequestID, err)
		s.metrics.ObserveRoutingFailure(reasonForError(err))
		return s.immediateResponse(reqCtx, "", err), nil
	}
	klog.V(3).Infof("Model requested: %v", chatReq.Model)
	reqCtx.Model = chatReq.Model

	d, err := s.scheduler.Route(ctx, chatReq.Model)
	if err != nil {
		if StatusForError(err) == http.StatusInternalServerError {
			return nil, fmt.Errorf("failed to find target backend: %v", err)
		}
		klog.V(1).Infof("Routing failed for request %s: %v", reqCtx.RequestID, err)
		s.metrics.ObserveRoutingFailure(reasonForError(err))
		return s.immediateResponse(reqCtx, chatReq.Model, err), nil
	}
	klog.V(3).Infof("Selected target model %v in target backend: %v", chatReq.Model, d.Address)

	path, body, err := proxy.RenderRequest(d, chatReq)
	if err != nil {
		return nil, err
	}
	release, err := s.slots.AcquireSlot(d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire slot: %v", err)
	}
	reqCtx.Decision = d
	reqCtx.releaseSlot = release

	// Insert the target backend header to instruct Envoy to route requests to the specified
	// backend, and point the request at the backend's native chat endpoint.
	headers := []*configPb.HeaderValueOption{
		{
			Header: &configPb.HeaderValue{
				Key:      s.targetBackendHeader,
				RawValue: []byte(d.Address),
			},
		},
		{
			Header: &configPb.HeaderValue{
				Key:      ":path",
				RawValue: []byte(path),
			},
		},
		{
			Header: &configPb.HeaderValue{
				Key:      "content-length",
				RawValue: []byte(strconv.Itoa(len(body))),
			},
		},
	}
	// Print headers for debugging
	for _, header := range headers {
		klog.V(3).Infof("[request_body] Header Key: %s, Header Value: %s", header.Header.Key, header.Header.RawValue)
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_RequestBody{
			RequestBody: &extProcPb.BodyResponse{
				Response: &extProcPb.CommonResponse{
					HeaderMutation: &extProcPb.HeaderMutation{
						SetHeaders: headers,
					},
					BodyMutation: &extProcPb.BodyMutation{
						Mutation: &extProcPb.BodyMutation_Body{
							Body: body,
						},
					},
				},
			},
		},
	}
	return resp, nil
}

// immediateResponse answers the client directly for a request that cannot be routed. The
// body carries the same JSON error the HTTP surface writes.
func (s *Server) immediateResponse(reqCtx *RequestContext, model string, err error) *extProcPb.ProcessingResponse {
	code := StatusForError(err)
	reqCtx.ResponseCode = code
	apiErr := APIErrorFor(model, err)
	body, mErr := json.Marshal(apiErr)
	if mErr != nil {
		klog.Errorf("Failed to marshal error response: %v", mErr)
	}
	return &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extProcPb.ImmediateResponse{
				Status: &envoyTypePb.HttpStatus{
					Code: envoyTypePb.StatusCode(code),
				},
				Headers: &extProcPb.HeaderMutation{
					SetHeaders: []*configPb.HeaderValueOption{
						{
							Header: &configPb.HeaderValue{
								Key:      "x-gateway-error",
								RawValue: []byte(apiErr.Error.Type),
							},
						},
						{
							Header: &configPb.HeaderValue{
								Key:      "content-type",
								RawValue: []byte("application/json"),
							},
						},
					},
				},
				Body:    body,
				Details: apiErr.Error.Message,
			},
		},
	}
}

func HandleRequestHeaders(reqCtx *RequestContext, req *extProcPb.ProcessingRequest) *extProcPb.ProcessingResponse {
	klog.V(3).Info("--- In RequestHeaders processing ...")
	r := req.Request
	h := r.(*extProcPb.ProcessingRequest_RequestHeaders)
	klog.V(3).Infof("Headers: %+v", h)

	for _, header := range h.RequestHeaders.GetHeaders().GetHeaders() {
		switch header.GetKey() {
		case ":path":
			reqCtx.Path = headerValue(header)
		case "x-request-id":
			reqCtx.RequestID = headerValue(header)
		}
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extProcPb.HeadersResponse{
				Response: &extProcPb.CommonResponse{
					// Set `clear_route_cache = true` to force Envoy to recompute the target cluster
					// based on the new target backend header.
					// See https://www.envoyproxy.io/docs/envoy/latest/api-v3/service/ext_proc/v3/external_processor.proto#service-ext-proc-v3-commonresponse.
					ClearRouteCache: true,
				},
			},
		},
	}

	return resp
}
