package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	configPb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	klog "k8s.io/klog/v2"
)

// HandleResponseHeaders processes response headers from the backend model server and
// records the request outcome against the backend.
func (s *Server) HandleResponseHeaders(reqCtx *RequestContext, req *extProcPb.ProcessingRequest) (*extProcPb.ProcessingResponse, error) {
	klog.V(3).Info("Processing ResponseHeaders")
	h := req.Request.(*extProcPb.ProcessingRequest_ResponseHeaders)
	klog.V(3).Infof("Headers before: %+v", h)

	for _, header := range h.ResponseHeaders.GetHeaders().GetHeaders() {
		if header.GetKey() != ":status" {
			continue
		}
		code, err := strconv.Atoi(headerValue(header))
		if err != nil {
			return nil, fmt.Errorf("invalid :status header %q: %v", headerValue(header), err)
		}
		reqCtx.ResponseCode = code
	}

	var setHeaders []*configPb.HeaderValueOption
	if d := reqCtx.Decision; d != nil {
		success := reqCtx.ResponseCode >= 200 && reqCtx.ResponseCode <= 299
		if err := s.slots.RecordOutcome(d.Address, success); err != nil {
			klog.Errorf("Failed to record outcome for backend %q: %v", d.Address, err)
		}
		setHeaders = append(setHeaders, &configPb.HeaderValueOption{
			Header: &configPb.HeaderValue{
				Key:      "x-gateway-backend",
				RawValue: []byte(d.Address),
			},
		})
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extProcPb.HeadersResponse{
				Response: &extProcPb.CommonResponse{
					HeaderMutation: &extProcPb.HeaderMutation{
						SetHeaders: setHeaders,
					},
				},
			},
		},
	}
	return resp, nil
}

// HandleResponseBody parses response body to update information such as number of completion tokens.
// A buffered JSON body is read whole. A streamed body (SSE "data:" frames or Ollama NDJSON
// lines) is read from its last frame carrying usage, which is where OpenAI servers put it
// with stream_options.include_usage and where Ollama reports its counters. A body without
// usage is passed through untouched.
// Example response
/*
{
    "id": "chatcmpl-573498d260f2423f9e42817bbba3743a",
    "object": "chat.completion",
    "created": 1732563765,
    "model": "llama3:8b",
    "choices": [
        {
            "index": 0,
            "message": {"role": "assistant", "content": "Hello there."},
            "finish_reason": "stop"
        }
    ],
    "usage": {
        "prompt_tokens": 11,
        "total_tokens": 111,
        "completion_tokens": 100
    }
}*/
// Ollama native responses report the same counts as prompt_eval_count and eval_count.
func (s *Server) HandleResponseBody(reqCtx *RequestContext, req *extProcPb.ProcessingRequest) (*extProcPb.ProcessingResponse, error) {
	klog.V(3).Info("Processing HandleResponseBody")
	body := req.Request.(*extProcPb.ProcessingRequest_ResponseBody)

	if res, ok := parseUsage(body.ResponseBody.Body); ok {
		reqCtx.Response = res
		klog.V(3).Infof("Response: %+v", res)
		s.metrics.ObserveTokens(reqCtx.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	} else {
		klog.V(3).Infof("No usage in response body for request %s, skipping token counts", reqCtx.RequestID)
	}

	resp := &extProcPb.ProcessingResponse{
		Response: &extProcPb.ProcessingResponse_ResponseBody{
			ResponseBody: &extProcPb.BodyResponse{
				Response: &extProcPb.CommonResponse{},
			},
		},
	}
	return resp, nil
}

// parseUsage returns the token usage reported in a response body, trying the body as one
// JSON document first and then each SSE frame or NDJSON line from the end.
func parseUsage(body []byte) (Response, bool) {
	if res, ok := decodeUsage(body); ok {
		return res, true
	}
	lines := bytes.Split(body, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		if res, ok := decodeUsage(line); ok {
			return res, true
		}
	}
	return Response{}, false
}

func decodeUsage(data []byte) (Response, bool) {
	res := Response{}
	if err := json.Unmarshal(data, &res); err != nil {
		return Response{}, false
	}
	if res.Usage == (Usage{}) && (res.PromptEvalCount > 0 || res.EvalCount > 0) {
		res.Usage = Usage{
			PromptTokens:     res.PromptEvalCount,
			CompletionTokens: res.EvalCount,
			TotalTokens:      res.PromptEvalCount + res.EvalCount,
		}
	}
	res.PromptEvalCount, res.EvalCount = 0, 0
	if res.Usage == (Usage{}) {
		return Response{}, false
	}
	return res, true
}

type Response struct {
	Usage Usage `json:"usage"`
	// Ollama native counters.
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
