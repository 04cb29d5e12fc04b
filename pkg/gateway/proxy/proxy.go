// Package proxy forwards a routed chat request to its backend and streams the response
// back to the caller.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/types"
)

const (
	DefaultRequestTimeout    = 300 * time.Second
	DefaultStreamIdleTimeout = 60 * time.Second

	OpenAIChatPath = "/v1/chat/completions"
	OllamaChatPath = "/api/chat"

	// BackendHeader names the backend that served a response.
	BackendHeader = "X-Gateway-Backend"

	copyBufferSize = 32 << 10
)

var (
	// ErrBackendStatus means the backend answered with a non-2xx status.
	ErrBackendStatus = errors.New("backend returned error status")
	// ErrBackendUnreachable means the backend could not be reached or the connection broke.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrBackendTimeout means the request or stream idle timeout elapsed.
	ErrBackendTimeout = errors.New("backend timed out")

	errStreamIdle = errors.New("stream idle timeout")
)

type Option func(*Proxy)

func WithRequestTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.requestTimeout = d
		}
	}
}

func WithStreamIdleTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithTransport replaces the pooled default transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.client = &http.Client{Transport: rt}
	}
}

// New returns a Proxy. Its outbound client is shared by every request.
func New(r *backend.Registry, options ...Option) *Proxy {
	p := &Proxy{
		registry:       r,
		requestTimeout: DefaultRequestTimeout,
		idleTimeout:    DefaultStreamIdleTimeout,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          256,
				MaxIdleConnsPerHost:   64,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		},
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Proxy forwards requests to backends. It owns the in-flight slot and the health outcome
// of every request it forwards.
type Proxy struct {
	registry       *backend.Registry
	client         *http.Client
	requestTimeout time.Duration
	idleTimeout    time.Duration
}

// Forward sends req to the backend chosen by d and copies the response to w as it arrives.
// At most one error body or error chunk is written to w on failure. A plain JSON body
// that fails after its status line was sent is left cut short. The returned error is
// one of ErrBackendStatus, ErrBackendUnreachable, ErrBackendTimeout, or the caller's
// context error when the caller went away.
func (p *Proxy) Forward(ctx context.Context, d *scheduling.Decision, req *types.ChatRequest, w http.ResponseWriter) error {
	logger := klog.FromContext(ctx)

	release, err := p.registry.AcquireSlot(d.Address)
	if err != nil {
		types.WriteError(w, http.StatusInternalServerError, types.ServerError("routing state is inconsistent"))
		return err
	}
	defer release()

	outCtx, cancelTimeout := context.WithTimeout(ctx, p.requestTimeout)
	defer cancelTimeout()
	outCtx, cancel := context.WithCancelCause(outCtx)
	defer cancel(nil)

	outReq, err := newBackendRequest(outCtx, d, req)
	if err != nil {
		types.WriteError(w, http.StatusInternalServerError, types.ServerError("failed to build backend request"))
		return err
	}

	start := time.Now()
	resp, err := p.client.Do(outReq)
	if err != nil {
		if ctx.Err() != nil {
			logger.V(2).Info("Caller went away before backend answered", "backend", d.Address)
			return ctx.Err()
		}
		err = classify(outCtx, d.Address, err)
		p.recordOutcome(logger, d.Address, false)
		status := http.StatusBadGateway
		if errors.Is(err, ErrBackendTimeout) {
			status = http.StatusGatewayTimeout
			types.WriteError(w, status, types.TimeoutError(fmt.Sprintf("Backend %s timed out", d.Address)))
		} else {
			types.WriteError(w, status, types.BackendError("Connection failed"))
		}
		return err
	}
	defer resp.Body.Close()
	logger.V(2).Info("Backend answered", "backend", d.Address, "status", resp.StatusCode, "latency", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		logger.V(2).Info("Backend returned error status", "backend", d.Address, "status", resp.StatusCode, "body", string(detail))
		p.recordOutcome(logger, d.Address, false)
		types.WriteError(w, http.StatusBadGateway, types.BackendError(fmt.Sprintf("Backend error: %d", resp.StatusCode)))
		return fmt.Errorf("%w: %s returned %d", ErrBackendStatus, d.Address, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType(d.Protocol, req.Stream)
	}
	bodyFraming := framingFor(contentType)
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set(BackendHeader, d.Address)
	if req.Stream {
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
	}
	w.WriteHeader(resp.StatusCode)
	rc := http.NewResponseController(w)
	flush := func() {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.V(4).Info("Flush failed", "err", err)
		}
	}
	flush()

	idle := time.AfterFunc(p.idleTimeout, func() { cancel(errStreamIdle) })
	defer idle.Stop()

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(p.idleTimeout)
			if _, werr := w.Write(buf[:n]); werr != nil {
				// The caller is gone; the backend did not fail.
				cancel(werr)
				logger.V(2).Info("Caller stopped reading", "backend", d.Address, "err", werr)
				return fmt.Errorf("writing response: %w", context.Canceled)
			}
			flush()
		}
		if rerr == io.EOF {
			p.recordOutcome(logger, d.Address, true)
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				logger.V(2).Info("Caller went away mid-stream", "backend", d.Address)
				return ctx.Err()
			}
			err := classify(outCtx, d.Address, rerr)
			p.recordOutcome(logger, d.Address, false)
			msg := "Backend stream interrupted"
			if errors.Is(err, ErrBackendTimeout) {
				msg = "Backend timed out"
			}
			if bodyFraming == framingNone {
				logger.V(2).Info("Response body cut short", "backend", d.Address, "err", err)
			} else {
				writeErrorChunk(w, bodyFraming, msg)
				flush()
			}
			return err
		}
	}
}

func (p *Proxy) recordOutcome(logger klog.Logger, addr string, success bool) {
	if err := p.registry.RecordOutcome(addr, success); err != nil {
		logger.Error(err, "Failed to record outcome", "backend", addr)
	}
}

// classify maps a transport error to ErrBackendTimeout or ErrBackendUnreachable.
func classify(outCtx context.Context, addr string, err error) error {
	cause := context.Cause(outCtx)
	var netErr net.Error
	if errors.Is(cause, errStreamIdle) || errors.Is(cause, context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrBackendTimeout, addr, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnreachable, addr, err)
}

// RenderRequest returns the backend path and body for req in the protocol of d.
func RenderRequest(d *scheduling.Decision, req *types.ChatRequest) (string, []byte, error) {
	var (
		path string
		body any
	)
	switch d.Protocol {
	case v1alpha1.ProtocolOllama:
		path, body = OllamaChatPath, req.ToOllama()
	default:
		path, body = OpenAIChatPath, req.ToOpenAI()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request for %s: %w", d.Address, err)
	}
	return path, payload, nil
}

func newBackendRequest(ctx context.Context, d *scheduling.Decision, req *types.ChatRequest) (*http.Request, error) {
	path, payload, err := RenderRequest(d, req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://%s%s", d.Address, path)
	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	outReq.Header.Set("Content-Type", "application/json")
	if req.Stream && d.Protocol != v1alpha1.ProtocolOllama {
		outReq.Header.Set("Accept", "text/event-stream")
	}
	return outReq, nil
}

func defaultContentType(p v1alpha1.Protocol, stream bool) string {
	switch {
	case !stream:
		return "application/json"
	case p == v1alpha1.ProtocolOllama:
		return "application/x-ndjson"
	default:
		return "text/event-stream"
	}
}

type framing int

const (
	// framingNone is a single JSON document and never gets an error chunk.
	framingNone framing = iota
	framingSSE
	framingNDJSON
)

func framingFor(contentType string) framing {
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		return framingSSE
	case strings.HasPrefix(contentType, "application/x-ndjson"):
		return framingNDJSON
	default:
		return framingNone
	}
}

// writeErrorChunk appends one error record framed like the stream it interrupts.
func writeErrorChunk(w io.Writer, f framing, msg string) {
	chunk, _ := json.Marshal(types.ErrorChunk{Error: msg})
	var err error
	if f == framingSSE {
		_, err = fmt.Fprintf(w, "\ndata: %s\n\n", chunk)
	} else {
		_, err = fmt.Fprintf(w, "\n%s\n", chunk)
	}
	if err != nil {
		klog.V(2).Infof("Failed to write error chunk: %v", err)
	}
}
