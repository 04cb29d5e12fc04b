package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	klog "k8s.io/klog/v2"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/metrics"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/proxy"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/types"
)

const (
	RequestIDHeader = "X-Request-Id"

	maxBodyBytes = 16 << 20
	// statusClientClosedRequest is only used as a metrics label for callers that left.
	statusClientClosedRequest = 499
	ownedBy                   = "inference-gateway"
)

type Scheduler interface {
	Route(ctx context.Context, model string) (*scheduling.Decision, error)
	Models() []string
}

type Forwarder interface {
	Forward(ctx context.Context, d *scheduling.Decision, req *types.ChatRequest, w http.ResponseWriter) error
}

// BackendLister is an interface to provide snapshots of the backends for operators.
type BackendLister interface {
	List() []*backend.Backend
}

func NewHTTPServer(scheduler Scheduler, forwarder Forwarder, backends BackendLister, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {
	return &HTTPServer{
		scheduler: scheduler,
		forwarder: forwarder,
		backends:  backends,
		metrics:   m,
		gatherer:  gatherer,
		started:   time.Now(),
	}
}

// HTTPServer is the client facing HTTP surface. It accepts both OpenAI and Ollama native
// chat requests and proxies them to the routed backend itself.
type HTTPServer struct {
	scheduler Scheduler
	forwarder Forwarder
	backends  BackendLister
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	started   time.Time
}

// Handler returns the routes of the gateway.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Get("/health", s.health)
	r.Get("/v1/models", s.listModels)
	r.Get("/models", s.listModels)
	r.Get("/api/tags", s.listTags)
	r.Get("/backends", s.listBackends)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/v1/chat/completions", s.chat(ShapeOpenAI))
	r.Post("/api/chat", s.chat(ShapeOllama))
	r.Post("/chat", s.chat(ShapeAuto))
	return r
}

// requestID tags every request with an id, reusing the caller's when present, and puts a
// logger carrying it in the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		logger := klog.FromContext(r.Context()).WithValues("requestID", id)
		next.ServeHTTP(w, r.WithContext(klog.NewContext(r.Context(), logger)))
	})
}

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) listModels(w http.ResponseWriter, r *http.Request) {
	list := types.ModelList{Object: "list", Data: []types.Model{}}
	for _, id := range s.scheduler.Models() {
		list.Data = append(list.Data, types.Model{ID: id, Object: "model", Created: s.started.Unix(), OwnedBy: ownedBy})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) listTags(w http.ResponseWriter, r *http.Request) {
	tags := types.TagList{Models: []types.Tag{}}
	for _, id := range s.scheduler.Models() {
		tags.Models = append(tags.Models, types.Tag{Name: id, Model: id})
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *HTTPServer) listBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backends": s.backends.List()})
}

func (s *HTTPServer) chat(shape Shape) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		logger := klog.FromContext(ctx)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.fail(w, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
		req, err := Normalize(shape, body)
		if err != nil {
			logger.V(2).Info("Rejecting malformed request", "err", err)
			s.fail(w, "", err)
			return
		}

		d, err := s.scheduler.Route(ctx, req.Model)
		if err != nil {
			logger.Info("Routing failed", "model", req.Model, "err", err)
			s.fail(w, req.Model, err)
			return
		}
		logger.V(2).Info("Routing request", "model", req.Model, "backend", d.Address, "protocol", d.Protocol, "stream", req.Stream)

		code := http.StatusOK
		if err := s.forwarder.Forward(ctx, d, req, w); err != nil {
			code = StatusForError(err)
			logger.V(1).Info("Request failed", "model", req.Model, "backend", d.Address, "err", err)
		}
		s.metrics.ObserveRequest(metrics.SurfaceHTTP, req.Model, d.Address, code, time.Since(start))
	}
}

// fail writes err as an API error for a request that never reached a backend.
func (s *HTTPServer) fail(w http.ResponseWriter, model string, err error) {
	code := StatusForError(err)
	types.WriteError(w, code, APIErrorFor(model, err))
	s.metrics.ObserveRoutingFailure(reasonForError(err))
	s.metrics.ObserveRequest(metrics.SurfaceHTTP, model, "", code, 0)
}

// StatusForError maps gateway errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduling.ErrNoBackendForModel):
		return http.StatusNotFound
	case errors.Is(err, scheduling.ErrNoHealthyBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, proxy.ErrBackendTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, proxy.ErrBackendStatus), errors.Is(err, proxy.ErrBackendUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// APIErrorFor builds the error body for a request rejected before proxying.
func APIErrorFor(model string, err error) *types.APIError {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return types.InvalidRequestError(err.Error())
	case errors.Is(err, scheduling.ErrNoBackendForModel):
		return types.ModelNotFoundError(fmt.Sprintf("Model '%s' not found. This gateway only routes explicitly mapped models.", model))
	case errors.Is(err, scheduling.ErrNoHealthyBackend):
		return types.UnavailableError(fmt.Sprintf("No healthy backend available for model '%s'.", model))
	default:
		return types.ServerError("Internal gateway error")
	}
}

func reasonForError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, scheduling.ErrNoBackendForModel):
		return "model_not_found"
	case errors.Is(err, scheduling.ErrNoHealthyBackend):
		return "no_healthy_backend"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).Infof("Failed to write response: %v", err)
	}
}
