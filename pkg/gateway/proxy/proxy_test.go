package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/citadel-ai/inference-gateway/api/v1alpha1"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/backend"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/scheduling"
	"github.com/citadel-ai/inference-gateway/pkg/gateway/types"
)

func newBackend(t *testing.T, h http.HandlerFunc) (string, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	return strings.TrimPrefix(srv.URL, "http://"), srv.Close
}

func ptr[T any](v T) *T { return &v }

func TestForward(t *testing.T) {
	tests := []struct {
		name      string
		protocol  v1alpha1.Protocol
		req       *types.ChatRequest
		handler   func(t *testing.T) http.HandlerFunc
		wantCode  int
		wantBody  string
		wantErr   error
		wantState *backend.Backend
	}{
		{
			name:     "openai, not streaming",
			protocol: v1alpha1.ProtocolOpenAI,
			req:      &types.ChatRequest{Model: "m1", Messages: []types.ChatMessage{{Role: "user", Content: "hi"}}, MaxTokens: ptr(8)},
			handler: func(t *testing.T) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Path != OpenAIChatPath {
						t.Errorf("Path: got %q, want %q", r.URL.Path, OpenAIChatPath)
					}
					var got types.ChatCompletionRequest
					if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
						t.Error(err)
					}
					want := types.ChatCompletionRequest{Model: "m1", Messages: []types.ChatMessage{{Role: "user", Content: "hi"}}, MaxTokens: ptr(8)}
					if diff := cmp.Diff(want, got); diff != "" {
						t.Errorf("Unexpected backend request (-want +got): %v", diff)
					}
					w.Header().Set("Content-Type", "application/json")
					_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion"}`)
				}
			},
			wantCode:  http.StatusOK,
			wantBody:  `{"id":"x","object":"chat.completion"}`,
			wantState: &backend.Backend{Health: backend.Healthy},
		},
		{
			name:     "ollama, streaming",
			protocol: v1alpha1.ProtocolOllama,
			req:      &types.ChatRequest{Model: "llama3", Stream: true, Temperature: ptr(0.2), MaxTokens: ptr(16)},
			handler: func(t *testing.T) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Path != OllamaChatPath {
						t.Errorf("Path: got %q, want %q", r.URL.Path, OllamaChatPath)
					}
					var got types.OllamaChatRequest
					if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
						t.Error(err)
					}
					want := types.OllamaChatRequest{
						Model:   "llama3",
						Stream:  ptr(true),
						Options: &types.OllamaOptions{Temperature: ptr(0.2), NumPredict: ptr(16)},
					}
					if diff := cmp.Diff(want, got); diff != "" {
						t.Errorf("Unexpected backend request (-want +got): %v", diff)
					}
					w.Header().Set("Content-Type", "application/x-ndjson")
					_, _ = io.WriteString(w, "{\"done\":false}\n")
					w.(http.Flusher).Flush()
					_, _ = io.WriteString(w, "{\"done\":true}\n")
				}
			},
			wantCode:  http.StatusOK,
			wantBody:  "{\"done\":false}\n{\"done\":true}\n",
			wantState: &backend.Backend{Health: backend.Healthy},
		},
		{
			name:     "backend error status",
			protocol: v1alpha1.ProtocolOpenAI,
			req:      &types.ChatRequest{Model: "m1", Stream: true},
			handler: func(t *testing.T) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "boom", http.StatusInternalServerError)
				}
			},
			wantCode:  http.StatusBadGateway,
			wantBody:  `{"error":{"message":"Backend error: 500","type":"backend_error","code":null}}` + "\n",
			wantErr:   ErrBackendStatus,
			wantState: &backend.Backend{Health: backend.Unknown, ConsecutiveFailures: 1},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			addr, closeFn := newBackend(t, test.handler(t))
			defer closeFn()
			r := backend.NewRegistry()
			r.Register(addr)
			p := New(r)

			rec := httptest.NewRecorder()
			d := &scheduling.Decision{Model: test.req.Model, Address: addr, Protocol: test.protocol}
			err := p.Forward(context.Background(), d, test.req, rec)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Unexpected error, got %v, want %v", err, test.wantErr)
			}
			if rec.Code != test.wantCode {
				t.Errorf("Status: got %d, want %d", rec.Code, test.wantCode)
			}
			if diff := cmp.Diff(test.wantBody, rec.Body.String()); diff != "" {
				t.Errorf("Unexpected body (-want +got): %v", diff)
			}
			test.wantState.Address = addr
			assertState(t, r, test.wantState)
		})
	}
}

func TestForwardUnreachable(t *testing.T) {
	addr, closeFn := newBackend(t, http.NotFound)
	closeFn()
	r := backend.NewRegistry()
	r.Register(addr)

	rec := httptest.NewRecorder()
	err := New(r).Forward(context.Background(), &scheduling.Decision{Address: addr}, &types.ChatRequest{Model: "m"}, rec)
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("Unexpected error, got %v, want %v", err, ErrBackendUnreachable)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Status: got %d, want %d", rec.Code, http.StatusBadGateway)
	}
	assertState(t, r, &backend.Backend{Address: addr, Health: backend.Unknown, ConsecutiveFailures: 1})
}

func TestForwardRequestTimeout(t *testing.T) {
	done := make(chan struct{})
	addr, closeFn := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	})
	defer closeFn()
	defer close(done)
	r := backend.NewRegistry()
	r.Register(addr)

	rec := httptest.NewRecorder()
	p := New(r, WithRequestTimeout(50*time.Millisecond))
	err := p.Forward(context.Background(), &scheduling.Decision{Address: addr}, &types.ChatRequest{Model: "m"}, rec)
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("Unexpected error, got %v, want %v", err, ErrBackendTimeout)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("Status: got %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	assertState(t, r, &backend.Backend{Address: addr, Health: backend.Unknown, ConsecutiveFailures: 1})
}

// The backend sends part of a stream and then stalls: the caller keeps the partial
// bytes followed by one error chunk, the failure is recorded, and the slot is released.
// A plain JSON body gets no chunk appended.
func TestForwardStreamStalls(t *testing.T) {
	tests := []struct {
		name        string
		protocol    v1alpha1.Protocol
		contentType string
		partial     string
		wantTail    string
	}{
		{
			name:        "sse",
			protocol:    v1alpha1.ProtocolOpenAI,
			contentType: "text/event-stream",
			partial:     "data: {\"choices\":[]}\n\n",
			wantTail:    "\ndata: {\"error\":\"Backend timed out\"}\n\n",
		},
		{
			name:        "ndjson",
			protocol:    v1alpha1.ProtocolOllama,
			contentType: "application/x-ndjson",
			partial:     "{\"done\":false}\n",
			wantTail:    "\n{\"error\":\"Backend timed out\"}\n",
		},
		{
			name:        "json",
			protocol:    v1alpha1.ProtocolOpenAI,
			contentType: "application/json",
			partial:     "{\"object\":\"chat.completion\",",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			done := make(chan struct{})
			addr, closeFn := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", test.contentType)
				_, _ = io.WriteString(w, test.partial)
				w.(http.Flusher).Flush()
				select {
				case <-r.Context().Done():
				case <-done:
				}
			})
			defer closeFn()
			defer close(done)
			r := backend.NewRegistry(backend.WithFailureThreshold(1))
			r.Register(addr)

			rec := httptest.NewRecorder()
			p := New(r, WithStreamIdleTimeout(50*time.Millisecond))
			d := &scheduling.Decision{Address: addr, Protocol: test.protocol}
			err := p.Forward(context.Background(), d, &types.ChatRequest{Model: "m", Stream: true}, rec)
			if !errors.Is(err, ErrBackendTimeout) {
				t.Fatalf("Unexpected error, got %v, want %v", err, ErrBackendTimeout)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("Status: got %d, want %d", rec.Code, http.StatusOK)
			}
			if diff := cmp.Diff(test.partial+test.wantTail, rec.Body.String()); diff != "" {
				t.Errorf("Unexpected body (-want +got): %v", diff)
			}
			assertState(t, r, &backend.Backend{Address: addr, Health: backend.Unhealthy, ConsecutiveFailures: 1})
		})
	}
}

func TestForwardCallerCancels(t *testing.T) {
	started := make(chan struct{})
	done := make(chan struct{})
	addr, closeFn := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-r.Context().Done():
		case <-done:
		}
	})
	defer closeFn()
	defer close(done)
	r := backend.NewRegistry()
	r.Register(addr)
	p := New(r)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Forward(ctx, &scheduling.Decision{Address: addr}, &types.ChatRequest{Model: "m", Stream: true}, httptest.NewRecorder())
	}()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Unexpected error, got %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Forward did not return after the caller cancelled")
	}
	// No outcome: the backend did not fail.
	assertState(t, r, &backend.Backend{Address: addr, Health: backend.Unknown})
}

func assertState(t *testing.T, r *backend.Registry, want *backend.Backend) {
	t.Helper()
	got, err := r.Get(want.Address)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(backend.Backend{}, "LastProbe", "LastProbeLatency")); diff != "" {
		t.Errorf("Unexpected backend state (-want +got): %v", diff)
	}
}
