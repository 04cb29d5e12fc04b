package handlers

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/types"
)

func ptr[T any](v T) *T { return &v }

func TestDetectShape(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Shape
	}{
		{name: "options means ollama", body: `{"model":"m","messages":[],"options":{"temperature":1}}`, want: ShapeOllama},
		{name: "openai only field", body: `{"model":"m","messages":[],"max_tokens":5}`, want: ShapeOpenAI},
		{name: "options wins over openai fields", body: `{"model":"m","temperature":1,"options":{}}`, want: ShapeOllama},
		{name: "bare request is ollama", body: `{"model":"m","messages":[]}`, want: ShapeOllama},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := DetectShape([]byte(test.body)); got != test.want {
				t.Errorf("DetectShape: got %v, want %v", got, test.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	hi := []types.ChatMessage{{Role: "user", Content: "hi"}}
	tests := []struct {
		name    string
		shape   Shape
		body    string
		want    *types.ChatRequest
		wantErr bool
	}{
		{
			name:  "openai",
			shape: ShapeOpenAI,
			body:  `{"model":"llama3:8b","messages":[{"role":"user","content":"hi"}],"temperature":0.5,"max_tokens":10,"stop":"END"}`,
			want: &types.ChatRequest{
				Model:       "llama3:8b",
				Messages:    hi,
				Temperature: ptr(0.5),
				MaxTokens:   ptr(10),
				Stop:        []string{"END"},
			},
		},
		{
			name:  "openai stream and json format",
			shape: ShapeOpenAI,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true,"response_format":{"type":"json_object"}}`,
			want:  &types.ChatRequest{Model: "m", Messages: hi, Stream: true, Format: "json"},
		},
		{
			name:  "ollama streams by default",
			shape: ShapeOllama,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}],"options":{"num_predict":20,"top_p":0.9,"stop":["a","b"]}}`,
			want: &types.ChatRequest{
				Model:     "m",
				Messages:  hi,
				Stream:    true,
				TopP:      ptr(0.9),
				MaxTokens: ptr(20),
				Stop:      []string{"a", "b"},
			},
		},
		{
			name:  "ollama explicit no stream",
			shape: ShapeOllama,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":false,"keep_alive":"5m"}`,
			want:  &types.ChatRequest{Model: "m", Messages: hi, KeepAlive: "5m"},
		},
		{
			name:  "auto detects openai",
			shape: ShapeAuto,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":3}`,
			want:  &types.ChatRequest{Model: "m", Messages: hi, MaxTokens: ptr(3)},
		},
		{
			name:  "auto detects ollama without streaming",
			shape: ShapeAuto,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			want:  &types.ChatRequest{Model: "m", Messages: hi},
		},
		{
			name:  "auto detected ollama options without stream",
			shape: ShapeAuto,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}],"options":{"num_predict":5}}`,
			want:  &types.ChatRequest{Model: "m", Messages: hi, MaxTokens: ptr(5)},
		},
		{
			name:  "auto detected ollama explicit stream",
			shape: ShapeAuto,
			body:  `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`,
			want:  &types.ChatRequest{Model: "m", Messages: hi, Stream: true},
		},
		{name: "not json", shape: ShapeOpenAI, body: `{"model":`, wantErr: true},
		{name: "not an object", shape: ShapeOpenAI, body: `["model"]`, wantErr: true},
		{name: "missing model", shape: ShapeOpenAI, body: `{"messages":[{"role":"user","content":"hi"}]}`, wantErr: true},
		{name: "model not a string", shape: ShapeOllama, body: `{"model":7,"messages":[{"role":"user","content":"hi"}]}`, wantErr: true},
		{name: "no messages", shape: ShapeOpenAI, body: `{"model":"m","messages":[]}`, wantErr: true},
		{name: "bad field type", shape: ShapeOpenAI, body: `{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":"lots"}`, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Normalize(test.shape, []byte(test.body))
			if test.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("Unexpected error, got %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Unexpected output (-want +got): %v", diff)
			}
		})
	}
}
