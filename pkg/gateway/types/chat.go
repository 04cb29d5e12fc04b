// Package types holds the chat request shapes the gateway accepts and emits, and the
// OpenAI-style error body used for every error response.
package types

import (
	"encoding/json"
	"fmt"
)

// ChatRequest is the protocol independent form of a chat request. Handlers build it from
// either inbound shape; the proxy renders it into the chosen backend's shape.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
	Stream   bool

	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
	Seed        *int
	// Format is a requested response format, such as "json". Ollama only.
	Format any
	// KeepAlive controls how long Ollama keeps the model loaded. Ollama only.
	KeepAlive any
}

// ChatMessage is a message in a chat conversation. Content is a string or, for
// multi-modal OpenAI requests, a list of content parts; it is passed through untouched.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content any      `json:"content"`
	Name    string   `json:"name,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// ChatCompletionRequest is an OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []ChatMessage  `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Stop        StopSequences  `json:"stop,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Seed        *int           `json:"seed,omitempty"`
	ResponseFmt map[string]any `json:"response_format,omitempty"`
}

// OllamaChatRequest is an Ollama native /api/chat request.
type OllamaChatRequest struct {
	Model     string         `json:"model"`
	Messages  []ChatMessage  `json:"messages"`
	Stream    *bool          `json:"stream,omitempty"`
	Options   *OllamaOptions `json:"options,omitempty"`
	Format    any            `json:"format,omitempty"`
	KeepAlive any            `json:"keep_alive,omitempty"`
}

// OllamaOptions are the model parameters of an Ollama request.
type OllamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// StopSequences accepts either a single string or a list of strings.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

// ToOpenAI renders r as an OpenAI chat completion request.
func (r *ChatRequest) ToOpenAI() *ChatCompletionRequest {
	out := &ChatCompletionRequest{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
		Stop:        r.Stop,
		MaxTokens:   r.MaxTokens,
		Seed:        r.Seed,
	}
	if f, ok := r.Format.(string); ok && f == "json" {
		out.ResponseFmt = map[string]any{"type": "json_object"}
	}
	return out
}

// ToOllama renders r as an Ollama native chat request.
func (r *ChatRequest) ToOllama() *OllamaChatRequest {
	stream := r.Stream
	out := &OllamaChatRequest{
		Model:     r.Model,
		Messages:  r.Messages,
		Stream:    &stream,
		Format:    r.Format,
		KeepAlive: r.KeepAlive,
	}
	if r.Temperature != nil || r.TopP != nil || r.MaxTokens != nil || len(r.Stop) > 0 || r.Seed != nil {
		out.Options = &OllamaOptions{
			Temperature: r.Temperature,
			TopP:        r.TopP,
			NumPredict:  r.MaxTokens,
			Stop:        r.Stop,
			Seed:        r.Seed,
		}
	}
	return out
}

// ModelList is the OpenAI /v1/models response.
type ModelList struct {
	Object string  `json:"object"` // list
	Data   []Model `json:"data"`
}

// Model is one entry of a ModelList.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // model
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// TagList is the Ollama /api/tags response.
type TagList struct {
	Models []Tag `json:"models"`
}

type Tag struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}
