package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/citadel-ai/inference-gateway/pkg/gateway/types"
)

// ErrInvalidRequest means the request body could not be understood.
var ErrInvalidRequest = errors.New("invalid request")

// Shape is the wire shape of an inbound chat request.
type Shape int

const (
	// ShapeAuto detects the shape from the body.
	ShapeAuto Shape = iota
	ShapeOpenAI
	ShapeOllama
)

func (s Shape) String() string {
	switch s {
	case ShapeOpenAI:
		return "openai"
	case ShapeOllama:
		return "ollama"
	default:
		return "auto"
	}
}

// Fields only an OpenAI chat completion request carries.
var openAIOnlyFields = []string{
	"max_tokens", "max_completion_tokens", "temperature", "top_p", "n", "stop",
	"stream_options", "response_format", "tools", "tool_choice", "seed",
	"presence_penalty", "frequency_penalty", "logit_bias", "user",
}

// DetectShape classifies a chat request body. A body with "options" is Ollama native, as
// is one with none of the OpenAI only fields.
func DetectShape(body []byte) Shape {
	if gjson.GetBytes(body, "options").Exists() {
		return ShapeOllama
	}
	for _, r := range gjson.GetManyBytes(body, openAIOnlyFields...) {
		if r.Exists() {
			return ShapeOpenAI
		}
	}
	return ShapeOllama
}

// ShapeForPath returns the shape implied by a request path.
func ShapeForPath(path string) Shape {
	switch {
	case strings.HasSuffix(path, "/v1/chat/completions"):
		return ShapeOpenAI
	case strings.HasSuffix(path, "/api/chat"):
		return ShapeOllama
	default:
		return ShapeAuto
	}
}

// Normalize parses body in the given shape into a ChatRequest. ShapeAuto detects the
// shape first, and an auto detected request that does not set "stream" does not stream
// whatever its shape. Errors wrap ErrInvalidRequest.
func Normalize(shape Shape, body []byte) (*types.ChatRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidRequest)
	}
	if model := gjson.GetBytes(body, "model"); model.Type != gjson.String || model.String() == "" {
		return nil, fmt.Errorf("%w: \"model\" must be a non-empty string", ErrInvalidRequest)
	}
	auto := shape == ShapeAuto
	if auto {
		shape = DetectShape(body)
	}

	var (
		req *types.ChatRequest
		err error
	)
	switch shape {
	case ShapeOllama:
		req, err = fromOllama(body)
	default:
		req, err = fromOpenAI(body)
	}
	if err != nil {
		return nil, err
	}
	if auto && !gjson.GetBytes(body, "stream").Exists() {
		req.Stream = false
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: \"messages\" must not be empty", ErrInvalidRequest)
	}
	return req, nil
}

func fromOpenAI(body []byte) (*types.ChatRequest, error) {
	var in types.ChatCompletionRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req := &types.ChatRequest{
		Model:       in.Model,
		Messages:    in.Messages,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		MaxTokens:   in.MaxTokens,
		Stop:        in.Stop,
		Seed:        in.Seed,
	}
	if t, _ := in.ResponseFmt["type"].(string); t == "json_object" {
		req.Format = "json"
	}
	return req, nil
}

func fromOllama(body []byte) (*types.ChatRequest, error) {
	var in types.OllamaChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req := &types.ChatRequest{
		Model:    in.Model,
		Messages: in.Messages,
		// Ollama streams unless told otherwise.
		Stream:    in.Stream == nil || *in.Stream,
		Format:    in.Format,
		KeepAlive: in.KeepAlive,
	}
	if o := in.Options; o != nil {
		req.Temperature = o.Temperature
		req.TopP = o.TopP
		req.MaxTokens = o.NumPredict
		req.Stop = o.Stop
		req.Seed = o.Seed
	}
	return req, nil
}
