package types

import (
	"encoding/json"
	"net/http"

	klog "k8s.io/klog/v2"
)

// APIError represents an OpenAI API error response.
type APIError struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Code    *string `json:"code"`
}

// Common error types
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeNotFound       = "not_found_error"
	ErrorTypeUnavailable    = "service_unavailable_error"
	ErrorTypeBackend        = "backend_error"
	ErrorTypeTimeout        = "timeout_error"
	ErrorTypeServer         = "server_error"
)

func NewAPIError(message, errType string, code *string) *APIError {
	return &APIError{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	}
}

func InvalidRequestError(message string) *APIError {
	return NewAPIError(message, ErrorTypeInvalidRequest, nil)
}

func ModelNotFoundError(message string) *APIError {
	code := "model_not_found"
	return NewAPIError(message, ErrorTypeNotFound, &code)
}

func UnavailableError(message string) *APIError {
	code := "no_healthy_backend"
	return NewAPIError(message, ErrorTypeUnavailable, &code)
}

func BackendError(message string) *APIError {
	return NewAPIError(message, ErrorTypeBackend, nil)
}

func TimeoutError(message string) *APIError {
	return NewAPIError(message, ErrorTypeTimeout, nil)
}

func ServerError(message string) *APIError {
	return NewAPIError(message, ErrorTypeServer, nil)
}

// WriteError writes an API error to the response writer.
func WriteError(w http.ResponseWriter, statusCode int, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		klog.V(2).Infof("Failed to write error response: %v", encErr)
	}
}

// ErrorChunk is appended to a response that is already streaming when the backend fails
// mid-stream; the status line has been sent so the error travels in the body.
type ErrorChunk struct {
	Error string `json:"error"`
}
