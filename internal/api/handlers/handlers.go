// Package handlers implements the relay's client-facing HTTP endpoints:
// chat completions in both unary and streaming form, the model listing and
// the health probe. Responses and errors follow the OpenAI wire format.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/modelrelay/modelrelay/internal/canonical"
	"github.com/modelrelay/modelrelay/internal/chunking"
	"github.com/modelrelay/modelrelay/internal/relay"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Handler serves the relay API on top of the routing service.
type Handler struct {
	service *relay.Service
}

// New builds the API handler set.
func New(service *relay.Service) *Handler {
	return &Handler{service: service}
}

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// BuildErrorResponseBody builds an OpenAI-compatible JSON error body. When
// errText is itself valid JSON it is returned unchanged, preserving upstream
// error payloads for the client.
func BuildErrorResponseBody(status int, errText string) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	if strings.TrimSpace(errText) == "" {
		errText = http.StatusText(status)
	}

	trimmed := strings.TrimSpace(errText)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed)
	}

	errType := "invalid_request_error"
	var code string
	switch status {
	case http.StatusUnauthorized:
		errType = "authentication_error"
		code = "invalid_api_key"
	case http.StatusForbidden:
		errType = "permission_error"
		code = "insufficient_quota"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
		code = "rate_limit_exceeded"
	case http.StatusNotFound:
		errType = "invalid_request_error"
		code = "model_not_found"
	default:
		if status >= http.StatusInternalServerError {
			errType = "server_error"
			code = "internal_server_error"
		}
	}

	payload, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Message: errText,
			Type:    errType,
			Code:    code,
		},
	})
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":{"message":%q,"type":"server_error","code":"internal_server_error"}}`, errText))
	}
	return payload
}

// errorStatus maps a pipeline error to the client-facing HTTP status.
// Validation failures are the client's fault, upstream statuses pass through
// unchanged (wrapped chunk errors included), timeouts become 504.
func errorStatus(err error) int {
	var validation *canonical.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	var status upstream.StatusError
	if errors.As(err, &status) {
		return status.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// errorText picks the message carried to the client. Chunked failures name
// the chunk that failed; plain upstream failures keep the upstream body so
// original error payloads survive the relay.
func errorText(err error) string {
	var chunkErr *chunking.ChunkError
	if errors.As(err, &chunkErr) {
		return err.Error()
	}
	var status upstream.StatusError
	if errors.As(err, &status) && strings.TrimSpace(status.Msg) != "" {
		return status.Msg
	}
	return err.Error()
}

// writeError renders err as an OpenAI-style JSON error response.
func writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	body := BuildErrorResponseBody(status, errorText(err))
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(status)
	_, _ = c.Writer.Write(body)
}
