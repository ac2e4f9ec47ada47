package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// ChatCompletions handles POST /v1/chat/completions. The stream flag in the
// request body selects between a single JSON response and server-sent events.
func (h *Handler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Message: fmt.Sprintf("Invalid request: %v", err),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		h.handleStreamingResponse(c, rawJSON)
	} else {
		h.handleNonStreamingResponse(c, rawJSON)
	}
}

func (h *Handler) handleNonStreamingResponse(c *gin.Context, rawJSON []byte) {
	body, err := h.service.Execute(c.Request.Context(), rawJSON)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "application/json")
	_, _ = c.Writer.Write(body)
}

// handleStreamingResponse forwards translated stream chunks as SSE. Headers
// are committed only after the first successful chunk, so failures that
// happen before any data keep their proper HTTP status and JSON body.
func (h *Handler) handleStreamingResponse(c *gin.Context, rawJSON []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Message: "Streaming not supported",
				Type:    "server_error",
			},
		})
		return
	}

	ctx := c.Request.Context()
	chunks, err := h.service.ExecuteStream(ctx, rawJSON)
	if err != nil {
		writeError(c, err)
		return
	}

	setSSEHeaders := func() {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("Access-Control-Allow-Origin", "*")
	}

	// Peek at the first chunk before committing to streaming headers.
	select {
	case <-ctx.Done():
		return
	case chunk, open := <-chunks:
		if !open {
			setSSEHeaders()
			c.Writer.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if chunk.Err != nil {
			writeError(c, chunk.Err)
			return
		}
		setSSEHeaders()
		c.Writer.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk.Payload)
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-chunks:
			if !open {
				return
			}
			if chunk.Err != nil {
				// Headers already went out; the best remaining signal is an
				// error event followed by stream termination.
				body := BuildErrorResponseBody(errorStatus(chunk.Err), errorText(chunk.Err))
				_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", body)
				_, _ = fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk.Payload)
			flusher.Flush()
		}
	}
}
