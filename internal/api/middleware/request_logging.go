package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modelrelay/modelrelay/internal/logging"
)

// maxCapturedRequestBody caps how much of a request body the exchange log
// keeps. Conversations past this size are truncated in the log only; the
// handler still sees the full body.
const maxCapturedRequestBody = 4 << 20

// RequestLogging captures full exchanges for the relay API endpoints when
// the request log is enabled. The request body is read once here and
// replayed to the handler chain.
func RequestLogging(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if logger == nil || !logger.IsEnabled() || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			_ = c.Request.Body.Close()
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		captured := body
		if len(captured) > maxCapturedRequestBody {
			captured = captured[:maxCapturedRequestBody]
		}

		exchange := &logging.Exchange{
			RequestID:     logging.GinRequestID(c),
			Method:        c.Request.Method,
			URL:           c.Request.URL.String(),
			RequestHeader: c.Request.Header.Clone(),
			RequestBody:   captured,
			Timestamp:     time.Now(),
		}
		capture := newResponseCapture(c.Writer, logger, exchange)
		c.Writer = capture

		c.Next()

		capture.finalize()
	}
}
