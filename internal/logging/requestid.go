package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestIDFieldKey is the logrus field and gin context key carrying the
// per-request identifier.
const RequestIDFieldKey = "request_id"

type requestIDContextKey struct{}

// GenerateRequestID returns a short random identifier used to correlate
// every log line produced while serving one request.
func GenerateRequestID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%08x", uint32(time.Now().UnixNano()))
	}
	return hex.EncodeToString(buf)
}

// ContextWithRequestID stores the identifier on a context for code that
// runs outside a gin handler, such as upstream retries.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the identifier stored by
// ContextWithRequestID, or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// SetGinRequestID attaches the identifier to the gin context and to the
// underlying request context so both lookup paths work.
func SetGinRequestID(c *gin.Context, requestID string) {
	if c == nil {
		return
	}
	c.Set(RequestIDFieldKey, requestID)
	if c.Request != nil {
		c.Request = c.Request.WithContext(ContextWithRequestID(c.Request.Context(), requestID))
	}
}

// GinRequestID returns the identifier attached by SetGinRequestID, or ""
// when the request-id middleware has not run.
func GinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if value, exists := c.Get(RequestIDFieldKey); exists {
		if requestID, ok := value.(string); ok {
			return requestID
		}
	}
	if c.Request != nil {
		return RequestIDFromContext(c.Request.Context())
	}
	return ""
}
