// Package middleware provides the gin middleware the relay server mounts:
// client API key authentication and optional request/response capture for
// the on-disk request log.
package middleware

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/logging"
)

// responseCapture wraps gin's ResponseWriter to record what the relay sends
// back. Non-streaming bodies buffer in memory; streaming bodies are handed
// chunk by chunk to the request log as they reach the client, so capture
// never delays delivery.
type responseCapture struct {
	gin.ResponseWriter
	logger    logging.RequestLogger
	exchange  *logging.Exchange
	started   time.Time
	body      bytes.Buffer
	streaming bool
	stream    logging.StreamingLogWriter
	status    int
}

func newResponseCapture(w gin.ResponseWriter, logger logging.RequestLogger, exchange *logging.Exchange) *responseCapture {
	return &responseCapture{
		ResponseWriter: w,
		logger:         logger,
		exchange:       exchange,
		started:        time.Now(),
	}
}

// WriteHeader detects streaming responses by content type at commit time and
// opens the streaming log before the first byte goes out.
func (w *responseCapture) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		contentType := w.Header().Get("Content-Type")
		if strings.HasPrefix(contentType, "text/event-stream") {
			w.streaming = true
			if sw, err := w.logger.OpenStream(w.exchange); err == nil && sw != nil {
				w.stream = sw
			}
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseCapture) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	if w.streaming {
		if w.stream != nil && n > 0 {
			w.stream.WriteChunk(data[:n])
		}
	} else if n > 0 {
		w.body.Write(data[:n])
	}
	return n, err
}

func (w *responseCapture) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// finalize closes the capture after the handler chain returns: streaming
// logs get their trailer, everything else is written as one exchange record.
func (w *responseCapture) finalize() {
	status := w.status
	if status == 0 {
		status = w.ResponseWriter.Status()
	}
	duration := time.Since(w.started)
	if w.streaming {
		if w.stream != nil {
			w.stream.Close(status, w.Header().Clone(), duration)
		}
		return
	}
	w.exchange.Status = status
	w.exchange.ResponseHeader = w.Header().Clone()
	w.exchange.ResponseBody = w.body.Bytes()
	w.exchange.Duration = duration
	if err := w.logger.LogExchange(w.exchange); err != nil {
		log.Debugf("request log: write exchange: %v", err)
	}
}
