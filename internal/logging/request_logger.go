package logging

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// RequestLogger records complete HTTP exchanges to disk for debugging
// translation issues. It is opt-in via the request-log config switch.
type RequestLogger interface {
	// IsEnabled reports whether exchanges should be captured at all.
	IsEnabled() bool

	// LogExchange writes one finished non-streaming exchange.
	LogExchange(entry *Exchange) error

	// OpenStream starts a log for a streaming exchange. Chunks are appended
	// as they are sent to the client; Close finalizes the file.
	OpenStream(entry *Exchange) (StreamingLogWriter, error)
}

// StreamingLogWriter appends streamed response chunks to an exchange log.
// WriteChunk must never block the response path; writes go through a
// buffered channel drained by a background goroutine.
type StreamingLogWriter interface {
	WriteChunk(data []byte)
	Close(status int, header http.Header, duration time.Duration)
}

// Exchange is one captured request/response pair.
type Exchange struct {
	RequestID      string
	Method         string
	URL            string
	RequestHeader  http.Header
	RequestBody    []byte
	Status         int
	ResponseHeader http.Header
	ResponseBody   []byte
	Duration       time.Duration
	Timestamp      time.Time
}

// FileRequestLogger writes one file per exchange under dir. Files are named
// <timestamp>_<sanitized-path>_<request-id>.log so a directory listing sorts
// chronologically.
type FileRequestLogger struct {
	mu      sync.RWMutex
	enabled bool
	dir     string
}

// NewFileRequestLogger builds a logger writing under dir when enabled.
func NewFileRequestLogger(enabled bool, dir string) *FileRequestLogger {
	return &FileRequestLogger{enabled: enabled, dir: dir}
}

// IsEnabled implements RequestLogger.
func (l *FileRequestLogger) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// SetEnabled flips capture on or off; called on config reload.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// LogExchange implements RequestLogger.
func (l *FileRequestLogger) LogExchange(entry *Exchange) error {
	if !l.IsEnabled() || entry == nil {
		return nil
	}
	path, err := l.logFilePath(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create request log: %w", err)
	}
	defer func() { _ = f.Close() }()

	writeExchangeHeader(f, entry)
	fmt.Fprintf(f, "=== RESPONSE (status %d, %s) ===\n", entry.Status, entry.Duration.Truncate(time.Millisecond))
	writeHeaderBlock(f, entry.ResponseHeader)
	body := decodeResponseBody(entry.ResponseHeader, entry.ResponseBody)
	_, _ = f.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, _ = f.Write([]byte("\n"))
	}
	return nil
}

// OpenStream implements RequestLogger. It returns a nil writer without error
// when logging is disabled; callers should fall back to NopStreamWriter.
func (l *FileRequestLogger) OpenStream(entry *Exchange) (StreamingLogWriter, error) {
	if !l.IsEnabled() || entry == nil {
		return nil, nil
	}
	path, err := l.logFilePath(entry)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create request log: %w", err)
	}
	writeExchangeHeader(f, entry)
	fmt.Fprintf(f, "=== RESPONSE STREAM ===\n")

	w := &fileStreamWriter{file: f, chunks: make(chan []byte, 256), done: make(chan struct{})}
	go w.drain()
	return w, nil
}

func (l *FileRequestLogger) logFilePath(entry *Exchange) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create request log directory: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%s.log",
		ts.Format("20060102-150405.000"),
		sanitizeForFilename(entry.URL),
		entry.RequestID)
	return filepath.Join(l.dir, name), nil
}

// sanitizeForFilename keeps the URL path recognizable while staying a legal
// file name on every platform.
func sanitizeForFilename(rawURL string) string {
	s := rawURL
	if idx := strings.Index(s, "?"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return "root"
	}
	replacer := strings.NewReplacer("/", "_", ":", "_", "\\", "_", " ", "_")
	s = replacer.Replace(s)
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

func writeExchangeHeader(w io.Writer, entry *Exchange) {
	fmt.Fprintf(w, "=== REQUEST %s %s (id %s) ===\n", entry.Method, entry.URL, entry.RequestID)
	writeHeaderBlock(w, entry.RequestHeader)
	_, _ = w.Write(entry.RequestBody)
	if len(entry.RequestBody) > 0 && entry.RequestBody[len(entry.RequestBody)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
}

// redactedHeaders lists request headers whose values never reach disk.
var redactedHeaders = map[string]bool{
	"Authorization":  true,
	"X-Api-Key":      true,
	"X-Goog-Api-Key": true,
	"Cookie":         true,
}

func writeHeaderBlock(w io.Writer, header http.Header) {
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := strings.Join(header[key], ", ")
		if redactedHeaders[http.CanonicalHeaderKey(key)] {
			value = "[redacted]"
		}
		fmt.Fprintf(w, "%s: %s\n", key, value)
	}
	_, _ = w.Write([]byte("\n"))
}

// decodeResponseBody reverses the response content encoding so logs stay
// readable. Bodies that fail to decode are logged as received.
func decodeResponseBody(header http.Header, body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	encoding := ""
	if header != nil {
		encoding = strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	}
	var (
		decoded []byte
		err     error
	)
	switch encoding {
	case "", "identity":
		return body
	case "gzip":
		var r *gzip.Reader
		if r, err = gzip.NewReader(bytes.NewReader(body)); err == nil {
			decoded, err = io.ReadAll(r)
			_ = r.Close()
		}
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		decoded, err = io.ReadAll(r)
		_ = r.Close()
	case "br":
		decoded, err = io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		var dec *zstd.Decoder
		if dec, err = zstd.NewReader(bytes.NewReader(body)); err == nil {
			decoded, err = io.ReadAll(dec)
			dec.Close()
		}
	default:
		return body
	}
	if err != nil {
		log.Debugf("request log: decode %s response body failed: %v", encoding, err)
		return body
	}
	return decoded
}

type fileStreamWriter struct {
	file      *os.File
	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (w *fileStreamWriter) drain() {
	defer close(w.done)
	for chunk := range w.chunks {
		if _, err := w.file.Write(chunk); err != nil {
			log.Debugf("request log: write stream chunk: %v", err)
			continue
		}
		if len(chunk) > 0 && chunk[len(chunk)-1] != '\n' {
			_, _ = w.file.Write([]byte("\n"))
		}
	}
}

// WriteChunk implements StreamingLogWriter. Chunks are dropped rather than
// blocking the client when the drain goroutine falls behind.
func (w *fileStreamWriter) WriteChunk(data []byte) {
	select {
	case w.chunks <- bytes.Clone(data):
	default:
	}
}

// Close implements StreamingLogWriter.
func (w *fileStreamWriter) Close(status int, header http.Header, duration time.Duration) {
	w.closeOnce.Do(func() {
		close(w.chunks)
		<-w.done
		fmt.Fprintf(w.file, "\n=== STREAM END (status %d, %s) ===\n", status, duration.Truncate(time.Millisecond))
		writeHeaderBlock(w.file, header)
		if err := w.file.Close(); err != nil {
			log.Debugf("request log: close stream log: %v", err)
		}
	})
}

type nopStreamWriter struct{}

func (nopStreamWriter) WriteChunk([]byte)                     {}
func (nopStreamWriter) Close(int, http.Header, time.Duration) {}

// NopStreamWriter returns a writer that discards everything, used when
// request logging is disabled.
func NopStreamWriter() StreamingLogWriter { return nopStreamWriter{} }
