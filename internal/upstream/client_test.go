package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func newTestClient() *Client {
	return &Client{
		httpClient: &http.Client{},
		schedule:   []time.Duration{0, 0, 0, 0, 0, 0},
		jitter:     func() time.Duration { return 0 },
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := newTestClient().Do(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestDoFailsFastOnClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient().Do(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected error")
	}
	var se StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want StatusError", err)
	}
	if se.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", se.Code)
	}
	if se.Retryable() {
		t.Error("4xx must not be retryable")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDoExhaustsSchedule(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient().Do(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected error")
	}
	var se StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want status 500", err)
	}
	// One initial attempt plus one retry per schedule entry.
	if got := atomic.LoadInt32(&attempts); got != 7 {
		t.Errorf("attempts = %d, want 7", got)
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, false},
		{500, true},
		{502, true},
		{503, true},
	}
	for _, tt := range tests {
		if got := (StatusError{Code: tt.code}).Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestDecodeBody(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")

	gzipped := func() []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}()
	deflated := func() []byte {
		var buf bytes.Buffer
		w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}()
	brotlied := func() []byte {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}()
	zstded := func() []byte {
		var buf bytes.Buffer
		w, _ := zstd.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}()

	tests := []struct {
		encoding string
		data     []byte
	}{
		{"", plain},
		{"identity", plain},
		{"gzip", gzipped},
		{"deflate", deflated},
		{"br", brotlied},
		{"zstd", zstded},
		{"GZIP", gzipped},
	}
	for _, tt := range tests {
		got, err := decodeBody(tt.encoding, tt.data)
		if err != nil {
			t.Errorf("decodeBody(%q): %v", tt.encoding, err)
			continue
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("decodeBody(%q) = %q, want %q", tt.encoding, got, plain)
		}
	}

	if _, err := decodeBody("gzip", []byte("not gzip")); err == nil {
		t.Error("corrupt gzip body should error")
	}
}

func TestDoDecodesCompressedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw, _ := zstd.NewWriter(&buf)
		_, _ = zw.Write([]byte(`{"compressed":true}`))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	resp, err := newTestClient().Do(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != `{"compressed":true}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestOpenStreamRetriesBeforeStreaming(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: one\n\ndata: two\n\n"))
	}))
	defer srv.Close()

	resp, err := newTestClient().OpenStream(context.Background(), &Request{URL: srv.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if got := buf.String(); got != "data: one\n\ndata: two\n\n" {
		t.Errorf("stream = %q", got)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestHintOversized(t *testing.T) {
	big := oversizedRequestBytes
	small := 128

	err := hintOversized(context.DeadlineExceeded, big)
	if !strings.Contains(err.Error(), "chunking") {
		t.Errorf("oversized timeout should suggest chunking, got %q", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped error should keep its identity")
	}

	if got := hintOversized(context.DeadlineExceeded, small); got != context.DeadlineExceeded {
		t.Errorf("small timeout should pass through, got %q", got)
	}
	statusErr := StatusError{Code: 500, Msg: "boom"}
	if got := hintOversized(statusErr, big); got.Error() != statusErr.Error() {
		t.Errorf("non-timeout error should pass through, got %q", got)
	}
	if hintOversized(nil, big) != nil {
		t.Error("nil error stays nil")
	}
}

func TestRetryJitterBounds(t *testing.T) {
	for i := 0; i < 32; i++ {
		if j := retryJitter(); j < 0 || j >= maxRetryJitter {
			t.Fatalf("jitter %v out of [0, %v)", j, maxRetryJitter)
		}
	}
}
