package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/chunking"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/relay"

	_ "github.com/modelrelay/modelrelay/internal/translator/gemini"
	_ "github.com/modelrelay/modelrelay/internal/translator/openai"
)

// newTestEngine wires the full handler set against one openai-compat
// upstream, exposing "relay-model" backed by "upstream-model".
func newTestEngine(t *testing.T, baseURL string, chunkCfg chunking.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Port: 8080,
		Providers: []config.Provider{{
			Name:    "test-upstream",
			Type:    "openai-compat",
			BaseURL: baseURL,
			APIKey:  "sk-upstream",
			Models: []config.Model{
				{Name: "relay-model", Upstream: "upstream-model"},
			},
			Chunking: chunkCfg,
		}},
	}
	svc, err := relay.New(cfg, nil)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	h := New(svc)
	engine := gin.New()
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.GET("/v1/models", h.Models)
	engine.GET("/health", h.Health)
	return engine
}

func TestChatCompletionsUnary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":123,"model":"upstream-model",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],` +
			`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	engine := newTestEngine(t, srv.URL, chunking.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"relay-model","messages":[{"role":"user","content":"ping"}]}`))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Errorf("content type = %q", got)
	}
	if got := gjson.Get(recorder.Body.String(), "choices.0.message.content").String(); got != "pong" {
		t.Errorf("content = %q", got)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, srv.URL, chunking.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"relay-model","stream":true,"messages":[{"role":"user","content":"ping"}]}`))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `"content":"hi"`) {
		t.Errorf("stream body missing content delta: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream body not terminated with [DONE]: %q", body)
	}
}

func TestChatCompletionsValidationError(t *testing.T) {
	engine := newTestEngine(t, "http://127.0.0.1:0", chunking.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"ping"}]}`))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
	if got := gjson.Get(recorder.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type = %q, body = %s", got, recorder.Body.String())
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	engine := newTestEngine(t, "http://127.0.0.1:0", chunking.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"ghost","messages":[{"role":"user","content":"ping"}]}`))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
	if got := gjson.Get(recorder.Body.String(), "error.code").String(); got != "model_not_found" {
		t.Errorf("error code = %q, body = %s", got, recorder.Body.String())
	}
}

func TestChatCompletionsUpstreamErrorPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 4xx fails fast, so the test does not sit through retry delays.
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	engine := newTestEngine(t, srv.URL, chunking.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"relay-model","messages":[{"role":"user","content":"ping"}]}`))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", recorder.Code)
	}
	if got := gjson.Get(recorder.Body.String(), "error.message").String(); got != "slow down" {
		t.Errorf("upstream error body not preserved: %s", recorder.Body.String())
	}
}

func TestChatCompletionsStreamingErrorBeforeData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	engine := newTestEngine(t, srv.URL, chunking.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"relay-model","stream":true,"messages":[{"role":"user","content":"ping"}]}`))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 before any stream bytes", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got == "text/event-stream" {
		t.Error("failed stream committed SSE headers")
	}
	if got := gjson.Get(recorder.Body.String(), "error.message").String(); got != "bad key" {
		t.Errorf("error body = %s", recorder.Body.String())
	}
}

func TestModelsEndpoint(t *testing.T) {
	engine := newTestEngine(t, "http://127.0.0.1:0", chunking.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	body := recorder.Body.String()
	if gjson.Get(body, "object").String() != "list" {
		t.Errorf("object = %q", gjson.Get(body, "object").String())
	}
	data := gjson.Get(body, "data").Array()
	if len(data) != 1 || data[0].Get("id").String() != "relay-model" {
		t.Errorf("data = %s", gjson.Get(body, "data").Raw)
	}
	if data[0].Get("owned_by").String() != "test-upstream" {
		t.Errorf("owned_by = %q", data[0].Get("owned_by").String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	engine := newTestEngine(t, "http://127.0.0.1:0", chunking.Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if gjson.Get(recorder.Body.String(), "status").String() != "ok" {
		t.Errorf("body = %s", recorder.Body.String())
	}
}

func TestBuildErrorResponseBody(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		text     string
		wantType string
		wantCode string
	}{
		{"unauthorized", http.StatusUnauthorized, "nope", "authentication_error", "invalid_api_key"},
		{"forbidden", http.StatusForbidden, "nope", "permission_error", "insufficient_quota"},
		{"rate limited", http.StatusTooManyRequests, "nope", "rate_limit_error", "rate_limit_exceeded"},
		{"not found", http.StatusNotFound, "nope", "invalid_request_error", "model_not_found"},
		{"server error", http.StatusBadGateway, "nope", "server_error", "internal_server_error"},
		{"bad request", http.StatusBadRequest, "nope", "invalid_request_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := string(BuildErrorResponseBody(tt.status, tt.text))
			if got := gjson.Get(body, "error.type").String(); got != tt.wantType {
				t.Errorf("type = %q, want %q", got, tt.wantType)
			}
			if got := gjson.Get(body, "error.code").String(); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
			if got := gjson.Get(body, "error.message").String(); got != tt.text {
				t.Errorf("message = %q", got)
			}
		})
	}
}

func TestBuildErrorResponseBodyPassesThroughJSON(t *testing.T) {
	upstreamBody := `{"error":{"message":"quota exhausted","type":"insufficient_quota"}}`
	if got := string(BuildErrorResponseBody(http.StatusForbidden, upstreamBody)); got != upstreamBody {
		t.Errorf("JSON error body rewritten: %s", got)
	}
}

func TestBuildErrorResponseBodyEmptyMessage(t *testing.T) {
	body := string(BuildErrorResponseBody(http.StatusServiceUnavailable, "  "))
	if got := gjson.Get(body, "error.message").String(); got != http.StatusText(http.StatusServiceUnavailable) {
		t.Errorf("message = %q", got)
	}
}
