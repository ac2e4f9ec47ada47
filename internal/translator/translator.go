// Package translator converts canonical chat-completion documents to and from
// provider wire formats. Translators operate on raw JSON with gjson lookups
// and sjson edits; both requests and responses travel as byte slices so
// client payloads survive fields the typed model does not know about.
//
// The set of format pairs is closed: provider packages register their
// transforms at init and the active pair is chosen from configuration when a
// provider is constructed. There is no runtime plugin surface.
package translator

import (
	"context"
	"strings"
	"sync"
)

// Format identifies a wire schema on one side of a translation.
type Format string

const (
	// FormatOpenAI is the canonical OpenAI-style chat-completions schema the
	// gateway exposes to clients.
	FormatOpenAI Format = "openai"
	// FormatOpenAICompat is the near-identical dialect spoken by
	// OpenAI-compatible upstreams.
	FormatOpenAICompat Format = "openai-compat"
	// FormatGemini is the Gemini generateContent schema.
	FormatGemini Format = "gemini"
)

// String returns the config-facing name of the format.
func (f Format) String() string { return string(f) }

// FromString normalizes a config-supplied provider type to a Format.
// Unrecognized values map to the empty Format.
func FromString(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return FormatOpenAI
	case "openai-compat", "openai_compat", "openai-compatible":
		return FormatOpenAICompat
	case "gemini":
		return FormatGemini
	}
	return Format("")
}

// RequestTransform rewrites a canonical request body into the target format.
// model is the upstream model name after alias resolution; stream tells the
// transform whether the caller will hold a streaming connection.
type RequestTransform func(model string, rawJSON []byte, stream bool) []byte

// StreamTransform rewrites one upstream stream line into zero or more
// canonical chunk payloads, without SSE framing. state carries per-stream
// scratch between calls; the first call receives a pointer to nil.
type StreamTransform func(ctx context.Context, model string, originalRequest, translatedRequest, rawLine []byte, state *any) []string

// UnaryTransform rewrites a complete upstream response body into one
// canonical completion document.
type UnaryTransform func(ctx context.Context, model string, originalRequest, translatedRequest, rawBody []byte) string

// ResponseTransform bundles both response directions for one format pair.
type ResponseTransform struct {
	Stream    StreamTransform
	NonStream UnaryTransform
}

// Registry holds request and response transforms keyed by (from, to) format.
type Registry struct {
	mu        sync.RWMutex
	requests  map[Format]map[Format]RequestTransform
	responses map[Format]map[Format]ResponseTransform
}

// NewRegistry returns an empty transform registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:  make(map[Format]map[Format]RequestTransform),
		responses: make(map[Format]map[Format]ResponseTransform),
	}
}

// RegisterRequest installs the request transform for from→to.
func (r *Registry) RegisterRequest(from, to Format, fn RequestTransform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests[from] == nil {
		r.requests[from] = make(map[Format]RequestTransform)
	}
	r.requests[from][to] = fn
}

// RegisterResponse installs the response transforms for from→to.
func (r *Registry) RegisterResponse(from, to Format, tr ResponseTransform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responses[from] == nil {
		r.responses[from] = make(map[Format]ResponseTransform)
	}
	r.responses[from][to] = tr
}

// Request looks up the request transform for from→to.
func (r *Registry) Request(from, to Format) (RequestTransform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.requests[from][to]
	return fn, ok
}

// Response looks up the response transforms for from→to.
func (r *Registry) Response(from, to Format) (ResponseTransform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.responses[from][to]
	return tr, ok
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry provider packages register into.
func Default() *Registry { return defaultRegistry }

// RegisterRequest installs a request transform into the default registry.
func RegisterRequest(from, to Format, fn RequestTransform) {
	defaultRegistry.RegisterRequest(from, to, fn)
}

// RegisterResponse installs response transforms into the default registry.
func RegisterResponse(from, to Format, tr ResponseTransform) {
	defaultRegistry.RegisterResponse(from, to, tr)
}

// Pair resolves the transforms a provider of the given format needs:
// canonical→target for requests and target→canonical for responses.
func Pair(target Format) (RequestTransform, ResponseTransform, bool) {
	req, okReq := defaultRegistry.Request(FormatOpenAI, target)
	res, okRes := defaultRegistry.Response(target, FormatOpenAI)
	return req, res, okReq && okRes
}
