package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/translator"
)

const (
	// geminiEndpoint is the default base URL for the Gemini API.
	geminiEndpoint = "https://generativelanguage.googleapis.com"

	// geminiAPIVersion is the API version used for Gemini requests.
	geminiAPIVersion = "v1beta"

	// openAIEndpoint is the default base URL for OpenAI-compatible upstreams.
	openAIEndpoint = "https://api.openai.com/v1"

	// streamScannerBuffer is the buffer size for SSE stream scanning.
	streamScannerBuffer = 52_428_800
)

// StreamChunk is one translated stream payload or a terminal error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// Options describe one configured upstream endpoint.
type Options struct {
	Name     string
	Type     string
	BaseURL  string
	APIKey   string
	ProxyURL string
	Models   []string
}

// Provider binds an upstream endpoint to its translator pair and HTTP
// client. Providers are safe for concurrent use; only the credential is
// mutable, behind its own lock, so refreshes never stall requests.
type Provider struct {
	name     string
	format   translator.Format
	baseURL  string
	models   []string
	client   *Client
	request  translator.RequestTransform
	response translator.ResponseTransform

	mu     sync.RWMutex
	apiKey string
}

// NewProvider resolves the translator pair for the configured provider type
// and prepares its HTTP client.
func NewProvider(opts Options) (*Provider, error) {
	format := translator.FromString(opts.Type)
	// Plain "openai" in configuration means an OpenAI-compatible upstream.
	if format == translator.FormatOpenAI {
		format = translator.FormatOpenAICompat
	}
	if format == "" {
		return nil, fmt.Errorf("provider %s: unknown type %q", opts.Name, opts.Type)
	}
	request, response, ok := translator.Pair(format)
	if !ok {
		return nil, fmt.Errorf("provider %s: no translator registered for type %q", opts.Name, opts.Type)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		if format == translator.FormatGemini {
			baseURL = geminiEndpoint
		} else {
			baseURL = openAIEndpoint
		}
	}
	return &Provider{
		name:     opts.Name,
		format:   format,
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(opts.APIKey),
		models:   append([]string(nil), opts.Models...),
		client:   NewClient(opts.ProxyURL),
		request:  request,
		response: response,
	}, nil
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// Format returns the wire format this provider speaks.
func (p *Provider) Format() translator.Format { return p.format }

// Models returns the model names this provider serves.
func (p *Provider) Models() []string { return append([]string(nil), p.models...) }

// SetCredential replaces the API key used for upstream calls.
func (p *Provider) SetCredential(apiKey string) {
	p.mu.Lock()
	p.apiKey = strings.TrimSpace(apiKey)
	p.mu.Unlock()
}

func (p *Provider) credential() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

// Execute sends one canonical request payload upstream and returns the
// response translated back to the canonical schema.
func (p *Provider) Execute(ctx context.Context, model string, payload []byte) ([]byte, error) {
	apiKey := p.credential()
	if apiKey == "" {
		return nil, MissingCredential(p.name)
	}
	body := p.request(model, payload, false)
	resp, err := p.client.Do(ctx, &Request{
		URL:    p.endpointURL(model, false),
		Body:   body,
		Header: p.headers(apiKey),
	})
	if err != nil {
		return nil, err
	}
	out := p.response.NonStream(ctx, model, payload, body, resp.Body)
	return []byte(out), nil
}

// ExecuteStream opens a streaming exchange and emits translated canonical
// chunk payloads. The final payload is always the [DONE] sentinel unless the
// stream dies first, in which case the last chunk carries the error.
func (p *Provider) ExecuteStream(ctx context.Context, model string, payload []byte) (<-chan StreamChunk, error) {
	apiKey := p.credential()
	if apiKey == "" {
		return nil, MissingCredential(p.name)
	}
	body := p.request(model, payload, true)
	httpResp, err := p.client.OpenStream(ctx, &Request{
		URL:    p.endpointURL(model, true),
		Body:   body,
		Header: p.headers(apiKey),
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() {
			if errClose := httpResp.Body.Close(); errClose != nil {
				log.Errorf("%s provider: close response body error: %v", p.name, errClose)
			}
		}()

		sentinelSent := false
		emit := func(payload string) bool {
			if payload == "[DONE]" {
				sentinelSent = true
			}
			select {
			case out <- StreamChunk{Payload: []byte(payload)}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(nil, streamScannerBuffer)
		var state any
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			for _, translated := range p.response.Stream(ctx, model, payload, body, bytes.Clone(line), &state) {
				if !emit(translated) {
					return
				}
			}
		}
		if errScan := scanner.Err(); errScan != nil {
			select {
			case out <- StreamChunk{Err: errScan}:
			case <-ctx.Done():
			}
			return
		}
		// Upstreams that close without a terminator still get one so the
		// caller can finish the client stream.
		if !sentinelSent {
			for _, translated := range p.response.Stream(ctx, model, payload, body, []byte("[DONE]"), &state) {
				if !emit(translated) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) endpointURL(model string, stream bool) string {
	if p.format == translator.FormatGemini {
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		url := fmt.Sprintf("%s/%s/models/%s:%s", p.baseURL, geminiAPIVersion, model, action)
		if stream {
			url += "?alt=sse"
		}
		return url
	}
	return p.baseURL + "/chat/completions"
}

func (p *Provider) headers(apiKey string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if p.format == translator.FormatGemini {
		h.Set("x-goog-api-key", apiKey)
	} else {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}
