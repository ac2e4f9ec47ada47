// Package upstream sends translated requests to provider endpoints. It owns
// the HTTP client, proxy wiring, retry schedule and response decoding that
// every provider shares.
package upstream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// oversizedRequestBytes marks the body size past which a timeout is blamed on
// payload size rather than the network.
const oversizedRequestBytes = 262_144

// maxRetryJitter bounds the random delay added to each backoff step.
const maxRetryJitter = time.Second

// retrySchedule is the wait before each retry. Its length caps the retry
// count: six retries, seven attempts total.
var retrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
}

var (
	randSource      = rand.New(rand.NewSource(time.Now().UnixNano()))
	randSourceMutex sync.Mutex
)

func retryJitter() time.Duration {
	randSourceMutex.Lock()
	defer randSourceMutex.Unlock()
	return time.Duration(randSource.Int63n(int64(maxRetryJitter)))
}

// Client is a retrying HTTP client for one upstream endpoint.
type Client struct {
	httpClient *http.Client
	schedule   []time.Duration
	jitter     func() time.Duration
}

// NewClient builds a client routed through the given proxy when one is set.
// Deadlines come from the request context, not the client.
func NewClient(proxyURL string) *Client {
	httpClient := &http.Client{}
	if proxyURL != "" {
		setProxy(proxyURL, httpClient)
	}
	return &Client{
		httpClient: httpClient,
		schedule:   retrySchedule,
		jitter:     retryJitter,
	}
}

// setProxy points the client transport at a SOCKS5 or HTTP(S) proxy.
func setProxy(rawURL string, httpClient *http.Client) {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		log.Errorf("upstream: parse proxy url failed: %v", err)
		return
	}
	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			proxyAuth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("upstream: create SOCKS5 dialer failed: %v", errSOCKS5)
			return
		}
		transport = &http.Transport{
			DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Errorf("upstream: unsupported proxy scheme %q", proxyURL.Scheme)
		return
	}
	httpClient.Transport = transport
}

// Request is one upstream HTTP exchange.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully read and decoded upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends the request, retrying transport failures and retryable statuses
// on the backoff schedule. Client errors return immediately.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt >= len(c.schedule) {
			break
		}
		wait := c.schedule[attempt] + c.jitter()
		log.Debugf("upstream: attempt %d failed (%v), retrying in %s", attempt+1, err, wait)
		select {
		case <-ctx.Done():
			return nil, hintOversized(ctx.Err(), len(req.Body))
		case <-time.After(wait):
		}
	}
	return nil, hintOversized(lastErr, len(req.Body))
}

// OpenStream opens a streaming request with the same bootstrap retries as Do
// and hands back the live response. The caller owns the body.
func (c *Client) OpenStream(ctx context.Context, req *Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		httpResp, err := c.open(ctx, req)
		if err == nil {
			return httpResp, nil
		}
		lastErr = err
		if !retryable(err) || attempt >= len(c.schedule) {
			break
		}
		wait := c.schedule[attempt] + c.jitter()
		log.Debugf("upstream: stream attempt %d failed (%v), retrying in %s", attempt+1, err, wait)
		select {
		case <-ctx.Done():
			return nil, hintOversized(ctx.Err(), len(req.Body))
		case <-time.After(wait):
		}
	}
	return nil, hintOversized(lastErr, len(req.Body))
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body error: %v", errClose)
		}
	}()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	decoded, err := decodeBody(httpResp.Header.Get("Content-Encoding"), data)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       decoded,
	}, nil
}

func (c *Client) open(ctx context.Context, req *Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		b, _ := io.ReadAll(httpResp.Body)
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("upstream: close response body error: %v", errClose)
		}
		return nil, StatusError{Code: httpResp.StatusCode, Msg: string(b)}
	}
	return httpResp, nil
}

func retryable(err error) bool {
	var se StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// Transport-level failures may be transient.
	return true
}

// hintOversized annotates a timeout on a large body so callers learn that
// chunking, not the network, is the likely fix.
func hintOversized(err error, bodyLen int) error {
	if err == nil {
		return nil
	}
	if bodyLen >= oversizedRequestBytes && isTimeout(err) {
		return fmt.Errorf("%w (request body is %d bytes; enable history chunking or shorten the conversation)", err, bodyLen)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decodeBody reverses the content encoding of a fully buffered body. The
// transport only understands gzip on its own; brotli and zstd replies from
// CDN-fronted endpoints arrive still compressed.
func decodeBody(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode gzip body: %w", err)
		}
		defer func() { _ = reader.Close() }()
		return io.ReadAll(reader)
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = reader.Close() }()
		return io.ReadAll(reader)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	case "zstd":
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode zstd body: %w", err)
		}
		defer decoder.Close()
		return io.ReadAll(decoder)
	}
	log.Debugf("upstream: passing through unknown content encoding %q", encoding)
	return data, nil
}
