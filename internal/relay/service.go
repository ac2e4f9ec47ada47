// Package relay routes canonical chat completion requests to the configured
// upstream providers and executes them: directly when the conversation fits
// the provider's limits, or as a sequence of independently submitted chunks
// whose results are merged back into one response.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/chunking"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// ModelInfo is one entry of the model listing endpoint.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// route binds one client-facing model name to its provider, the upstream
// model name and the chunking knobs that govern it.
type route struct {
	provider      *upstream.Provider
	upstreamModel string
	chunking      chunking.Config
}

// Service executes canonical requests against the configured providers. It
// is rebuilt in place on configuration reload; in-flight requests finish on
// the table they started with.
type Service struct {
	auth *auth.Manager

	mu      sync.RWMutex
	routes  map[string]route
	models  []ModelInfo
	timeout time.Duration
}

// New builds the routing table from the configuration.
func New(cfg *config.Config, manager *auth.Manager) (*Service, error) {
	s := &Service{auth: manager}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces providers, routes and static credentials after a
// configuration change.
func (s *Service) Reload(cfg *config.Config) error {
	routes := make(map[string]route)
	models := make([]ModelInfo, 0, 8)
	created := time.Now().Unix()
	for i := range cfg.Providers {
		pc := cfg.Providers[i]
		names := make([]string, 0, len(pc.Models))
		for _, m := range pc.Models {
			names = append(names, m.Name)
		}
		provider, err := upstream.NewProvider(upstream.Options{
			Name:     pc.Name,
			Type:     pc.Type,
			BaseURL:  pc.BaseURL,
			APIKey:   pc.APIKey,
			ProxyURL: pc.ResolveProxy(cfg.ProxyURL),
			Models:   names,
		})
		if err != nil {
			return err
		}
		for _, m := range pc.Models {
			routes[m.Name] = route{
				provider:      provider,
				upstreamModel: m.UpstreamName(),
				chunking:      pc.Chunking,
			}
			models = append(models, ModelInfo{
				ID:      m.Name,
				Object:  "model",
				Created: created,
				OwnedBy: pc.Name,
			})
		}
	}
	if s.auth != nil {
		s.auth.SetStaticKeys(cfg.Providers)
	}

	s.mu.Lock()
	s.routes = routes
	s.models = models
	s.timeout = time.Duration(cfg.RequestTimeout) * time.Second
	s.mu.Unlock()
	return nil
}

// Models lists the client-facing models in configuration order.
func (s *Service) Models() []ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ModelInfo(nil), s.models...)
}

// lookup resolves a client model name to its route.
func (s *Service) lookup(model string) (route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.routes[model]
	if !ok {
		return route{}, upstream.StatusError{
			Code: http.StatusNotFound,
			Msg:  fmt.Sprintf("model %s not found", model),
		}
	}
	return rt, nil
}

// applyCredential resolves the provider credential through the auth manager
// and injects it. When the manager has nothing, the provider falls back to
// its configured key; an actually missing credential fails inside the
// provider with an immediate 503.
func (s *Service) applyCredential(ctx context.Context, rt route) error {
	if s.auth == nil {
		return nil
	}
	cred, err := s.auth.Credential(ctx, rt.provider.Name())
	switch {
	case err == nil:
		rt.provider.SetCredential(cred)
		return nil
	case errors.Is(err, auth.ErrNoCredential):
		return nil
	default:
		return upstream.StatusError{Code: http.StatusServiceUnavailable, Msg: err.Error()}
	}
}

// callContext bounds one upstream call. Chunked requests get the budget per
// chunk, not for the whole sequence.
func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.RLock()
	timeout := s.timeout
	s.mu.RUnlock()
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
