// Package auth resolves upstream credentials. A provider's credential comes
// from the configuration when a static API key is set there, otherwise from
// the token store, where OAuth tokens are refreshed on demand and persisted
// back after each refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/store"
)

// refreshSkew triggers a refresh while the current access token still has
// this much lifetime left, so in-flight requests never ride a token that
// expires mid-call.
const refreshSkew = 3 * time.Minute

// ErrNoCredential is returned when neither the configuration nor the token
// store holds a usable credential for the provider.
var ErrNoCredential = errors.New("no credential available")

// Manager hands out upstream credentials by provider name.
type Manager struct {
	store  store.TokenStore
	group  singleflight.Group
	client *http.Client

	mu     sync.RWMutex
	static map[string]string
}

// NewManager creates a manager backed by the given token store. The static
// key set starts empty; call SetStaticKeys with the configured providers.
func NewManager(tokenStore store.TokenStore) *Manager {
	return &Manager{
		store:  tokenStore,
		client: &http.Client{Timeout: 30 * time.Second},
		static: make(map[string]string),
	}
}

// SetStaticKeys replaces the static key set from the provider configuration.
// Called at startup and again on every config reload.
func (m *Manager) SetStaticKeys(providers []config.Provider) {
	keys := make(map[string]string, len(providers))
	for _, p := range providers {
		if key := strings.TrimSpace(p.APIKey); key != "" {
			keys[p.Name] = key
		}
	}
	m.mu.Lock()
	m.static = keys
	m.mu.Unlock()
}

// Credential resolves the credential for a provider. A static key from the
// configuration always wins; otherwise the stored record is consulted and
// its OAuth token refreshed when it is within the skew window of expiry.
func (m *Manager) Credential(ctx context.Context, provider string) (string, error) {
	m.mu.RLock()
	key, ok := m.static[provider]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}
	if m.store == nil {
		return "", fmt.Errorf("%w for provider %s", ErrNoCredential, provider)
	}

	record, err := m.store.Load(ctx, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w for provider %s", ErrNoCredential, provider)
		}
		return "", fmt.Errorf("load credential for %s: %w", provider, err)
	}
	if key = strings.TrimSpace(record.APIKey); key != "" {
		return key, nil
	}
	if record.OAuth == nil || record.OAuth.AccessToken == "" {
		return "", fmt.Errorf("%w for provider %s", ErrNoCredential, provider)
	}
	if !record.OAuth.Expired(refreshSkew) {
		return record.OAuth.AccessToken, nil
	}
	return m.refresh(ctx, provider, record)
}

// refresh exchanges the refresh token for a new access token. Concurrent
// refreshes for the same provider collapse into a single upstream exchange.
func (m *Manager) refresh(ctx context.Context, provider string, record *store.TokenRecord) (string, error) {
	token, err, _ := m.group.Do(provider, func() (any, error) {
		// Re-read the record: another request may have refreshed and
		// saved while this one waited on the flight group.
		current, loadErr := m.store.Load(ctx, provider)
		if loadErr == nil && current.OAuth != nil && !current.OAuth.Expired(refreshSkew) {
			return current.OAuth.AccessToken, nil
		}
		if loadErr != nil {
			current = record
		}
		refreshed, refreshErr := m.exchange(ctx, current.OAuth)
		if refreshErr != nil {
			return nil, fmt.Errorf("refresh token for %s: %w", provider, refreshErr)
		}
		current.OAuth.AccessToken = refreshed.AccessToken
		current.OAuth.TokenType = refreshed.TokenType
		current.OAuth.Expiry = refreshed.Expiry
		if refreshed.RefreshToken != "" {
			current.OAuth.RefreshToken = refreshed.RefreshToken
		}
		if saveErr := m.store.Save(ctx, current); saveErr != nil {
			log.WithError(saveErr).Warnf("persist refreshed token for %s", provider)
		}
		log.Debugf("refreshed oauth token for provider %s, new expiry %s", provider, refreshed.Expiry.Format(time.RFC3339))
		return current.OAuth.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// exchange runs the refresh grant against the record's own token endpoint.
func (m *Manager) exchange(ctx context.Context, stored *store.OAuthToken) (*oauth2.Token, error) {
	if stored.RefreshToken == "" {
		return nil, errors.New("record has no refresh token")
	}
	if stored.TokenURL == "" {
		return nil, errors.New("record has no token endpoint")
	}
	conf := &oauth2.Config{
		ClientID:     stored.ClientID,
		ClientSecret: stored.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: stored.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	src := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		// Force the source to refresh instead of returning the token as-is.
		Expiry: time.Now().Add(-time.Minute),
	})
	return src.Token()
}
