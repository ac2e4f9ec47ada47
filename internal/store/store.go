// Package store persists upstream provider credentials. A credential is
// either a long-lived API key or an OAuth token that the auth manager
// refreshes on demand. Three backends are supported: plain JSON files,
// PostgreSQL and S3-compatible object storage; the remote backends mirror
// records into a local spool directory so file-based workflows keep working.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested provider.
var ErrNotFound = errors.New("token record not found")

// TokenRecord is one stored credential, keyed by provider name.
type TokenRecord struct {
	// Provider is the provider name from the configuration.
	Provider string `json:"provider"`

	// Label is a free-form annotation, typically an account email.
	Label string `json:"label,omitempty"`

	// APIKey is a static upstream key. When set it is used as-is.
	APIKey string `json:"api_key,omitempty"`

	// OAuth holds a refreshable token. Used when APIKey is empty.
	OAuth *OAuthToken `json:"oauth,omitempty"`

	// UpdatedAt is bumped on every save.
	UpdatedAt time.Time `json:"updated_at"`
}

// OAuthToken carries everything needed to use and refresh an OAuth
// credential without consulting any other source.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	// TokenURL, ClientID and ClientSecret identify the issuing endpoint
	// so the record is self-contained for refresh.
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Expired reports whether the access token is past the given deadline skew.
// A zero expiry means the token never expires.
func (t *OAuthToken) Expired(skew time.Duration) bool {
	if t == nil || t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(t.Expiry)
}

// TokenStore is the persistence contract shared by all backends.
type TokenStore interface {
	// List returns every stored record.
	List(ctx context.Context) ([]*TokenRecord, error)

	// Load returns the record for a provider, or ErrNotFound.
	Load(ctx context.Context, provider string) (*TokenRecord, error)

	// Save creates or replaces the record for record.Provider.
	Save(ctx context.Context, record *TokenRecord) error

	// Delete removes the record for a provider. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, provider string) error
}
