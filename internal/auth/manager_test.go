package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*store.TokenRecord
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*store.TokenRecord)}
}

func (s *memStore) List(context.Context) ([]*store.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.TokenRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) Load(_ context.Context, provider string) (*store.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[provider]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *r
	if r.OAuth != nil {
		oauth := *r.OAuth
		clone.OAuth = &oauth
	}
	return &clone, nil
}

func (s *memStore) Save(_ context.Context, record *store.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.records[record.Provider] = record
	return nil
}

func (s *memStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, provider)
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestCredentialStaticKeyWins(t *testing.T) {
	st := newMemStore()
	st.records["corp"] = &store.TokenRecord{Provider: "corp", APIKey: "stored-key"}
	m := NewManager(st)
	m.SetStaticKeys([]config.Provider{{Name: "corp", APIKey: "config-key"}})

	got, err := m.Credential(context.Background(), "corp")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got != "config-key" {
		t.Errorf("Credential = %q, want the configured key", got)
	}
}

func TestCredentialStoredAPIKey(t *testing.T) {
	st := newMemStore()
	st.records["corp"] = &store.TokenRecord{Provider: "corp", APIKey: "stored-key"}
	m := NewManager(st)

	got, err := m.Credential(context.Background(), "corp")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got != "stored-key" {
		t.Errorf("Credential = %q, want the stored key", got)
	}
}

func TestCredentialFreshOAuthNotRefreshed(t *testing.T) {
	st := newMemStore()
	st.records["gem"] = &store.TokenRecord{
		Provider: "gem",
		OAuth: &store.OAuthToken{
			AccessToken: "still-good",
			Expiry:      time.Now().Add(time.Hour),
		},
	}
	m := NewManager(st)
	got, err := m.Credential(context.Background(), "gem")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got != "still-good" {
		t.Errorf("Credential = %q, want the unexpired access token", got)
	}
	if st.saveCount() != 0 {
		t.Errorf("fresh token triggered %d saves", st.saveCount())
	}
}

func TestCredentialRefreshesExpiredOAuth(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "1//old" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.new","token_type":"Bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	st := newMemStore()
	st.records["gem"] = &store.TokenRecord{
		Provider: "gem",
		OAuth: &store.OAuthToken{
			AccessToken:  "ya29.old",
			RefreshToken: "1//old",
			Expiry:       time.Now().Add(time.Minute), // inside the 3m skew
			TokenURL:     ts.URL,
			ClientID:     "cid",
			ClientSecret: "csecret",
		},
	}
	m := NewManager(st)

	got, err := m.Credential(context.Background(), "gem")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got != "ya29.new" {
		t.Errorf("Credential = %q, want the refreshed token", got)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("token endpoint hit %d times, want 1", hits)
	}
	if st.saveCount() != 1 {
		t.Errorf("refresh persisted %d times, want 1", st.saveCount())
	}
	stored := st.records["gem"]
	if stored.OAuth.AccessToken != "ya29.new" {
		t.Errorf("stored access token = %q after refresh", stored.OAuth.AccessToken)
	}
	if stored.OAuth.RefreshToken != "1//old" {
		t.Errorf("refresh token lost: %q", stored.OAuth.RefreshToken)
	}

	// A second resolve sees the persisted fresh token and skips the endpoint.
	got, err = m.Credential(context.Background(), "gem")
	if err != nil {
		t.Fatalf("second Credential: %v", err)
	}
	if got != "ya29.new" {
		t.Errorf("second Credential = %q", got)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("token endpoint hit %d times after cached resolve, want 1", hits)
	}
}

func TestCredentialMissing(t *testing.T) {
	m := NewManager(newMemStore())
	_, err := m.Credential(context.Background(), "ghost")
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Credential = %v, want ErrNoCredential", err)
	}
}

func TestCredentialOAuthWithoutRefreshToken(t *testing.T) {
	st := newMemStore()
	st.records["gem"] = &store.TokenRecord{
		Provider: "gem",
		OAuth: &store.OAuthToken{
			AccessToken: "expired",
			Expiry:      time.Now().Add(-time.Hour),
		},
	}
	m := NewManager(st)
	if _, err := m.Credential(context.Background(), "gem"); err == nil {
		t.Fatal("expired token without refresh token must fail")
	}
}
