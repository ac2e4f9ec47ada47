package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileTokenStore keeps one JSON file per provider under a base directory.
type FileTokenStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileTokenStore creates a store rooted at dir. The directory is created
// lazily on the first save.
func NewFileTokenStore(dir string) *FileTokenStore {
	return &FileTokenStore{dir: strings.TrimSpace(dir)}
}

// Dir returns the base directory holding the token files.
func (s *FileTokenStore) Dir() string { return s.dir }

// List enumerates all token records under the base directory. Files that do
// not parse are skipped rather than failing the whole listing.
func (s *FileTokenStore) List(_ context.Context) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil, fmt.Errorf("token filestore: directory not configured")
	}
	records := make([]*TokenRecord, 0)
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		record, readErr := readRecordFile(path)
		if readErr != nil {
			return nil
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, fmt.Errorf("token filestore: list: %w", err)
	}
	return records, nil
}

// Load reads the record for a provider.
func (s *FileTokenStore) Load(_ context.Context, provider string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.pathFor(provider)
	if err != nil {
		return nil, err
	}
	record, err := readRecordFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("token filestore: load %s: %w", provider, err)
	}
	return record, nil
}

// Save writes the record to <dir>/<provider>.json.
func (s *FileTokenStore) Save(_ context.Context, record *TokenRecord) error {
	if record == nil {
		return fmt.Errorf("token filestore: record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.pathFor(record.Provider)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("token filestore: create dir: %w", err)
	}
	record.UpdatedAt = time.Now()
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("token filestore: marshal %s: %w", record.Provider, err)
	}
	if err = os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("token filestore: write %s: %w", record.Provider, err)
	}
	return nil
}

// Delete removes the provider's token file.
func (s *FileTokenStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.pathFor(provider)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("token filestore: delete %s: %w", provider, err)
	}
	return nil
}

func (s *FileTokenStore) pathFor(provider string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", fmt.Errorf("token filestore: provider is empty")
	}
	if strings.ContainsRune(provider, os.PathSeparator) || strings.ContainsRune(provider, '/') {
		return "", fmt.Errorf("token filestore: provider %q contains a path separator", provider)
	}
	if s.dir == "" {
		return "", fmt.Errorf("token filestore: directory not configured")
	}
	return filepath.Join(s.dir, provider+".json"), nil
}

func readRecordFile(path string) (*TokenRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record TokenRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal token json: %w", err)
	}
	if record.Provider == "" {
		record.Provider = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &record, nil
}
