package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// ObjectStoreConfig describes an S3-compatible bucket holding token records.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
	PathStyle bool
	SpoolDir  string
}

// ObjectTokenStore persists token records as objects in an S3-compatible
// bucket, mirrored to a local spool directory.
type ObjectTokenStore struct {
	client   *minio.Client
	cfg      ObjectStoreConfig
	spoolDir string
	mu       sync.Mutex
}

// NewObjectTokenStore validates the configuration, prepares the spool
// directory and creates the object storage client.
func NewObjectTokenStore(cfg ObjectStoreConfig) (*ObjectTokenStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "tokens"
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	spoolDir := strings.TrimSpace(cfg.SpoolDir)
	if spoolDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			spoolDir = filepath.Join(cwd, "objectspool")
		} else {
			spoolDir = filepath.Join(os.TempDir(), "objectspool")
		}
	}
	absSpool, err := filepath.Abs(spoolDir)
	if err != nil {
		return nil, fmt.Errorf("object store: resolve spool directory: %w", err)
	}
	if err = os.MkdirAll(absSpool, 0o700); err != nil {
		return nil, fmt.Errorf("object store: create spool directory: %w", err)
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectTokenStore{client: client, cfg: cfg, spoolDir: absSpool}, nil
}

// SpoolDir exposes the local directory holding mirrored token files.
func (s *ObjectTokenStore) SpoolDir() string {
	if s == nil {
		return ""
	}
	return s.spoolDir
}

// Bootstrap ensures the bucket exists and mirrors every stored record into
// the local spool directory.
func (s *ObjectTokenStore) Bootstrap(ctx context.Context) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if err = s.mirrorRecord(record); err != nil {
			return err
		}
	}
	return nil
}

// List downloads and decodes every token object under the prefix. Objects
// that do not parse are skipped rather than failing the whole listing.
func (s *ObjectTokenStore) List(ctx context.Context) ([]*TokenRecord, error) {
	prefix := s.cfg.Prefix + "/"
	records := make([]*TokenRecord, 0, 8)
	objectCh := s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("object store: list token objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") || !strings.HasSuffix(object.Key, ".json") {
			continue
		}
		data, err := s.getObject(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		var record TokenRecord
		if err = json.Unmarshal(data, &record); err != nil {
			log.WithError(err).Warnf("object store: skipping token object %s with invalid json", object.Key)
			continue
		}
		if record.Provider == "" {
			record.Provider = strings.TrimSuffix(path.Base(object.Key), ".json")
		}
		records = append(records, &record)
	}
	return records, nil
}

// Load fetches the record for a provider, or ErrNotFound.
func (s *ObjectTokenStore) Load(ctx context.Context, provider string) (*TokenRecord, error) {
	key, err := s.keyFor(provider)
	if err != nil {
		return nil, err
	}
	data, err := s.getObject(ctx, key)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record TokenRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("object store: decode token %s: %w", provider, err)
	}
	record.Provider = provider
	return &record, nil
}

// Save uploads the record and refreshes its spool mirror.
func (s *ObjectTokenStore) Save(ctx context.Context, record *TokenRecord) error {
	if record == nil {
		return fmt.Errorf("object store: record is nil")
	}
	key, err := s.keyFor(record.Provider)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record.UpdatedAt = time.Now()
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("object store: marshal token %s: %w", record.Provider, err)
	}
	reader := bytes.NewReader(raw)
	if _, err = s.client.PutObject(ctx, s.cfg.Bucket, key, reader, int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	if err = s.mirrorRecord(record); err != nil {
		log.WithError(err).Warnf("object store: mirror token %s to spool", record.Provider)
	}
	return nil
}

// Delete removes the record's object and its spool mirror.
func (s *ObjectTokenStore) Delete(ctx context.Context, provider string) error {
	key, err := s.keyFor(provider)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil && !isObjectNotFound(err) {
		return fmt.Errorf("object store: delete object %s: %w", key, err)
	}
	local := filepath.Join(s.spoolDir, provider+".json")
	if err = os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("object store: delete spool file: %w", err)
	}
	return nil
}

func (s *ObjectTokenStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectTokenStore) getObject(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object store: fetch object %s: %w", key, err)
	}
	defer func() { _ = object.Close() }()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// mirrorRecord writes the record to the spool directory. Callers hold s.mu.
func (s *ObjectTokenStore) mirrorRecord(record *TokenRecord) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("object store: marshal spool record: %w", err)
	}
	local := filepath.Join(s.spoolDir, record.Provider+".json")
	tmp := local + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("object store: write spool temp: %w", err)
	}
	if err = os.Rename(tmp, local); err != nil {
		return fmt.Errorf("object store: rename spool file: %w", err)
	}
	return nil
}

func (s *ObjectTokenStore) keyFor(provider string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", fmt.Errorf("object store: provider is empty")
	}
	if strings.Contains(provider, "/") {
		return "", fmt.Errorf("object store: provider %q contains a path separator", provider)
	}
	return s.cfg.Prefix + "/" + provider + ".json", nil
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
