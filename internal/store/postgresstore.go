package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const defaultTokenTable = "relay_tokens"

// PostgresStoreConfig captures what is needed to open a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN      string
	Schema   string
	Table    string
	SpoolDir string
}

// PostgresTokenStore persists token records in PostgreSQL while mirroring
// them to a local spool directory so file-based workflows keep working.
type PostgresTokenStore struct {
	db       *sql.DB
	cfg      PostgresStoreConfig
	spoolDir string
	mu       sync.Mutex
}

// NewPostgresTokenStore connects to PostgreSQL and prepares the local spool.
func NewPostgresTokenStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresTokenStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	if cfg.Table == "" {
		cfg.Table = defaultTokenTable
	}
	spoolDir := strings.TrimSpace(cfg.SpoolDir)
	if spoolDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			spoolDir = filepath.Join(cwd, "pgspool")
		} else {
			spoolDir = filepath.Join(os.TempDir(), "pgspool")
		}
	}
	absSpool, err := filepath.Abs(spoolDir)
	if err != nil {
		return nil, fmt.Errorf("postgres store: resolve spool directory: %w", err)
	}
	if err = os.MkdirAll(absSpool, 0o700); err != nil {
		return nil, fmt.Errorf("postgres store: create spool directory: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresTokenStore{db: db, cfg: cfg, spoolDir: absSpool}, nil
}

// Close releases the underlying database connection.
func (s *PostgresTokenStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SpoolDir exposes the local directory holding mirrored token files.
func (s *PostgresTokenStore) SpoolDir() string {
	if s == nil {
		return ""
	}
	return s.spoolDir
}

// EnsureSchema creates the token table (and schema when configured).
func (s *PostgresTokenStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.tableName())); err != nil {
		return fmt.Errorf("postgres store: create token table: %w", err)
	}
	return nil
}

// Bootstrap ensures the schema exists and mirrors every stored record into
// the local spool directory.
func (s *PostgresTokenStore) Bootstrap(ctx context.Context) error {
	if err := s.EnsureSchema(ctx); err != nil {
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

// List returns every token record stored in PostgreSQL.
func (s *PostgresTokenStore) List(ctx context.Context) ([]*TokenRecord, error) {
	query := fmt.Sprintf("SELECT provider, content, updated_at FROM %s ORDER BY provider", s.tableName())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list tokens: %w", err)
	}
	defer rows.Close()

	records := make([]*TokenRecord, 0, 8)
	for rows.Next() {
		var (
			provider  string
			payload   string
			updatedAt time.Time
		)
		if err = rows.Scan(&provider, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan token row: %w", err)
		}
		var record TokenRecord
		if err = json.Unmarshal([]byte(payload), &record); err != nil {
			log.WithError(err).Warnf("postgres store: skipping token %s with invalid json", provider)
			continue
		}
		record.Provider = provider
		record.UpdatedAt = updatedAt
		records = append(records, &record)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate token rows: %w", err)
	}
	return records, nil
}

// Load returns the record for a provider, or ErrNotFound.
func (s *PostgresTokenStore) Load(ctx context.Context, provider string) (*TokenRecord, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, fmt.Errorf("postgres store: provider is empty")
	}
	query := fmt.Sprintf("SELECT content, updated_at FROM %s WHERE provider = $1", s.tableName())
	var (
		payload   string
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, provider).Scan(&payload, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("postgres store: load token %s: %w", provider, err)
	}
	var record TokenRecord
	if err = json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("postgres store: decode token %s: %w", provider, err)
	}
	record.Provider = provider
	record.UpdatedAt = updatedAt
	return &record, nil
}

// Save upserts the record and refreshes its spool mirror.
func (s *PostgresTokenStore) Save(ctx context.Context, record *TokenRecord) error {
	if record == nil {
		return fmt.Errorf("postgres store: record is nil")
	}
	provider := strings.TrimSpace(record.Provider)
	if provider == "" {
		return fmt.Errorf("postgres store: record has no provider")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record.UpdatedAt = time.Now()
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("postgres store: marshal token %s: %w", provider, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (provider, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (provider)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.tableName())
	if _, err = s.db.ExecContext(ctx, query, provider, json.RawMessage(raw)); err != nil {
		return fmt.Errorf("postgres store: upsert token %s: %w", provider, err)
	}
	if err = s.mirrorRecord(record); err != nil {
		log.WithError(err).Warnf("postgres store: mirror token %s to spool", provider)
	}
	return nil
}

// Delete removes the record and its spool mirror.
func (s *PostgresTokenStore) Delete(ctx context.Context, provider string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return fmt.Errorf("postgres store: provider is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE provider = $1", s.tableName())
	if _, err := s.db.ExecContext(ctx, query, provider); err != nil {
		return fmt.Errorf("postgres store: delete token %s: %w", provider, err)
	}
	path := filepath.Join(s.spoolDir, provider+".json")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("postgres store: delete spool file: %w", err)
	}
	return nil
}

// mirrorRecord writes the record to the spool directory. Callers hold s.mu.
func (s *PostgresTokenStore) mirrorRecord(record *TokenRecord) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("postgres store: marshal spool record: %w", err)
	}
	path := filepath.Join(s.spoolDir, record.Provider+".json")
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("postgres store: write spool temp: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("postgres store: rename spool file: %w", err)
	}
	return nil
}

func (s *PostgresTokenStore) tableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
