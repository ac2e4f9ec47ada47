// Package config loads and validates the relay's YAML configuration. It
// covers the listener, client API keys, logging switches, the token store
// and the upstream provider list with per-provider chunking knobs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/chunking"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// APIKeys is a list of keys for authenticating clients to this relay.
	// Empty means no client authentication.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Debug lowers the log level to debug and enables gin debug output.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile redirects application logs to rotating files under LogDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is where rotated log files and request logs are written.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// LogsMaxTotalSizeMB caps the total size of the log directory. When the
	// cap is exceeded the oldest files are removed. Zero disables the cap.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// RequestLog enables detailed per-request logging to disk.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// RequestTimeout bounds each upstream call in seconds. A chunked request
	// gets this budget per chunk, not for the whole sequence.
	RequestTimeout int `yaml:"request-timeout" json:"request-timeout"`

	// ProxyURL is an optional proxy for outbound requests. Providers may
	// override it with their own proxy-url.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// TokenStore selects where provider credentials are persisted.
	TokenStore TokenStoreConfig `yaml:"token-store" json:"token-store"`

	// Providers lists the upstream endpoints this relay can route to.
	Providers []Provider `yaml:"providers" json:"providers"`

	// ConfigFilePath is the file this configuration was loaded from. Set at
	// load time, never serialized; the watcher re-reads it on change events.
	ConfigFilePath string `yaml:"-" json:"-"`
}

// Provider is one upstream endpoint and the models it serves.
type Provider struct {
	// Name identifies the provider in logs and must be unique.
	Name string `yaml:"name" json:"name"`

	// Type selects the wire schema: "openai-compat" or "gemini".
	Type string `yaml:"type" json:"type"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// APIKey is the upstream credential. ${VAR} references are expanded
	// from the environment at load time.
	APIKey string `yaml:"api-key" json:"api-key"`

	// APIKeyFile reads the credential from a file instead. APIKey wins when
	// both are set. The file content is trimmed of surrounding whitespace.
	APIKeyFile string `yaml:"api-key-file,omitempty" json:"api-key-file,omitempty"`

	// ProxyURL routes this provider's traffic through a specific proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Models maps client-facing model names onto upstream ones.
	Models []Model `yaml:"models" json:"models"`

	// Chunking configures conversation splitting for this provider.
	Chunking chunking.Config `yaml:"chunking" json:"chunking"`
}

// Model is one client-facing model name with an optional upstream alias.
type Model struct {
	// Name is the model name clients send.
	Name string `yaml:"name" json:"name"`

	// Upstream is the model name sent to the provider. Empty means Name.
	Upstream string `yaml:"upstream,omitempty" json:"upstream,omitempty"`
}

// UpstreamName returns the name to use on the provider side.
func (m Model) UpstreamName() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.Name
}

// ResolveProxy picks the provider proxy when set, else the global one.
func (p Provider) ResolveProxy(global string) string {
	if strings.TrimSpace(p.ProxyURL) != "" {
		return p.ProxyURL
	}
	return global
}

// TokenStoreConfig selects and parameterizes the credential store backend.
type TokenStoreConfig struct {
	// Type is "file", "postgres" or "minio". Default is "file".
	Type string `yaml:"type" json:"type"`

	// Path is the directory holding per-provider token files for the file
	// backend, and the local spool directory for the remote backends.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// Endpoint, AccessKey, SecretKey and Bucket configure the minio backend.
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access-key,omitempty" json:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty" json:"secret-key,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`

	// UseSSL enables TLS for the minio backend.
	UseSSL bool `yaml:"use-ssl,omitempty" json:"use-ssl,omitempty"`
}

// knownProviderTypes are the type strings the translator layer can serve.
var knownProviderTypes = map[string]bool{
	"openai":            true,
	"openai-compat":     true,
	"openai_compat":     true,
	"openai-compatible": true,
	"gemini":            true,
}

// LoadConfig reads, expands and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expandEnv()
	if err = cfg.loadKeyFiles(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.ConfigFilePath = path
	return &cfg, nil
}

// loadKeyFiles fills provider API keys from their api-key-file paths.
func (c *Config) loadKeyFiles() error {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey != "" || p.APIKeyFile == "" {
			continue
		}
		data, err := os.ReadFile(p.APIKeyFile)
		if err != nil {
			return fmt.Errorf("provider %s: read api-key-file: %w", p.Name, err)
		}
		p.APIKey = strings.TrimSpace(string(data))
	}
	return nil
}

// expandEnv resolves ${VAR} references in credential-bearing fields so keys
// can stay out of the config file.
func (c *Config) expandEnv() {
	c.TokenStore.DSN = os.ExpandEnv(c.TokenStore.DSN)
	c.TokenStore.Endpoint = os.ExpandEnv(c.TokenStore.Endpoint)
	c.TokenStore.AccessKey = os.ExpandEnv(c.TokenStore.AccessKey)
	c.TokenStore.SecretKey = os.ExpandEnv(c.TokenStore.SecretKey)
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
		c.Providers[i].APIKeyFile = os.ExpandEnv(c.Providers[i].APIKeyFile)
	}
}

// ApplyDefaults fills unset fields with serviceable values.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 300
	}
	if c.TokenStore.Type == "" {
		c.TokenStore.Type = "file"
	}
	if c.TokenStore.Type == "file" && c.TokenStore.Path == "" {
		c.TokenStore.Path = "auths"
	}
	for i := range c.Providers {
		if c.Providers[i].Chunking.Enabled {
			c.Providers[i].Chunking.ApplyDefaults()
		}
	}
}

// Validate rejects configurations the relay cannot serve.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.TokenStore.Type {
	case "file", "postgres", "minio":
	default:
		return fmt.Errorf("unknown token store type %q", c.TokenStore.Type)
	}

	providerNames := make(map[string]bool, len(c.Providers))
	modelNames := make(map[string]string)
	for i := range c.Providers {
		p := &c.Providers[i]
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("provider %d has no name", i)
		}
		if providerNames[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		providerNames[p.Name] = true
		if !knownProviderTypes[strings.ToLower(strings.TrimSpace(p.Type))] {
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %s declares no models", p.Name)
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("provider %s has a model without a name", p.Name)
			}
			if owner, dup := modelNames[m.Name]; dup {
				return fmt.Errorf("model %q claimed by both %s and %s", m.Name, owner, p.Name)
			}
			modelNames[m.Name] = p.Name
		}
	}
	return nil
}
