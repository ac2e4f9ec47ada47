// Package main is the entry point for the model relay server. The relay
// exposes an OpenAI-compatible chat completions API and routes requests to
// the configured upstream providers, translating and chunking as needed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/relay"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/watcher"

	_ "github.com/modelrelay/modelrelay/internal/translator/gemini"
	_ "github.com/modelrelay/modelrelay/internal/translator/openai"
)

// Set via -ldflags at release build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger(nil)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.Parse()

	log.Infof("ModelRelay version %s, commit %s, built %s", Version, Commit, BuildDate)

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}
	logging.SetLogLevel(cfg)
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}

	tokenStore, err := buildTokenStore(cfg, wd)
	if err != nil {
		log.Errorf("failed to initialize token store: %v", err)
		return
	}

	service, err := relay.New(cfg, auth.NewManager(tokenStore))
	if err != nil {
		log.Errorf("failed to build relay service: %v", err)
		return
	}
	server := api.NewServer(cfg, service)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configWatcher, err := watcher.NewWatcher(cfg.ConfigFilePath, func(newCfg *config.Config) {
		logging.SetLogLevel(newCfg)
		if errOut := logging.ConfigureLogOutput(newCfg); errOut != nil {
			log.Errorf("failed to reconfigure log output: %v", errOut)
		}
		if errReload := server.Reload(newCfg); errReload != nil {
			log.Errorf("failed to apply reloaded config: %v", errReload)
		}
	})
	if err != nil {
		log.Errorf("failed to create config watcher: %v", err)
		return
	}
	if err = configWatcher.Start(ctx); err != nil {
		log.Errorf("failed to start config watcher: %v", err)
		return
	}
	defer func() {
		if errStop := configWatcher.Stop(); errStop != nil {
			log.WithError(errStop).Debug("stopping config watcher")
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	case err = <-serveErr:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
}

// buildTokenStore picks the credential store backend. Environment variables
// win over the config file so deployments can switch backends without
// editing YAML, matching the PGSTORE_* / OBJECTSTORE_* conventions.
func buildTokenStore(cfg *config.Config, wd string) (store.TokenStore, error) {
	if dsn, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		spool, _ := lookupEnv("PGSTORE_LOCAL_PATH", "pgstore_local_path")
		if spool == "" {
			spool = filepath.Join(wd, "pgspool")
		}
		schema, _ := lookupEnv("PGSTORE_SCHEMA", "pgstore_schema")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgresTokenStore(ctx, store.PostgresStoreConfig{
			DSN:      dsn,
			Schema:   schema,
			SpoolDir: spool,
		})
		if err != nil {
			return nil, err
		}
		if err = pg.Bootstrap(ctx); err != nil {
			return nil, err
		}
		log.Info("postgres token store enabled")
		return pg, nil
	}

	if endpoint, ok := lookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		accessKey, _ := lookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key")
		secretKey, _ := lookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key")
		bucket, _ := lookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket")
		spool, _ := lookupEnv("OBJECTSTORE_LOCAL_PATH", "objectstore_local_path")
		if spool == "" {
			spool = filepath.Join(wd, "objectspool")
		}
		host, useSSL, err := resolveObjectEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		obj, err := store.NewObjectTokenStore(store.ObjectStoreConfig{
			Endpoint:  host,
			AccessKey: accessKey,
			SecretKey: secretKey,
			Bucket:    bucket,
			UseSSL:    useSSL,
			PathStyle: true,
			SpoolDir:  spool,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err = obj.Bootstrap(ctx); err != nil {
			return nil, err
		}
		log.Infof("object token store enabled, bucket: %s", bucket)
		return obj, nil
	}

	switch cfg.TokenStore.Type {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgresTokenStore(ctx, store.PostgresStoreConfig{
			DSN:      cfg.TokenStore.DSN,
			SpoolDir: cfg.TokenStore.Path,
		})
		if err != nil {
			return nil, err
		}
		if err = pg.Bootstrap(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	case "minio":
		obj, err := store.NewObjectTokenStore(store.ObjectStoreConfig{
			Endpoint:  cfg.TokenStore.Endpoint,
			AccessKey: cfg.TokenStore.AccessKey,
			SecretKey: cfg.TokenStore.SecretKey,
			Bucket:    cfg.TokenStore.Bucket,
			UseSSL:    cfg.TokenStore.UseSSL,
			PathStyle: true,
			SpoolDir:  cfg.TokenStore.Path,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err = obj.Bootstrap(ctx); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return store.NewFileTokenStore(cfg.TokenStore.Path), nil
	}
}

// lookupEnv returns the first non-empty value among the given variable names.
func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// resolveObjectEndpoint strips an optional scheme from the endpoint and
// derives TLS usage from it. Bare host:port defaults to TLS.
func resolveObjectEndpoint(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		return strings.TrimRight(endpoint, "/"), true, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse object store endpoint %q: %w", endpoint, err)
	}
	var useSSL bool
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		useSSL = false
	case "https":
		useSSL = true
	default:
		return "", false, fmt.Errorf("unsupported object store scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("object store endpoint %q is missing host information", endpoint)
	}
	host := parsed.Host
	if parsed.Path != "" && parsed.Path != "/" {
		host = strings.TrimSuffix(parsed.Host+parsed.Path, "/")
	}
	return strings.TrimRight(host, "/"), useSSL, nil
}
