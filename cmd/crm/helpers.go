package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	crm "github.com/schoolcrm/crm/sdk/golang"
)

// session bundles what a command needs to talk to the API.
type session struct {
	cfg    *Config
	client *crm.Client
	close  func()
}

// openStore builds the configured storage backend.
func openStore(ctx context.Context, cfg *Config) (crm.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "", "file":
		path := cfg.Storage.Path
		if path == "" {
			dir, err := crmHome()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "store.json")
		}
		return crm.NewFileStore(path), func() {}, nil
	case "redis":
		rs, err := crm.NewRedisStore(ctx, crm.RedisStoreOptions{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	case "memory":
		return crm.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// clientOptions turns the config into client options.
func clientOptions(cfg *Config, store crm.Store) ([]crm.ClientOption, error) {
	opts := []crm.ClientOption{
		crm.WithStore(store),
		crm.WithLogger(logger),
		crm.WithLoginRequired(func() {
			fmt.Fprintln(os.Stderr, "Session expired. Run 'crm login <username>' to sign in again.")
		}),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, crm.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Timeout != "" {
		d, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default.timeout %q: %w", cfg.Default.Timeout, err)
		}
		opts = append(opts, crm.WithTimeout(d))
	}
	return opts, nil
}

// openSession loads the config and creates a client over the configured
// store. Extra options are applied last.
func openSession(ctx context.Context, extra ...crm.ClientOption) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	opts, err := clientOptions(cfg, store)
	if err != nil {
		closeStore()
		return nil, err
	}
	client := crm.NewClient(append(opts, extra...)...)
	return &session{cfg: cfg, client: client, close: closeStore}, nil
}

// requireLogin fails when no credential is stored.
func (s *session) requireLogin(ctx context.Context) error {
	if !s.client.Tokens().LoggedIn(ctx) {
		return fmt.Errorf("not logged in; run 'crm login <username>' first")
	}
	return nil
}

// offline creates an offline manager whose monitor starts from a live probe.
func (s *session) offline(ctx context.Context) *crm.OfflineManager {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	online := s.client.Auth.Ping(pctx) == nil
	cancel()
	monitor := crm.NewConnectivityMonitor(online, crm.WithMonitorLogger(logger), crm.WithMonitorMetrics(s.client.Metrics()))
	return crm.NewOfflineManager(s.client, monitor, nil)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
