package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.crm/config.toml.
// The session credential is not part of it; it lives in the store.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Storage ConfigStorage `toml:"storage"`
	Push    ConfigPush    `toml:"push"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout,omitempty"`
}

// ConfigStorage selects where the credential and offline queue are kept.
type ConfigStorage struct {
	// Backend is "file" (default), "redis" or "memory".
	Backend       string `toml:"backend"`
	Path          string `toml:"path,omitempty"`
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
}

// ConfigPush holds the push receiver settings.
type ConfigPush struct {
	Secret string `toml:"secret,omitempty"`
	Addr   string `toml:"addr,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// crmHome is the directory holding config.toml and the default file store:
// $CRM_HOME when set, ~/.crm otherwise. It is created on first use.
func crmHome() (string, error) {
	dir := os.Getenv("CRM_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".crm")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}

func configFile() (string, error) {
	dir, err := crmHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile returns what config.toml holds, without environment
// overrides. A missing file is an empty config.
func readConfigFile() (*Config, error) {
	path, err := configFile()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	return cfg, nil
}

// loadConfig returns the effective config: the file, then CRM_* variables,
// then defaults. Commands that write the file use readConfigFile instead so
// overrides never get persisted.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	return cfg, nil
}

func writeConfigFile(cfg *Config) error {
	path, err := configFile()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// applyEnv overlays CRM_* environment variables on cfg.
func applyEnv(cfg *Config) {
	for env, field := range map[string]*string{
		"CRM_BASE_URL":       &cfg.Default.BaseURL,
		"CRM_STORE":          &cfg.Storage.Backend,
		"CRM_STORE_PATH":     &cfg.Storage.Path,
		"CRM_REDIS_ADDR":     &cfg.Storage.RedisAddr,
		"CRM_REDIS_PASSWORD": &cfg.Storage.RedisPassword,
		"CRM_PUSH_SECRET":    &cfg.Push.Secret,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// redacted returns a copy of cfg safe to print.
func (c Config) redacted() Config {
	if c.Storage.RedisPassword != "" {
		c.Storage.RedisPassword = "********"
	}
	if c.Push.Secret != "" {
		c.Push.Secret = "********"
	}
	return c
}

// configKeys maps the section.field keys accepted by "config set" to cfg.
func configKeys(cfg *Config) map[string]*string {
	return map[string]*string{
		"default.base_url":       &cfg.Default.BaseURL,
		"default.timeout":        &cfg.Default.Timeout,
		"storage.backend":        &cfg.Storage.Backend,
		"storage.path":           &cfg.Storage.Path,
		"storage.redis_addr":     &cfg.Storage.RedisAddr,
		"storage.redis_password": &cfg.Storage.RedisPassword,
		"push.secret":            &cfg.Push.Secret,
		"push.addr":              &cfg.Push.Addr,
	}
}

// setConfigValue sets one key, validating the values the client parses.
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	keys := configKeys(cfg)
	field, ok := keys[key]
	if !ok {
		valid := make([]string, 0, len(keys))
		for k := range keys {
			valid = append(valid, k)
		}
		sort.Strings(valid)
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(valid, ", "))
	}

	switch key {
	case "storage.backend":
		switch value {
		case "file", "redis", "memory":
		default:
			return fmt.Errorf("unknown storage backend %q (valid: file, redis, memory)", value)
		}
	case "default.timeout":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", value, err)
		}
	}
	*field = value
	return nil
}

// ============================================================================
// config command
// ============================================================================

var configShowFile bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "Show config.toml as stored, without environment overrides")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CRM CLI configuration",
	Long:  "View or modify the configuration in $CRM_HOME/config.toml (default ~/.crm). CRM_* environment variables override it.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadConfig
		if configShowFile {
			load = readConfigFile
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(cfg.redacted())
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		if path, err := configFile(); err == nil {
			fmt.Printf("# %s\n", path)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a value by section.field.\nExample: crm config set storage.backend redis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := writeConfigFile(cfg); err != nil {
			return err
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}
