package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for notesync.
type Config struct {
	// Remote store endpoint and credential.
	RemoteURL   string `env:"NOTESYNC_REMOTE_URL"`
	RemoteToken string `env:"NOTESYNC_REMOTE_TOKEN"`

	// Directory to sync. Resolved to an absolute path at load time;
	// downstream path traversal checks rely on string prefix comparison,
	// which only works reliably with absolute paths.
	SyncDir string `env:"NOTESYNC_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"NOTESYNC_DEVICE"`

	// SyncInterval is the periodic reconcile cadence; change events and
	// push hints trigger earlier passes through the debounce window.
	SyncInterval   time.Duration `env:"NOTESYNC_INTERVAL" envDefault:"5m"`
	DebounceWindow time.Duration `env:"NOTESYNC_DEBOUNCE" envDefault:"2s"`

	// EnablePush controls the WebSocket push-notification channel. When
	// disabled, sync is timer- and watcher-driven only.
	EnablePush bool `env:"NOTESYNC_PUSH" envDefault:"true"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "notesync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absDir, err := filepath.Abs(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}
	cfg.SyncDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("NOTESYNC_REMOTE_URL is required")
	}
	if !strings.HasPrefix(c.RemoteURL, "http://") && !strings.HasPrefix(c.RemoteURL, "https://") {
		return fmt.Errorf("NOTESYNC_REMOTE_URL must start with http:// or https://")
	}

	if c.RemoteToken == "" {
		return fmt.Errorf("NOTESYNC_REMOTE_TOKEN is required")
	}

	if c.SyncDir == "" {
		return fmt.Errorf("NOTESYNC_DIR is required")
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("NOTESYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}

	if c.DebounceWindow <= 0 {
		return fmt.Errorf("NOTESYNC_DEBOUNCE must be positive, got %s", c.DebounceWindow)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// optionsFile is the per-vault options file, read from inside the sync
// directory. It is itself hidden and therefore never synced.
const optionsFile = ".notesync.yml"

// VaultOptions holds per-vault settings read from .notesync.yml.
type VaultOptions struct {
	// Ignore lists glob patterns excluded from sync, on top of the
	// built-in rules (hidden files, editor droppings, node_modules).
	Ignore []string `yaml:"ignore"`
}

// LoadVaultOptions reads the options file from the sync directory.
// A missing file yields zero-value options, not an error.
func LoadVaultOptions(syncDir string) (*VaultOptions, error) {
	data, err := os.ReadFile(filepath.Join(syncDir, optionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &VaultOptions{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", optionsFile, err)
	}

	opts := &VaultOptions{}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", optionsFile, err)
	}

	return opts, nil
}
