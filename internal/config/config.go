// Package config handles loading and managing mailarchiver configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mailarchiver/mailarchiver/internal/fileutil"
)

// Config represents the mailarchiver configuration.
type Config struct {
	Data   DataConfig   `toml:"data"`
	Sync   SyncConfig   `toml:"sync"`
	Server ServerConfig `toml:"server"`

	Accounts []AccountSchedule `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	// DatabaseURL is the PostgreSQL connection string for the archive store.
	DatabaseURL string `toml:"database_url"`

	// ContentRoot is where job artifacts (exports, uploads) live.
	ContentRoot string `toml:"content_root"`
}

// SyncConfig holds sync-related configuration.
type SyncConfig struct {
	// BatchSize is the number of messages fetched or deleted per batch.
	BatchSize int `toml:"batch_size"`

	// PauseBetweenEmailsMs is the pause between per-message operations.
	PauseBetweenEmailsMs int `toml:"pause_between_emails_ms"`

	// PauseBetweenBatchesMs is the pause between fetch/delete batches.
	PauseBetweenBatchesMs int `toml:"pause_between_batches_ms"`

	// IgnoreSelfSignedCert relaxes TLS verification for IMAP servers with
	// self-signed or incomplete certificate chains.
	IgnoreSelfSignedCert bool `toml:"ignore_self_signed_cert"`

	// DisplayTimeZone is the IANA zone sent-dates are stored in.
	DisplayTimeZone string `toml:"display_time_zone"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort int    `toml:"api_port"` // HTTP server port (default: 8080)
	APIKey  string `toml:"api_key"`  // API authentication key
}

// AccountSchedule defines the sync schedule for a single account.
type AccountSchedule struct {
	Email    string `toml:"email"`    // Account email address
	Schedule string `toml:"schedule"` // Cron expression (e.g., "0 2 * * *" for 2am daily)
	Enabled  bool   `toml:"enabled"`  // Whether scheduled sync is active
}

// DefaultHome returns the default mailarchiver home directory.
// Respects the MAILARCHIVER_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILARCHIVER_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailarchiver"
	}
	return filepath.Join(home, ".mailarchiver")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailarchiver/config.toml).
// If homeDir is non-empty it overrides the default home directory.
func Load(path, homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			ContentRoot: homeDir,
		},
		Sync: SyncConfig{
			BatchSize:             50,
			PauseBetweenEmailsMs:  10,
			PauseBetweenBatchesMs: 100,
			DisplayTimeZone:       "UTC",
		},
		Server: ServerConfig{
			APIPort: 8080,
		},
		Accounts: []AccountSchedule{},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.ContentRoot = expandPath(cfg.Data.ContentRoot)

	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 50
	}

	return cfg, nil
}

// EnsureHomeDir creates the home directory if it does not exist. The
// directory holds archived mail content, so access is owner-only.
func (c *Config) EnsureHomeDir() error {
	return fileutil.SecureMkdirAll(c.HomeDir, 0700)
}

// ExportsDir returns the directory for export job artifacts.
func (c *Config) ExportsDir() string {
	return filepath.Join(c.Data.ContentRoot, "exports")
}

// UploadsDir returns the directory for uploaded mbox files.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.Data.ContentRoot, "uploads", "mbox")
}

// DisplayLocation resolves the configured display time zone.
// Falls back to UTC when the zone name is empty or unknown.
func (c *Config) DisplayLocation() *time.Location {
	if c.Sync.DisplayTimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Sync.DisplayTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PauseBetweenEmails returns the per-message pause as a duration.
func (c *Config) PauseBetweenEmails() time.Duration {
	return time.Duration(c.Sync.PauseBetweenEmailsMs) * time.Millisecond
}

// PauseBetweenBatches returns the inter-batch pause as a duration.
func (c *Config) PauseBetweenBatches() time.Duration {
	return time.Duration(c.Sync.PauseBetweenBatchesMs) * time.Millisecond
}

// ScheduledAccounts returns the accounts with scheduled sync enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var out []AccountSchedule
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			out = append(out, acc)
		}
	}
	return out
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && (path[1] == '/' || path[1] == os.PathSeparator) {
		return filepath.Join(home, path[2:])
	}
	return path
}
