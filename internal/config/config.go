package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Config holds all configuration for the stemfetch application
type Config struct {
	// Server configuration
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Addr string `yaml:"-"` // computed from Host:Port

	// File system
	DownloadRoot    string `yaml:"download_root"` // user-provided
	AbsDownloadRoot string `yaml:"-"`             // resolved/absolute path
	DBPath          string `yaml:"db_path"`       // user-provided
	AbsDBPath       string `yaml:"-"`             // resolved/absolute path

	// Download behavior
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxPending       int           `yaml:"max_pending"` // 0 = unbounded
	TTL              time.Duration `yaml:"ttl"`         // idle timeout while downloading
	TickInterval     time.Duration `yaml:"tick_interval"`
	StartTimeout     time.Duration `yaml:"start_timeout"` // 0 = disabled
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`

	// Transports
	HTTPTimeout time.Duration `yaml:"http_timeout"` // 0 = rely on TTL
	UserAgent   string        `yaml:"user_agent"`
	ProxyURL    string        `yaml:"proxy_url"`
	S3Enabled   bool          `yaml:"s3_enabled"`
	S3Profile   string        `yaml:"s3_profile"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error

	// Validation & computed
	Version   string    `yaml:"-"`
	StartTime time.Time `yaml:"-"`
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             8080,
		DownloadRoot:     filepath.Join("data", "downloads"),
		MaxConcurrent:    3,
		TTL:              5 * time.Minute,
		TickInterval:     time.Second,
		RetryMaxAttempts: 1,
		RetryBackoff:     5 * time.Second,
		LogLevel:         "info",
		Version:          "0.3.0",
		StartTime:        time.Now(),
	}
}

var validLevels = []string{"debug", "info", "warn", "error"}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent: %d (must be >= 1)", c.MaxConcurrent)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("invalid max pending: %d (must be >= 0)", c.MaxPending)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("invalid ttl: %s (must be > 0)", c.TTL)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval: %s (must be > 0)", c.TickInterval)
	}
	if c.StartTimeout < 0 || c.RetryBackoff < 0 || c.HTTPTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		c.RetryMaxAttempts = 1
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	if !slices.Contains(validLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	if c.UserAgent == "" {
		c.UserAgent = "stemfetch/" + c.Version
	}

	c.Addr = c.ComputeAddr()
	return nil
}

// ResolveDownloadRoot expands the download root and resolves it to an absolute path.
// If empty, defaults to data/downloads under the working directory.
func (c *Config) ResolveDownloadRoot() error {
	if c.DownloadRoot == "" {
		c.DownloadRoot = filepath.Join("data", "downloads")
	}
	abs, err := resolvePath(c.DownloadRoot)
	if err != nil {
		return err
	}
	c.AbsDownloadRoot = abs
	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path.
// If empty, defaults to the OS cache directory.
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}
	abs, err := resolvePath(c.DBPath)
	if err != nil {
		return err
	}
	c.AbsDBPath = abs
	return nil
}

func resolvePath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", p, err)
	}
	return abs, nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(`Config{
  Server:
    Host: %s
    Port: %d
    Addr: %s
  Files:
    DownloadRoot: %s (resolved: %s)
    DBPath: %s (resolved: %s)
  Download:
    MaxConcurrent: %d
    MaxPending: %d
    TTL: %s
    TickInterval: %s
    StartTimeout: %s
    Retry: %d attempts, %s backoff
  Transport:
    HTTPTimeout: %s
    UserAgent: %s
    S3Enabled: %t
  Logging:
    LogLevel: %s
  Meta:
    Version: %s
    StartTime: %s
}`, c.Host, c.Port, c.Addr,
		c.DownloadRoot, c.AbsDownloadRoot,
		c.DBPath, c.AbsDBPath,
		c.MaxConcurrent, c.MaxPending, c.TTL, c.TickInterval, c.StartTimeout,
		c.RetryMaxAttempts, c.RetryBackoff,
		c.HTTPTimeout, c.UserAgent, c.S3Enabled,
		c.LogLevel,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":           c.Addr,
		"download_root":  c.AbsDownloadRoot,
		"db_path":        c.AbsDBPath,
		"max_concurrent": c.MaxConcurrent,
		"max_pending":    c.MaxPending,
		"ttl":            c.TTL.String(),
		"retry_attempts": c.RetryMaxAttempts,
		"s3":             c.S3Enabled,
		"log_level":      c.LogLevel,
		"version":        c.Version,
	}
}

// defaultCacheDBPath returns the cross-platform default path for the history DB
// under the user cache directory (e.g. $HOME/.cache/stemfetch/history.db).
func defaultCacheDBPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "stemfetch", "history.db")
	}
	return filepath.Join("stemfetch", "history.db")
}
