package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds a Config from defaults, an optional YAML file and the
// environment (including .env files in envDir), in increasing precedence.
func Load(file, envDir string) (*Config, error) {
	cfg := New()
	if err := LoadEnvFiles(envDir); err != nil {
		return nil, err
	}
	if file != "" {
		if err := cfg.LoadFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env, .env.<ENV> and .env.local from dir when present.
// Variables already set in the process environment win over .env; the
// environment-specific and local files override it.
func LoadEnvFiles(dir string) error {
	base := filepath.Join(dir, ".env")
	if exists(base) {
		if err := godotenv.Load(base); err != nil {
			return fmt.Errorf("failed to load %s: %w", base, err)
		}
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env != "" {
		envFile := filepath.Join(dir, ".env."+env)
		if exists(envFile) {
			if err := godotenv.Overload(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	local := filepath.Join(dir, ".env.local")
	if exists(local) {
		if err := godotenv.Overload(local); err != nil {
			return fmt.Errorf("failed to load %s: %w", local, err)
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// LoadFile overlays the fields present in a YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. STEMFETCH_DOWNLOAD_ROOT
// takes precedence over DOWNLOAD_TEMP_DIR.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("DOWNLOAD_TEMP_DIR", &c.DownloadRoot)
	e.str("STEMFETCH_DOWNLOAD_ROOT", &c.DownloadRoot)
	e.str("STEMFETCH_DB_PATH", &c.DBPath)
	e.str("STEMFETCH_HOST", &c.Host)
	e.int("STEMFETCH_PORT", &c.Port)
	e.int("STEMFETCH_MAX_CONCURRENT", &c.MaxConcurrent)
	e.int("STEMFETCH_MAX_PENDING", &c.MaxPending)
	e.duration("STEMFETCH_TTL", &c.TTL)
	e.duration("STEMFETCH_TICK_INTERVAL", &c.TickInterval)
	e.duration("STEMFETCH_START_TIMEOUT", &c.StartTimeout)
	e.int("STEMFETCH_RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts)
	e.duration("STEMFETCH_RETRY_BACKOFF", &c.RetryBackoff)
	e.duration("STEMFETCH_HTTP_TIMEOUT", &c.HTTPTimeout)
	e.str("STEMFETCH_USER_AGENT", &c.UserAgent)
	e.str("STEMFETCH_PROXY_URL", &c.ProxyURL)
	e.bool("STEMFETCH_S3_ENABLED", &c.S3Enabled)
	e.str("STEMFETCH_S3_PROFILE", &c.S3Profile)
	e.str("STEMFETCH_LOG_LEVEL", &c.LogLevel)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
