package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/integrations"
	"github.com/kerbaras/avatars/pkg/ratelimit"
	"github.com/kerbaras/avatars/pkg/sources"
)

// Settings is the full configuration of the avatars client.
type Settings struct {
	API        APIConfig                      `yaml:"api"`
	RateLimit  ratelimit.Config               `yaml:"rate_limit"`
	Auth       AuthConfig                     `yaml:"auth"`
	Catalog    CatalogConfig                  `yaml:"catalog"`
	Downloads  DownloadConfig                 `yaml:"downloads"`
	Cache      CacheConfig                    `yaml:"cache"`
	Thumbnails integrations.ThumbnailSettings `yaml:"thumbnails"`
	// DataDir holds the database and the saved session.
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	// LogFile receives logs while the TUI owns the terminal.
	LogFile string `yaml:"log_file"`
}

type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	// CodePatterns maps a second-factor method to the regular expression
	// its codes must match.
	CodePatterns map[string]string `yaml:"code_patterns"`
	MaxAttempts  int               `yaml:"max_attempts"`
	ChallengeTTL time.Duration     `yaml:"challenge_ttl"`
}

type CatalogConfig struct {
	PageSize int `yaml:"page_size"`
	// MaxScan bounds the server pages read to fill one filtered page.
	MaxScan int `yaml:"max_scan"`
	Retries int `yaml:"retries"`
}

type DownloadConfig struct {
	Dir        string           `yaml:"dir"`
	Workers    int              `yaml:"workers"`
	MaxRetries int              `yaml:"max_retries"`
	Retry      ratelimit.Policy `yaml:"retry"`
	ChunkSize  int              `yaml:"chunk_size"`
	// IdleTimeout aborts an attempt whose stream sends nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type CacheConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
	// Assets also caches downloaded bundles no larger than MaxAsset.
	Assets   bool  `yaml:"assets"`
	MaxAsset int64 `yaml:"max_asset"`
}

// Default returns Settings with sensible defaults.
func Default() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".avatars")

	patterns := make(map[string]string)
	for m, p := range auth.DefaultCodePatterns() {
		patterns[string(m)] = p
	}

	return Settings{
		API: APIConfig{
			BaseURL:   sources.DefaultBaseURL,
			UserAgent: "avatars/1.0",
			Timeout:   30 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Auth: AuthConfig{
			CodePatterns: patterns,
			MaxAttempts:  5,
			ChallengeTTL: 10 * time.Minute,
		},
		Catalog: CatalogConfig{
			PageSize: 50,
			MaxScan:  10,
			Retries:  2,
		},
		Downloads: DownloadConfig{
			Dir:         filepath.Join(home, "Downloads", "avatars"),
			Workers:     3,
			MaxRetries:  3,
			Retry:       ratelimit.Policy{Base: time.Second, Max: 30 * time.Second},
			ChunkSize:   32 * 1024,
			IdleTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:      filepath.Join(dataDir, "cache"),
			MaxBytes: 512 * 1024 * 1024, // 512MB
			MaxAsset: 64 * 1024 * 1024,
		},
		Thumbnails: integrations.DefaultThumbnailSettings(),
		DataDir:    dataDir,
		LogLevel:   "info",
		LogFile:    filepath.Join(dataDir, "avatars.log"),
	}
}

// DefaultPath is where the CLI looks for its configuration file.
func DefaultPath() string {
	return filepath.Join(Default().DataDir, "config.yaml")
}

// DBPath is the DuckDB database file.
func (s Settings) DBPath() string {
	return filepath.Join(s.DataDir, "avatars.db")
}

// TokenPath is the saved session file.
func (s Settings) TokenPath() string {
	return filepath.Join(s.DataDir, "session.yaml")
}

// LoadFromFile loads configuration from a YAML file over the defaults. A
// missing file yields the defaults.
func LoadFromFile(path string) (Settings, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the settings as YAML.
func (s Settings) Save(path string) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides settings from environment variables with the
// AVATARS_ prefix.
func (s *Settings) LoadFromEnv() error {
	if v := os.Getenv("AVATARS_API_URL"); v != "" {
		s.API.BaseURL = v
	}
	if v := os.Getenv("AVATARS_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("AVATARS_DOWNLOAD_DIR"); v != "" {
		s.Downloads.Dir = v
	}
	if v := os.Getenv("AVATARS_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("AVATARS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AVATARS_WORKERS: %w", err)
		}
		s.Downloads.Workers = n
	}
	if v := os.Getenv("AVATARS_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AVATARS_RATE_LIMIT: %w", err)
		}
		s.RateLimit.Limit = n
	}
	if v := os.Getenv("AVATARS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse AVATARS_TIMEOUT: %w", err)
		}
		s.API.Timeout = d
	}
	return nil
}

// Validate validates the configuration.
func (s *Settings) Validate() error {
	if s.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	if s.API.Timeout <= 0 {
		return errors.New("config: api.timeout must be positive")
	}
	if s.RateLimit.Limit <= 0 || s.RateLimit.Window <= 0 {
		return errors.New("config: rate_limit.limit and rate_limit.window must be positive")
	}
	if s.Downloads.Workers <= 0 {
		return errors.New("config: downloads.workers must be positive")
	}
	if s.Downloads.MaxRetries < 0 {
		return errors.New("config: downloads.max_retries must not be negative")
	}
	if s.Downloads.ChunkSize <= 0 {
		return errors.New("config: downloads.chunk_size must be positive")
	}
	if s.Downloads.IdleTimeout <= 0 {
		return errors.New("config: downloads.idle_timeout must be positive")
	}
	if s.Catalog.PageSize <= 0 || s.Catalog.MaxScan <= 0 {
		return errors.New("config: catalog.page_size and catalog.max_scan must be positive")
	}
	if s.Cache.MaxBytes <= 0 {
		return errors.New("config: cache.max_bytes must be positive")
	}
	if s.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	for method, pattern := range s.Auth.CodePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("config: auth.code_patterns.%s: %w", method, err)
		}
	}
	return nil
}

// CodePatterns returns the configured patterns keyed by method.
func (s Settings) CodePatterns() map[auth.Method]string {
	out := make(map[auth.Method]string, len(s.Auth.CodePatterns))
	for m, p := range s.Auth.CodePatterns {
		out[auth.Method(m)] = p
	}
	return out
}
