// Package config loads the service configuration: one YAML file decoded
// strictly, defaults applied, secrets overridable from the environment.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts Go duration strings
// ("1s", "750ms").
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Dev switches zap to its development encoder.
	Dev bool `yaml:"dev"`

	Database    DatabaseConfig    `yaml:"database"`
	CORS        CORSConfig        `yaml:"cors"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Summary     SummaryConfig     `yaml:"summary"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// Driver is one of "sqlite", "mysql", or "memory".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a go-sql-driver DSN for mysql.
	DSN string `yaml:"dsn"`
}

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CheckpointsConfig tunes the checkpoint engine.
type CheckpointsConfig struct {
	// StrictSubmissions rejects unknown submission keys instead of
	// dropping them.
	StrictSubmissions bool `yaml:"strict_submissions"`
}

// RetrievalConfig selects and configures the retrieval provider.
type RetrievalConfig struct {
	// Provider is "pageindex" or "mock".
	Provider  string          `yaml:"provider"`
	PageIndex PageIndexConfig `yaml:"pageindex"`

	// MockFallback degrades failed or empty provider calls to the
	// deterministic mock engine instead of surfacing gateway errors.
	// Defaults to true.
	MockFallback *bool      `yaml:"mock_fallback"`
	Mock         MockConfig `yaml:"mock"`
}

// PageIndexConfig holds the PageIndex API settings.
type PageIndexConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey can also come from PAGEINDEX_API_KEY.
	APIKey string `yaml:"api_key"`
	// DocMap maps tickers to document ids: "MSFT:doc1,AAPL:doc2".
	DocMap         string   `yaml:"doc_map"`
	PollInterval   Duration `yaml:"poll_interval"`
	PollTimeout    Duration `yaml:"poll_timeout"`
	EnableThinking bool     `yaml:"enable_thinking"`
}

// MockConfig tunes the deterministic mock retrieval engine.
type MockConfig struct {
	Scenario string `yaml:"scenario"`
	SeedSalt string `yaml:"seed_salt"`
}

// SummaryConfig selects and configures the summary provider.
type SummaryConfig struct {
	// Provider is "openai", "anthropic", "googleai", or "mock".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKey can also come from OPENAI_API_KEY, ANTHROPIC_API_KEY, or
	// GOOGLE_API_KEY depending on the provider.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the endpoint; honored by openai only.
	BaseURL string `yaml:"base_url"`
}

// MetricsConfig controls the Prometheus registry and /metrics endpoint.
type MetricsConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// TracingConfig controls the OpenTelemetry span emitter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsEnabled reports whether metrics are wired. Defaults to true.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// MockFallbackEnabled reports whether provider failures degrade to the
// deterministic mocks. Defaults to true.
func (c *Config) MockFallbackEnabled() bool {
	return c.Retrieval.MockFallback == nil || *c.Retrieval.MockFallback
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path loads the defaults
// (environment overrides still apply).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil // empty file keeps the defaults
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple YAML documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "finrisk.db"
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if cfg.Retrieval.Provider == "" {
		cfg.Retrieval.Provider = "pageindex"
	}
	if cfg.Retrieval.PageIndex.BaseURL == "" {
		cfg.Retrieval.PageIndex.BaseURL = "https://api.pageindex.ai"
	}
	if cfg.Retrieval.PageIndex.PollInterval <= 0 {
		cfg.Retrieval.PageIndex.PollInterval = Duration(time.Second)
	}
	if cfg.Retrieval.PageIndex.PollTimeout <= 0 {
		cfg.Retrieval.PageIndex.PollTimeout = Duration(45 * time.Second)
	}
	if cfg.Retrieval.MockFallback == nil {
		t := true
		cfg.Retrieval.MockFallback = &t
	}
	if cfg.Retrieval.Mock.Scenario == "" {
		cfg.Retrieval.Mock.Scenario = "happy_path"
	}
	if cfg.Retrieval.Mock.SeedSalt == "" {
		cfg.Retrieval.Mock.SeedSalt = "finrisk"
	}
	if cfg.Summary.Provider == "" {
		cfg.Summary.Provider = "openai"
	}
	if cfg.Summary.Model == "" && cfg.Summary.Provider == "openai" {
		cfg.Summary.Model = "gpt-4o-mini"
	}
	if cfg.Metrics.Enabled == nil {
		t := true
		cfg.Metrics.Enabled = &t
	}
}

// applyEnv lets deployment secrets override file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PAGEINDEX_API_KEY"); v != "" {
		cfg.Retrieval.PageIndex.APIKey = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" && cfg.Database.Driver == "mysql" {
		cfg.Database.DSN = v
	}
	var keyEnv string
	switch cfg.Summary.Provider {
	case "openai":
		keyEnv = "OPENAI_API_KEY"
	case "anthropic":
		keyEnv = "ANTHROPIC_API_KEY"
	case "googleai":
		keyEnv = "GOOGLE_API_KEY"
	}
	if keyEnv != "" {
		if v := os.Getenv(keyEnv); v != "" {
			cfg.Summary.APIKey = v
		}
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch cfg.Database.Driver {
	case "sqlite", "mysql", "memory":
	default:
		return fmt.Errorf("invalid database.driver %q (want sqlite|mysql|memory)", cfg.Database.Driver)
	}
	if cfg.Database.Driver != "memory" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required for driver %q", cfg.Database.Driver)
	}
	switch cfg.Retrieval.Provider {
	case "pageindex", "mock":
	default:
		return fmt.Errorf("invalid retrieval.provider %q (want pageindex|mock)", cfg.Retrieval.Provider)
	}
	if cfg.Retrieval.Provider == "pageindex" {
		if strings.TrimSpace(cfg.Retrieval.PageIndex.BaseURL) == "" {
			return fmt.Errorf("retrieval.pageindex.base_url is required")
		}
		if cfg.Retrieval.PageIndex.PollTimeout < cfg.Retrieval.PageIndex.PollInterval {
			return fmt.Errorf("retrieval.pageindex.poll_timeout must be >= poll_interval")
		}
	}
	switch cfg.Summary.Provider {
	case "openai", "anthropic", "googleai", "mock":
	default:
		return fmt.Errorf("invalid summary.provider %q (want openai|anthropic|googleai|mock)", cfg.Summary.Provider)
	}
	if cfg.Summary.Provider != "mock" && strings.TrimSpace(cfg.Summary.Model) == "" {
		return fmt.Errorf("summary.model is required for provider %q", cfg.Summary.Provider)
	}
	return nil
}
